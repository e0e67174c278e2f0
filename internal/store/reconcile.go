package store

import (
	"database/sql"
	"errors"
	"time"
)

// ReplaceSnapshot swaps the open-index snapshot rows for one target.
func (t *Tx) ReplaceSnapshot(termID, campus string, indexes []string, sourceHash string, at time.Time) error {
	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM open_section_snapshots WHERE term_id = ? AND campus_code = ?`,
		termID, campus); err != nil {
		return err
	}
	seenAt := FormatTime(at)
	for _, idx := range indexes {
		if _, err := t.tx.ExecContext(t.ctx, `
			INSERT INTO open_section_snapshots (term_id, campus_code, index_number, seen_open_at, source_hash)
			VALUES (?, ?, ?, ?, ?)`,
			termID, campus, idx, seenAt, sourceHash); err != nil {
			return err
		}
	}
	return nil
}

// SetSectionStatus mutates the open/close fields the poller owns.
func (t *Tx) SetSectionStatus(sectionID int64, isOpen bool, status string, at time.Time) error {
	open := 0
	if isOpen {
		open = 1
	}
	now := FormatTime(at)
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE sections
		SET is_open = ?, open_status = ?, open_status_updated_at = ?, updated_at = ?
		WHERE section_id = ?`,
		open, status, now, now, sectionID)
	return err
}

// AppendStatusHistory records a transition in the per-section audit log.
func (t *Tx) AppendStatusHistory(sectionID int64, previous, current, termID, campus string, at time.Time) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO section_status_events (
			section_id, previous_status, current_status, source,
			snapshot_term, snapshot_campus, snapshot_received_at
		) VALUES (?, ?, ?, 'openSections', ?, ?, ?)`,
		sectionID, nullStr(previous), current, termID, campus, FormatTime(at))
	return err
}

// RecentEventExists is the dedupe gate: an equivalent event in the
// trailing window suppresses a new one.
func (t *Tx) RecentEventExists(dedupeKey string, cutoff time.Time) (bool, error) {
	var id int64
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT open_event_id FROM open_events
		WHERE dedupe_key = ? AND event_at >= ?
		LIMIT 1`,
		dedupeKey, FormatTime(cutoff)).Scan(&id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, err
}

// OpenEventInsert is the immutable log row for one detected transition
// or reminder.
type OpenEventInsert struct {
	SectionID    int64
	TermID       string
	CampusCode   string
	IndexNumber  string
	StatusBefore string
	StatusAfter  string
	SeatDelta    int
	EventAt      time.Time
	DedupeKey    string
	TraceID      string
	Payload      string
}

func (t *Tx) InsertOpenEvent(ev OpenEventInsert) (int64, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO open_events (
			section_id, term_id, campus_code, index_number, status_before, status_after,
			seat_delta, event_at, detected_by, dedupe_key, trace_id, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'openSections', ?, ?, ?)`,
		ev.SectionID, ev.TermID, ev.CampusCode, ev.IndexNumber,
		nullStr(ev.StatusBefore), ev.StatusAfter, ev.SeatDelta,
		FormatTime(ev.EventAt), ev.DedupeKey, nullStr(ev.TraceID), nullStr(ev.Payload))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SubscriptionsPage returns one page of pending/active subscriptions for
// an index, ordered by id so paging is stable.
func (t *Tx) SubscriptionsPage(termID, campus, index string, limit, offset int) ([]SubscriptionRow, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT subscription_id, status, COALESCE(metadata, ''),
		       COALESCE(last_known_section_status, ''), COALESCE(last_notified_at, ''),
		       contact_type, COALESCE(contact_value, '')
		FROM subscriptions
		WHERE term_id = ? AND campus_code = ? AND index_number = ?
		  AND status IN (?, ?)
		ORDER BY subscription_id
		LIMIT ? OFFSET ?`,
		termID, campus, index, SubPending, SubActive, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SubscriptionRow
	for rows.Next() {
		var r SubscriptionRow
		if err := rows.Scan(&r.SubscriptionID, &r.Status, &r.Metadata,
			&r.LastKnownStatus, &r.LastNotifiedAt, &r.ContactType, &r.ContactValue); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HasWatchers reports whether any pending/active subscription exists for
// the index; events for unwatched sections are never created.
func (t *Tx) HasWatchers(termID, campus, index string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT COUNT(*) FROM subscriptions
		WHERE term_id = ? AND campus_code = ? AND index_number = ?
		  AND status IN (?, ?)`,
		termID, campus, index, SubPending, SubActive).Scan(&n)
	return n > 0, err
}

// InsertNotification creates one fanout row; the unique index makes a
// second fanout of the same (event, subscription) a no-op.
func (t *Tx) InsertNotification(openEventID, subscriptionID int64, dedupeKey string, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO open_event_notifications (
			open_event_id, subscription_id, dedupe_key, fanout_status, fanout_attempts, created_at
		) VALUES (?, ?, ?, 'pending', 0, ?)
		ON CONFLICT (open_event_id, subscription_id) DO NOTHING`,
		openEventID, subscriptionID, dedupeKey, FormatTime(at))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetSubscriptionKnownStatus updates the subscriber's last observed
// section status.
func (t *Tx) SetSubscriptionKnownStatus(subscriptionID int64, status string, at time.Time) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE subscriptions
		SET last_known_section_status = ?, updated_at = ?
		WHERE subscription_id = ?`,
		status, FormatTime(at), subscriptionID)
	return err
}

// ResetWatchersForIndex marks every watcher of a closed index so the next
// reopen notifies them again.
func (t *Tx) ResetWatchersForIndex(termID, campus, index, status string, at time.Time) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE subscriptions
		SET last_known_section_status = ?, updated_at = ?
		WHERE term_id = ? AND campus_code = ? AND index_number = ?
		  AND status IN (?, ?)`,
		status, FormatTime(at), termID, campus, index, SubPending, SubActive)
	return err
}
