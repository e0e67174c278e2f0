package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// NotificationJob is the hydrated view a dispatch worker operates on.
type NotificationJob struct {
	NotificationID int64
	OpenEventID    int64
	SubscriptionID int64
	DedupeKey      string
	FanoutAttempts int

	EventSectionID    int64
	EventTermID       string
	EventCampusCode   string
	EventIndexNumber  string
	EventStatusAfter  string
	EventStatusBefore string
	EventAt           string
	EventTraceID      string
	EventPayload      string

	SubStatus          string
	SubContactType     string
	SubContactValue    string
	SubLocale          string
	SubUnsubscribeTok  string
	SubSectionID       int64
	SubIndexNumber     string
	SubLastKnownStatus string
}

// SectionID resolves the section for hydration, preferring the event's.
func (j NotificationJob) SectionID() int64 {
	if j.EventSectionID != 0 {
		return j.EventSectionID
	}
	return j.SubSectionID
}

// ClaimCandidates lists claimable notification ids for a channel:
// pending, lock empty or expired, contact type served by the channel.
func (s *Store) ClaimCandidates(ctx context.Context, contactTypes []string, lockExpiry time.Time, limit int) ([]int64, error) {
	if len(contactTypes) == 0 {
		return nil, nil
	}
	q := `
		SELECT n.notification_id
		FROM open_event_notifications n
		JOIN subscriptions s ON n.subscription_id = s.subscription_id
		WHERE n.fanout_status = 'pending'
		  AND s.contact_type IN (` + placeholders(len(contactTypes)) + `)
		  AND (n.locked_at IS NULL OR n.locked_at < ?)
		ORDER BY n.notification_id
		LIMIT ?`
	args := make([]any, 0, len(contactTypes)+2)
	for _, ct := range contactTypes {
		args = append(args, ct)
	}
	args = append(args, FormatTime(lockExpiry), limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("claim candidates: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TryLock is the compare-and-set that makes claiming multi-worker safe:
// of two workers racing on a row, only one update reports an affected row.
func (s *Store) TryLock(ctx context.Context, id int64, workerID string, contactTypes []string, lockedAt, lockExpiry time.Time) (bool, error) {
	q := `
		UPDATE open_event_notifications
		SET locked_by = ?, locked_at = ?
		WHERE notification_id = ?
		  AND fanout_status = 'pending'
		  AND (locked_at IS NULL OR locked_at < ?)
		  AND EXISTS (
		      SELECT 1 FROM subscriptions s
		      WHERE s.subscription_id = open_event_notifications.subscription_id
		        AND s.contact_type IN (` + placeholders(len(contactTypes)) + `)
		  )`
	args := []any{workerID, FormatTime(lockedAt), id, FormatTime(lockExpiry)}
	for _, ct := range contactTypes {
		args = append(args, ct)
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// LoadJobs hydrates notification rows with their event and subscription.
func (s *Store) LoadJobs(ctx context.Context, ids []int64) ([]NotificationJob, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := `
		SELECT
			n.notification_id, n.open_event_id, n.subscription_id, n.dedupe_key, n.fanout_attempts,
			COALESCE(e.section_id, 0), e.term_id, e.campus_code, e.index_number,
			COALESCE(e.status_after, ''), COALESCE(e.status_before, ''), e.event_at,
			COALESCE(e.trace_id, ''), COALESCE(e.payload, ''),
			s.status, s.contact_type, COALESCE(s.contact_value, ''),
			COALESCE(s.locale, ''), COALESCE(s.unsubscribe_token, ''),
			COALESCE(s.section_id, 0), s.index_number,
			COALESCE(s.last_known_section_status, '')
		FROM open_event_notifications n
		JOIN open_events e ON n.open_event_id = e.open_event_id
		JOIN subscriptions s ON n.subscription_id = s.subscription_id
		WHERE n.notification_id IN (` + placeholders(len(ids)) + `)
		ORDER BY n.notification_id`
	rows, err := s.db.QueryContext(ctx, q, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	defer rows.Close()

	var out []NotificationJob
	for rows.Next() {
		var j NotificationJob
		if err := rows.Scan(
			&j.NotificationID, &j.OpenEventID, &j.SubscriptionID, &j.DedupeKey, &j.FanoutAttempts,
			&j.EventSectionID, &j.EventTermID, &j.EventCampusCode, &j.EventIndexNumber,
			&j.EventStatusAfter, &j.EventStatusBefore, &j.EventAt,
			&j.EventTraceID, &j.EventPayload,
			&j.SubStatus, &j.SubContactType, &j.SubContactValue,
			&j.SubLocale, &j.SubUnsubscribeTok,
			&j.SubSectionID, &j.SubIndexNumber,
			&j.SubLastKnownStatus,
		); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Outcome records the result of one dispatch attempt. LockedAt non-nil
// with FanoutStatus pending re-arms the row for a delayed retry.
type Outcome struct {
	NotificationID int64
	SubscriptionID int64
	FanoutStatus   string
	Attempts       int
	Error          string
	LockedAt       *time.Time

	// Audit trail; empty AuditType appends nothing.
	AuditType          string // "notify_sent" | "notify_failed"
	AuditPayload       string
	SectionStatusSnap  string
	UpdateLastNotified bool
}

// PersistOutcome applies the outcome, the subscriber bookkeeping and the
// audit row in one transaction.
func (s *Store) PersistOutcome(ctx context.Context, o Outcome, now time.Time) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		var lockedAt any
		if o.LockedAt != nil {
			lockedAt = FormatTime(*o.LockedAt)
		}
		if _, err := tx.tx.ExecContext(ctx, `
			UPDATE open_event_notifications
			SET fanout_status = ?, fanout_attempts = ?, last_attempt_at = ?,
			    locked_by = NULL, locked_at = ?, error = ?
			WHERE notification_id = ?`,
			o.FanoutStatus, o.Attempts, FormatTime(now), lockedAt,
			nullStr(o.Error), o.NotificationID); err != nil {
			return err
		}
		if o.UpdateLastNotified {
			if _, err := tx.tx.ExecContext(ctx, `
				UPDATE subscriptions
				SET last_known_section_status = ?, last_notified_at = ?, updated_at = ?
				WHERE subscription_id = ?`,
				StatusOpen, FormatTime(now), FormatTime(now), o.SubscriptionID); err != nil {
				return err
			}
		}
		if o.AuditType != "" {
			if _, err := tx.tx.ExecContext(ctx, `
				INSERT INTO subscription_events (
					subscription_id, event_type, section_status_snapshot, payload, created_at
				) VALUES (?, ?, ?, ?, ?)`,
				o.SubscriptionID, o.AuditType, nullStr(o.SectionStatusSnap),
				nullStr(o.AuditPayload), FormatTime(now)); err != nil {
				return err
			}
		}
		return nil
	})
}

// NotificationState is a test/introspection helper.
type NotificationState struct {
	FanoutStatus   string
	FanoutAttempts int
	LockedBy       string
	LockedAt       string
	Error          string
}

func (s *Store) NotificationByID(ctx context.Context, id int64) (NotificationState, error) {
	var (
		st                       NotificationState
		lockedBy, lockedAt, errS sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT fanout_status, fanout_attempts, locked_by, locked_at, error
		FROM open_event_notifications WHERE notification_id = ?`, id).
		Scan(&st.FanoutStatus, &st.FanoutAttempts, &lockedBy, &lockedAt, &errS)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	st.LockedBy = lockedBy.String
	st.LockedAt = lockedAt.String
	st.Error = errS.String
	return st, err
}
