// Package reconcile turns a feed snapshot into durable open/close events
// and fanout rows. All writes for one snapshot happen in one transaction
// so a crash mid-apply never leaves a half-reconciled target.
package reconcile

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sectionwatch/internal/feed"
	"sectionwatch/internal/store"
	"sectionwatch/pkg/logx"
)

type Config struct {
	// MissThreshold is the number of consecutive snapshots a previously
	// open index must be absent from before it is closed.
	MissThreshold int

	// ReminderInterval spaces repeat notifications to a still-open
	// section and is also the dedupe bucket width for events.
	ReminderInterval time.Duration

	// PageSize bounds one fanout page of subscriptions.
	PageSize int
}

func (c Config) withDefaults() Config {
	if c.MissThreshold <= 0 {
		c.MissThreshold = 2
	}
	if c.ReminderInterval <= 0 {
		c.ReminderInterval = 3 * time.Minute
	}
	if c.PageSize <= 0 {
		c.PageSize = 200
	}
	return c
}

// Outcome summarizes one applied snapshot for logging and checkpointing.
type Outcome struct {
	Opened        int
	Closed        int
	Reminders     int
	Events        int
	Notifications int
	OpenCount     int
	SnapshotHash  string
	Misses        map[string]int
}

type Reconciler struct {
	store *store.Store
	cfg   Config
	log   logx.Logger

	now     func() time.Time
	traceID func() string
}

func New(st *store.Store, cfg Config, log logx.Logger) *Reconciler {
	return &Reconciler{
		store:   st,
		cfg:     cfg.withDefaults(),
		log:     log,
		now:     time.Now,
		traceID: uuid.NewString,
	}
}

// DedupeKey collapses equivalent events inside one time bucket. The
// bucket index is part of the hash, so two detections of the same
// transition within a bucket share a key.
func DedupeKey(termID, campus, index, statusAfter string, at time.Time, bucket time.Duration) string {
	slot := at.UnixMilli() / bucket.Milliseconds()
	h := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%s|%s|%d", termID, campus, index, statusAfter, slot)))
	return hex.EncodeToString(h[:])
}

type transition struct {
	section store.SectionState
	before  string
	after   string
}

// ApplySnapshot reconciles one target against the latest set of open
// indexes. misses carries the per-index consecutive-miss counters across
// polls; the updated map is returned in the Outcome.
func (r *Reconciler) ApplySnapshot(ctx context.Context, target store.Target, indexes []string, misses map[string]int) (Outcome, error) {
	now := r.now()
	out := Outcome{
		OpenCount:    len(indexes),
		SnapshotHash: feed.Hash(target.TermID, target.Campus, indexes),
		Misses:       misses,
	}
	if out.Misses == nil {
		out.Misses = map[string]int{}
	}

	sections, err := r.store.SectionsForTarget(ctx, target.TermID, target.Campus)
	if err != nil {
		return out, err
	}

	open := make(map[string]bool, len(indexes))
	for _, idx := range indexes {
		open[idx] = true
	}

	var toOpen, toClose, toRemind []transition
	for _, sec := range sections {
		switch {
		case open[sec.IndexNumber] && !sec.IsOpen:
			toOpen = append(toOpen, transition{section: sec, before: sec.OpenStatus, after: store.StatusOpen})
			delete(out.Misses, sec.IndexNumber)
		case open[sec.IndexNumber] && sec.IsOpen:
			// Still open: a reminder candidate. The dedupe bucket
			// keeps these to one event per interval.
			toRemind = append(toRemind, transition{section: sec, before: store.StatusOpen, after: store.StatusOpen})
			delete(out.Misses, sec.IndexNumber)
		case !open[sec.IndexNumber] && sec.IsOpen:
			out.Misses[sec.IndexNumber]++
			if out.Misses[sec.IndexNumber] >= r.cfg.MissThreshold {
				toClose = append(toClose, transition{section: sec, before: sec.OpenStatus, after: store.StatusClosed})
				delete(out.Misses, sec.IndexNumber)
			}
		default:
			delete(out.Misses, sec.IndexNumber)
		}
	}

	err = r.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.ReplaceSnapshot(target.TermID, target.Campus, indexes, out.SnapshotHash, now); err != nil {
			return fmt.Errorf("replace snapshot: %w", err)
		}
		for _, tr := range toOpen {
			if err := tx.SetSectionStatus(tr.section.SectionID, true, store.StatusOpen, now); err != nil {
				return err
			}
			if err := tx.AppendStatusHistory(tr.section.SectionID, tr.before, store.StatusOpen, target.TermID, target.Campus, now); err != nil {
				return err
			}
			created, notified, err := r.createEventAndFanout(tx, target, tr, 1, now, out.SnapshotHash)
			if err != nil {
				return err
			}
			if created {
				out.Events++
				out.Opened++
			}
			out.Notifications += notified
		}
		for _, tr := range toClose {
			if err := tx.SetSectionStatus(tr.section.SectionID, false, store.StatusClosed, now); err != nil {
				return err
			}
			if err := tx.AppendStatusHistory(tr.section.SectionID, tr.before, store.StatusClosed, target.TermID, target.Campus, now); err != nil {
				return err
			}
			if err := tx.ResetWatchersForIndex(target.TermID, target.Campus, tr.section.IndexNumber, store.StatusClosed, now); err != nil {
				return err
			}
			created, _, err := r.createEventAndFanout(tx, target, tr, -1, now, out.SnapshotHash)
			if err != nil {
				return err
			}
			if created {
				out.Events++
				out.Closed++
			}
		}
		for _, tr := range toRemind {
			created, notified, err := r.createEventAndFanout(tx, target, tr, 0, now, out.SnapshotHash)
			if err != nil {
				return err
			}
			if created {
				out.Events++
				out.Reminders++
			}
			out.Notifications += notified
		}
		return nil
	})
	if err != nil {
		return out, err
	}

	if out.Events > 0 || out.Notifications > 0 {
		r.log.Info("snapshot reconciled",
			logx.String("term", target.TermID),
			logx.String("campus", target.Campus),
			logx.Int("open", out.OpenCount),
			logx.Int("opened", out.Opened),
			logx.Int("closed", out.Closed),
			logx.Int("reminders", out.Reminders),
			logx.Int("notifications", out.Notifications))
	}
	return out, nil
}

// createEventAndFanout inserts one event row and, for open events, its
// notification rows. Events are only created for watched indexes, and
// the dedupe gate suppresses repeats inside one bucket.
func (r *Reconciler) createEventAndFanout(tx *store.Tx, target store.Target, tr transition, seatDelta int, now time.Time, snapshotHash string) (created bool, notified int, err error) {
	watched, err := tx.HasWatchers(target.TermID, target.Campus, tr.section.IndexNumber)
	if err != nil {
		return false, 0, err
	}
	if !watched {
		return false, 0, nil
	}

	key := DedupeKey(target.TermID, target.Campus, tr.section.IndexNumber, tr.after, now, r.cfg.ReminderInterval)
	dup, err := tx.RecentEventExists(key, now.Add(-r.cfg.ReminderInterval))
	if err != nil {
		return false, 0, err
	}
	if dup {
		return false, 0, nil
	}

	// Reminders only exist to be delivered; if every subscriber is
	// snoozed, recently notified or outside their window, skip the event.
	if tr.before == store.StatusOpen && tr.after == store.StatusOpen {
		ok, err := r.hasEligibleSubscriber(tx, target, tr.section.IndexNumber, now)
		if err != nil {
			return false, 0, err
		}
		if !ok {
			return false, 0, nil
		}
	}

	payload, err := json.Marshal(map[string]any{
		"termId":        target.TermID,
		"campusCode":    target.Campus,
		"indexNumber":   tr.section.IndexNumber,
		"sectionNumber": tr.section.SectionNumber,
		"subjectCode":   tr.section.SubjectCode,
		"courseTitle":   tr.section.CourseTitle,
		"detectedAt":    store.FormatTime(now),
		"snapshotHash":  snapshotHash,
	})
	if err != nil {
		return false, 0, err
	}

	eventID, err := tx.InsertOpenEvent(store.OpenEventInsert{
		SectionID:    tr.section.SectionID,
		TermID:       target.TermID,
		CampusCode:   target.Campus,
		IndexNumber:  tr.section.IndexNumber,
		StatusBefore: tr.before,
		StatusAfter:  tr.after,
		SeatDelta:    seatDelta,
		EventAt:      now,
		DedupeKey:    key,
		TraceID:      r.traceID(),
		Payload:      string(payload),
	})
	if err != nil {
		return false, 0, err
	}

	if tr.after == store.StatusOpen {
		notified, err = r.fanout(tx, target, tr.section.IndexNumber, eventID, key, now)
		if err != nil {
			return true, notified, err
		}
	}
	return true, notified, nil
}

// fanout pages through pending/active subscriptions for the index and
// inserts one notification row per eligible subscriber. The unique
// (event, subscription) index makes re-running this a no-op.
func (r *Reconciler) fanout(tx *store.Tx, target store.Target, index string, eventID int64, dedupeKey string, now time.Time) (int, error) {
	var notified int
	for offset := 0; ; offset += r.cfg.PageSize {
		page, err := tx.SubscriptionsPage(target.TermID, target.Campus, index, r.cfg.PageSize, offset)
		if err != nil {
			return notified, err
		}
		for _, sub := range page {
			if !r.eligible(sub, now) {
				continue
			}
			created, err := tx.InsertNotification(eventID, sub.SubscriptionID, dedupeKey, now)
			if err != nil {
				return notified, err
			}
			if !created {
				continue
			}
			if err := tx.SetSubscriptionKnownStatus(sub.SubscriptionID, store.StatusOpen, now); err != nil {
				return notified, err
			}
			notified++
		}
		if len(page) < r.cfg.PageSize {
			return notified, nil
		}
	}
}

func (r *Reconciler) hasEligibleSubscriber(tx *store.Tx, target store.Target, index string, now time.Time) (bool, error) {
	for offset := 0; ; offset += r.cfg.PageSize {
		page, err := tx.SubscriptionsPage(target.TermID, target.Campus, index, r.cfg.PageSize, offset)
		if err != nil {
			return false, err
		}
		for _, sub := range page {
			if r.eligible(sub, now) {
				return true, nil
			}
		}
		if len(page) < r.cfg.PageSize {
			return false, nil
		}
	}
}

func (r *Reconciler) eligible(sub store.SubscriptionRow, now time.Time) bool {
	prefs := ParsePreferences(sub.Metadata)
	if !prefs.wantsOpen() {
		return false
	}
	if prefs.snoozedAt(now) {
		return false
	}
	if !prefs.inDeliveryWindow(now) {
		return false
	}
	if sub.LastNotifiedAt != "" {
		last, err := store.ParseTime(sub.LastNotifiedAt)
		if err == nil && now.Sub(last) < r.cfg.ReminderInterval {
			return false
		}
	}
	return true
}
