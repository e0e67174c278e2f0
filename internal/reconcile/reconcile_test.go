package reconcile

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"sectionwatch/internal/store"
	"sectionwatch/pkg/logx"
)

var testClock = time.Date(2025, 9, 2, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestReconciler(st *store.Store, at time.Time) *Reconciler {
	rec := New(st, Config{MissThreshold: 2, ReminderInterval: 3 * time.Minute, PageSize: 10}, logx.Nop())
	rec.now = func() time.Time { return at }
	seq := 0
	rec.traceID = func() string {
		seq++
		return fmt.Sprintf("trace-%d", seq)
	}
	return rec
}

func seedSection(t *testing.T, st *store.Store, term, campus, index string, isOpen bool) int64 {
	t.Helper()
	res, err := st.DB().Exec(`
		INSERT INTO courses (subject_code, course_number, course_string, title)
		VALUES ('198', '112', '01:198:112', 'Data Structures')`)
	if err != nil {
		t.Fatalf("seed course: %v", err)
	}
	courseID, _ := res.LastInsertId()

	open := 0
	status := store.StatusClosed
	if isOpen {
		open = 1
		status = store.StatusOpen
	}
	res, err = st.DB().Exec(`
		INSERT INTO sections (course_id, term_id, campus_code, subject_code, section_number, index_number, is_open, open_status)
		VALUES (?, ?, ?, '198', '01', ?, ?, ?)`,
		courseID, term, campus, index, open, status)
	if err != nil {
		t.Fatalf("seed section: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

func seedSubscription(t *testing.T, st *store.Store, term, campus, index, metadata string) int64 {
	t.Helper()
	now := store.FormatTime(testClock)
	res, err := st.DB().Exec(`
		INSERT INTO subscriptions (term_id, campus_code, index_number, contact_type, contact_value, contact_hash, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, 'email', 'student@example.edu', 'hash', 'active', ?, ?, ?)`,
		term, campus, index, metadata, now, now)
	if err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

func countRows(t *testing.T, st *store.Store, query string, args ...any) int {
	t.Helper()
	var n int
	if err := st.DB().QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count %q: %v", query, err)
	}
	return n
}

func TestOpenTransitionCreatesEventAndNotification(t *testing.T) {
	st := newTestStore(t)
	seedSection(t, st, "92025", "NB", "10001", false)
	subID := seedSubscription(t, st, "92025", "NB", "10001", "")

	rec := newTestReconciler(st, testClock)
	out, err := rec.ApplySnapshot(context.Background(), store.Target{TermID: "92025", Campus: "NB"}, []string{"10001"}, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Opened != 1 || out.Events != 1 || out.Notifications != 1 {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	if n := countRows(t, st, `SELECT COUNT(*) FROM open_events WHERE status_after = 'OPEN'`); n != 1 {
		t.Fatalf("open_events = %d, want 1", n)
	}
	if n := countRows(t, st, `SELECT COUNT(*) FROM open_event_notifications WHERE subscription_id = ? AND fanout_status = 'pending'`, subID); n != 1 {
		t.Fatalf("notifications = %d, want 1", n)
	}
	var known string
	if err := st.DB().QueryRow(`SELECT last_known_section_status FROM subscriptions WHERE subscription_id = ?`, subID).Scan(&known); err != nil {
		t.Fatal(err)
	}
	if known != store.StatusOpen {
		t.Fatalf("last_known_section_status = %q, want OPEN", known)
	}
}

func TestReapplyWithinBucketIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	seedSection(t, st, "92025", "NB", "10001", false)
	seedSubscription(t, st, "92025", "NB", "10001", "")

	rec := newTestReconciler(st, testClock)
	target := store.Target{TermID: "92025", Campus: "NB"}
	if _, err := rec.ApplySnapshot(context.Background(), target, []string{"10001"}, nil); err != nil {
		t.Fatal(err)
	}

	// A second poll one minute later lands in the same dedupe bucket.
	rec.now = func() time.Time { return testClock.Add(time.Minute) }
	out, err := rec.ApplySnapshot(context.Background(), target, []string{"10001"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Events != 0 || out.Notifications != 0 {
		t.Fatalf("second apply created work: %+v", out)
	}
	if n := countRows(t, st, `SELECT COUNT(*) FROM open_events`); n != 1 {
		t.Fatalf("open_events = %d, want 1", n)
	}
	if n := countRows(t, st, `SELECT COUNT(*) FROM open_event_notifications`); n != 1 {
		t.Fatalf("notifications = %d, want 1", n)
	}
}

func TestUnwatchedSectionGetsNoEvent(t *testing.T) {
	st := newTestStore(t)
	seedSection(t, st, "92025", "NB", "10001", false)

	rec := newTestReconciler(st, testClock)
	out, err := rec.ApplySnapshot(context.Background(), store.Target{TermID: "92025", Campus: "NB"}, []string{"10001"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Events != 0 {
		t.Fatalf("events = %d, want 0", out.Events)
	}
	// Status history still records the flip.
	if n := countRows(t, st, `SELECT COUNT(*) FROM section_status_events`); n != 1 {
		t.Fatalf("status history = %d, want 1", n)
	}
	if n := countRows(t, st, `SELECT COUNT(*) FROM open_events`); n != 0 {
		t.Fatalf("open_events = %d, want 0", n)
	}
}

func TestCloseNeedsConsecutiveMisses(t *testing.T) {
	st := newTestStore(t)
	secID := seedSection(t, st, "92025", "NB", "10001", true)
	subID := seedSubscription(t, st, "92025", "NB", "10001", "")
	if _, err := st.DB().Exec(`UPDATE subscriptions SET last_known_section_status = 'OPEN' WHERE subscription_id = ?`, subID); err != nil {
		t.Fatal(err)
	}

	rec := newTestReconciler(st, testClock)
	target := store.Target{TermID: "92025", Campus: "NB"}

	out, err := rec.ApplySnapshot(context.Background(), target, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Closed != 0 {
		t.Fatalf("closed after one miss: %+v", out)
	}
	if out.Misses["10001"] != 1 {
		t.Fatalf("misses = %v, want 10001:1", out.Misses)
	}
	var isOpen int
	if err := st.DB().QueryRow(`SELECT is_open FROM sections WHERE section_id = ?`, secID).Scan(&isOpen); err != nil {
		t.Fatal(err)
	}
	if isOpen != 1 {
		t.Fatal("section closed after a single miss")
	}

	rec.now = func() time.Time { return testClock.Add(15 * time.Second) }
	out, err = rec.ApplySnapshot(context.Background(), target, nil, out.Misses)
	if err != nil {
		t.Fatal(err)
	}
	if out.Closed != 1 {
		t.Fatalf("not closed after threshold misses: %+v", out)
	}
	if len(out.Misses) != 0 {
		t.Fatalf("miss counter not cleared: %v", out.Misses)
	}
	if err := st.DB().QueryRow(`SELECT is_open FROM sections WHERE section_id = ?`, secID).Scan(&isOpen); err != nil {
		t.Fatal(err)
	}
	if isOpen != 0 {
		t.Fatal("section still open after threshold misses")
	}
	var known string
	if err := st.DB().QueryRow(`SELECT last_known_section_status FROM subscriptions WHERE subscription_id = ?`, subID).Scan(&known); err != nil {
		t.Fatal(err)
	}
	if known != store.StatusClosed {
		t.Fatalf("watcher not reset on close, last_known = %q", known)
	}
}

func TestBlipResetsMissCounter(t *testing.T) {
	st := newTestStore(t)
	seedSection(t, st, "92025", "NB", "10001", true)

	rec := newTestReconciler(st, testClock)
	target := store.Target{TermID: "92025", Campus: "NB"}

	out, err := rec.ApplySnapshot(context.Background(), target, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Misses["10001"] != 1 {
		t.Fatalf("misses = %v", out.Misses)
	}

	// Reappears: counter resets, no close on the next miss either.
	out, err = rec.ApplySnapshot(context.Background(), target, []string{"10001"}, out.Misses)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Misses) != 0 {
		t.Fatalf("misses not reset: %v", out.Misses)
	}

	out, err = rec.ApplySnapshot(context.Background(), target, nil, out.Misses)
	if err != nil {
		t.Fatal(err)
	}
	if out.Closed != 0 {
		t.Fatal("closed after a reset and a single miss")
	}
}

func TestReopenNotifiesAgain(t *testing.T) {
	st := newTestStore(t)
	seedSection(t, st, "92025", "NB", "10001", false)
	subID := seedSubscription(t, st, "92025", "NB", "10001", "")

	rec := newTestReconciler(st, testClock)
	target := store.Target{TermID: "92025", Campus: "NB"}

	if _, err := rec.ApplySnapshot(context.Background(), target, []string{"10001"}, nil); err != nil {
		t.Fatal(err)
	}

	// Two misses close it again.
	misses := map[string]int{}
	rec.now = func() time.Time { return testClock.Add(4 * time.Minute) }
	out, err := rec.ApplySnapshot(context.Background(), target, nil, misses)
	if err != nil {
		t.Fatal(err)
	}
	rec.now = func() time.Time { return testClock.Add(5 * time.Minute) }
	if out, err = rec.ApplySnapshot(context.Background(), target, nil, out.Misses); err != nil {
		t.Fatal(err)
	}
	if out.Closed != 1 {
		t.Fatalf("close missing: %+v", out)
	}

	// Reopen in a later dedupe bucket notifies the same watcher again.
	rec.now = func() time.Time { return testClock.Add(10 * time.Minute) }
	out, err = rec.ApplySnapshot(context.Background(), target, []string{"10001"}, out.Misses)
	if err != nil {
		t.Fatal(err)
	}
	if out.Opened != 1 || out.Notifications != 1 {
		t.Fatalf("reopen outcome: %+v", out)
	}
	if n := countRows(t, st, `SELECT COUNT(*) FROM open_event_notifications WHERE subscription_id = ?`, subID); n != 2 {
		t.Fatalf("notifications = %d, want 2", n)
	}
}

func TestFanoutCoversEverySubscriberOnce(t *testing.T) {
	st := newTestStore(t)
	seedSection(t, st, "92025", "NB", "10001", false)
	for i := 0; i < 25; i++ {
		seedSubscription(t, st, "92025", "NB", "10001", "")
	}

	// Page size 10 forces three fanout pages.
	rec := newTestReconciler(st, testClock)
	out, err := rec.ApplySnapshot(context.Background(), store.Target{TermID: "92025", Campus: "NB"}, []string{"10001"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Notifications != 25 {
		t.Fatalf("notifications = %d, want 25", out.Notifications)
	}
	if n := countRows(t, st, `SELECT COUNT(DISTINCT subscription_id) FROM open_event_notifications`); n != 25 {
		t.Fatalf("distinct subscribers = %d, want 25", n)
	}
}

func TestPreferenceFilters(t *testing.T) {
	cases := []struct {
		name     string
		metadata string
	}{
		{"wrong notifyOn", `{"preferences":{"notifyOn":["waitlist"]}}`},
		{"snoozed", `{"preferences":{"snoozeUntil":"2025-09-02T13:00:00Z"}}`},
		{"outside delivery window", `{"preferences":{"deliveryWindow":{"startMinutes":60,"endMinutes":120}}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newTestStore(t)
			seedSection(t, st, "92025", "NB", "10001", false)
			seedSubscription(t, st, "92025", "NB", "10001", tc.metadata)

			rec := newTestReconciler(st, testClock)
			out, err := rec.ApplySnapshot(context.Background(), store.Target{TermID: "92025", Campus: "NB"}, []string{"10001"}, nil)
			if err != nil {
				t.Fatal(err)
			}
			if out.Notifications != 0 {
				t.Fatalf("notifications = %d, want 0", out.Notifications)
			}
			// The watcher exists, so the event itself is still recorded.
			if out.Events != 1 {
				t.Fatalf("events = %d, want 1", out.Events)
			}
		})
	}
}

func TestReminderAfterBucketRolls(t *testing.T) {
	st := newTestStore(t)
	seedSection(t, st, "92025", "NB", "10001", false)
	seedSubscription(t, st, "92025", "NB", "10001", "")

	rec := newTestReconciler(st, testClock)
	target := store.Target{TermID: "92025", Campus: "NB"}
	if _, err := rec.ApplySnapshot(context.Background(), target, []string{"10001"}, nil); err != nil {
		t.Fatal(err)
	}

	rec.now = func() time.Time { return testClock.Add(6 * time.Minute) }
	out, err := rec.ApplySnapshot(context.Background(), target, []string{"10001"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Reminders != 1 {
		t.Fatalf("reminders = %d, want 1", out.Reminders)
	}
	if n := countRows(t, st, `SELECT COUNT(*) FROM open_events WHERE status_before = 'OPEN' AND status_after = 'OPEN'`); n != 1 {
		t.Fatalf("reminder events = %d, want 1", n)
	}
}

func TestReminderSkippedWhenNobodyIsEligible(t *testing.T) {
	st := newTestStore(t)
	seedSection(t, st, "92025", "NB", "10001", false)
	subID := seedSubscription(t, st, "92025", "NB", "10001", "")

	rec := newTestReconciler(st, testClock)
	target := store.Target{TermID: "92025", Campus: "NB"}
	if _, err := rec.ApplySnapshot(context.Background(), target, []string{"10001"}, nil); err != nil {
		t.Fatal(err)
	}

	// The dispatcher just delivered; the only watcher is inside the
	// reminder suppression window, so no reminder event is worth making.
	later := testClock.Add(6 * time.Minute)
	if _, err := st.DB().Exec(`UPDATE subscriptions SET last_notified_at = ? WHERE subscription_id = ?`,
		store.FormatTime(later.Add(-time.Minute)), subID); err != nil {
		t.Fatal(err)
	}
	rec.now = func() time.Time { return later }
	out, err := rec.ApplySnapshot(context.Background(), target, []string{"10001"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Reminders != 0 || out.Events != 0 {
		t.Fatalf("reminder created for a suppressed watcher: %+v", out)
	}
}

func TestRecentlyNotifiedSubscriberIsSkipped(t *testing.T) {
	st := newTestStore(t)
	seedSection(t, st, "92025", "NB", "10001", false)
	subID := seedSubscription(t, st, "92025", "NB", "10001", "")
	if _, err := st.DB().Exec(`UPDATE subscriptions SET last_notified_at = ? WHERE subscription_id = ?`,
		store.FormatTime(testClock.Add(-time.Minute)), subID); err != nil {
		t.Fatal(err)
	}

	rec := newTestReconciler(st, testClock)
	out, err := rec.ApplySnapshot(context.Background(), store.Target{TermID: "92025", Campus: "NB"}, []string{"10001"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Notifications != 0 {
		t.Fatalf("notifications = %d, want 0", out.Notifications)
	}
}

func TestDedupeKeyBuckets(t *testing.T) {
	at := testClock
	a := DedupeKey("92025", "NB", "10001", "OPEN", at, 3*time.Minute)
	b := DedupeKey("92025", "NB", "10001", "OPEN", at.Add(time.Minute), 3*time.Minute)
	if a != b {
		t.Fatal("keys differ inside one bucket")
	}
	c := DedupeKey("92025", "NB", "10001", "OPEN", at.Add(3*time.Minute), 3*time.Minute)
	if a == c {
		t.Fatal("keys match across buckets")
	}
	if a == DedupeKey("92025", "NB", "10001", "CLOSED", at, 3*time.Minute) {
		t.Fatal("status not part of the key")
	}
}

func TestParsePreferences(t *testing.T) {
	p := ParsePreferences("")
	if !p.wantsOpen() || p.MaxNotifications != 3 || p.DeliveryWindow.EndMinutes != 1440 {
		t.Fatalf("defaults wrong: %+v", p)
	}

	p = ParsePreferences(`{"preferences":{"notifyOn":["waitlist"],"maxNotifications":1,"deliveryWindow":{"startMinutes":480,"endMinutes":1020}}}`)
	if p.wantsOpen() || p.MaxNotifications != 1 || p.DeliveryWindow.StartMinutes != 480 {
		t.Fatalf("overrides lost: %+v", p)
	}

	if p := ParsePreferences("{not json"); !p.wantsOpen() {
		t.Fatal("malformed metadata should fall back to defaults")
	}
}
