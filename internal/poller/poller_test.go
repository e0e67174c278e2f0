package poller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"sectionwatch/internal/checkpoint"
	"sectionwatch/internal/config"
	"sectionwatch/internal/feed"
	"sectionwatch/internal/reconcile"
	"sectionwatch/internal/store"
	"sectionwatch/pkg/logx"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestPoller(st *store.Store, cfg *config.Config) *Poller {
	cps := checkpoint.Load("", logx.Nop())
	return New(st, nil, nil, cps, cfg, logx.Nop())
}

func TestExplicitModeCrossesTermsAndCampuses(t *testing.T) {
	p := newTestPoller(nil, &config.Config{Poller: config.PollerConfig{
		Mode:     config.ModeExplicit,
		Terms:    []string{"92025", "12026"},
		Campuses: []string{"NB", "CM"},
	}})

	targets, err := p.resolveTargets(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 4 {
		t.Fatalf("targets = %v, want 4", targets)
	}
	keys := make([]string, len(targets))
	for i, tg := range targets {
		keys[i] = tg.Key()
	}
	sort.Strings(keys)
	want := []string{"12026|CM", "12026|NB", "92025|CM", "92025|NB"}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys = %v, want %v", keys, want)
		}
	}
}

func TestAutoModeDiscoversFromSubscriptions(t *testing.T) {
	st := newTestStore(t)
	now := store.FormatTime(time.Now())
	for _, row := range []struct{ term, campus, status string }{
		{"92025", "NB", "active"},
		{"92025", "NB", "pending"},
		{"92025", "CM", "active"},
		{"12026", "NK", "unsubscribed"},
	} {
		if _, err := st.DB().Exec(`
			INSERT INTO subscriptions (term_id, campus_code, index_number, contact_type, contact_hash, status, created_at, updated_at)
			VALUES (?, ?, '10001', 'email', 'h', ?, ?, ?)`,
			row.term, row.campus, row.status, now, now); err != nil {
			t.Fatal(err)
		}
	}

	p := newTestPoller(st, &config.Config{Poller: config.PollerConfig{Mode: config.ModeAuto}})
	targets, err := p.resolveTargets(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 2 {
		t.Fatalf("targets = %v, want 2 (unsubscribed excluded)", targets)
	}
}

func TestAutoModeCampusAllowList(t *testing.T) {
	st := newTestStore(t)
	now := store.FormatTime(time.Now())
	for _, campus := range []string{"NB", "CM"} {
		if _, err := st.DB().Exec(`
			INSERT INTO subscriptions (term_id, campus_code, index_number, contact_type, contact_hash, status, created_at, updated_at)
			VALUES ('92025', ?, '10001', 'email', 'h', 'active', ?, ?)`,
			campus, now, now); err != nil {
			t.Fatal(err)
		}
	}

	p := newTestPoller(st, &config.Config{Poller: config.PollerConfig{
		Mode:     config.ModeAuto,
		Campuses: []string{"NB"},
	}})
	targets, err := p.resolveTargets(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 1 || targets[0].Campus != "NB" {
		t.Fatalf("targets = %v, want [92025|NB]", targets)
	}
}

func TestNextDelayBounds(t *testing.T) {
	p := newTestPoller(nil, &config.Config{Poller: config.PollerConfig{
		Interval: "10s",
		Jitter:   0.3,
	}})
	for i := 0; i < 200; i++ {
		d := p.nextDelay()
		if d < 7*time.Second || d > 13*time.Second {
			t.Fatalf("delay %v outside jitter bounds", d)
		}
	}
}

func TestNextDelayFloor(t *testing.T) {
	p := newTestPoller(nil, &config.Config{Poller: config.PollerConfig{
		Interval: "1s",
		Jitter:   0.9,
	}})
	for i := 0; i < 200; i++ {
		if d := p.nextDelay(); d < time.Second {
			t.Fatalf("delay %v below the one second floor", d)
		}
	}
}

func TestSyncTargetsStartsAndRetiresLoops(t *testing.T) {
	st := newTestStore(t)
	now := store.FormatTime(time.Now())
	if _, err := st.DB().Exec(`
		INSERT INTO subscriptions (term_id, campus_code, index_number, contact_type, contact_hash, status, created_at, updated_at)
		VALUES ('92025', 'NB', '10001', 'email', 'h', 'active', ?, ?)`, now, now); err != nil {
		t.Fatal(err)
	}

	// Long interval keeps the loop asleep for the duration of the test.
	p := newTestPoller(st, &config.Config{Poller: config.PollerConfig{Mode: config.ModeAuto, Interval: "1h"}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.syncTargets(ctx); err != nil {
		t.Fatal(err)
	}
	p.mu.Lock()
	n := len(p.loops)
	p.mu.Unlock()
	if n != 1 {
		t.Fatalf("loops = %d, want 1", n)
	}
	p.checkpoints.Put("92025|NB", checkpoint.Entry{Term: "92025", Campus: "NB"})

	if _, err := st.DB().Exec(`UPDATE subscriptions SET status = 'unsubscribed'`); err != nil {
		t.Fatal(err)
	}
	if err := p.syncTargets(ctx); err != nil {
		t.Fatal(err)
	}
	p.mu.Lock()
	n = len(p.loops)
	p.mu.Unlock()
	if n != 0 {
		t.Fatalf("loops = %d after retire, want 0", n)
	}
	if _, ok := p.checkpoints.Get("92025|NB"); ok {
		t.Fatal("checkpoint entry survived target retirement")
	}

	cancel()
	p.wg.Wait()
}

func TestPollPersistsCheckpointWhenApplyFails(t *testing.T) {
	st := newTestStore(t)
	res, err := st.DB().Exec(`
		INSERT INTO courses (subject_code, course_number, course_string, title)
		VALUES ('198', '112', '01:198:112', 'Data Structures')`)
	if err != nil {
		t.Fatal(err)
	}
	courseID, _ := res.LastInsertId()
	if _, err := st.DB().Exec(`
		INSERT INTO sections (course_id, term_id, campus_code, subject_code, section_number, index_number, is_open, open_status)
		VALUES (?, '92025', 'NB', '198', '01', '10001', 0, ?)`, courseID, store.StatusClosed); err != nil {
		t.Fatal(err)
	}
	// Break the reconcile transaction: the snapshot swap hits a missing table.
	if _, err := st.DB().Exec(`DROP TABLE open_section_snapshots`); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`["10001"]`))
	}))
	defer srv.Close()
	fc, err := feed.NewClient(feed.Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}

	cps := checkpoint.Load("", logx.Nop())
	p := New(st, fc, reconcile.New(st, reconcile.Config{}, logx.Nop()), cps, &config.Config{Poller: config.PollerConfig{
		Mode:     config.ModeExplicit,
		Terms:    []string{"92025"},
		Campuses: []string{"NB"},
		Interval: "1h",
	}}, logx.Nop())

	l := &loop{target: store.Target{TermID: "92025", Campus: "NB"}, misses: map[string]int{}}
	p.pollOnce(context.Background(), l)

	e, ok := cps.Get("92025|NB")
	if !ok {
		t.Fatal("no checkpoint persisted after a poll whose transaction failed")
	}
	if e.LastSnapshotHash != feed.Hash("92025", "NB", []string{"10001"}) {
		t.Fatalf("checkpoint hash = %q, want the computed snapshot hash", e.LastSnapshotHash)
	}
}

func TestMissCountersRehydrateFromCheckpoint(t *testing.T) {
	st := newTestStore(t)
	now := store.FormatTime(time.Now())
	if _, err := st.DB().Exec(`
		INSERT INTO subscriptions (term_id, campus_code, index_number, contact_type, contact_hash, status, created_at, updated_at)
		VALUES ('92025', 'NB', '10001', 'email', 'h', 'active', ?, ?)`, now, now); err != nil {
		t.Fatal(err)
	}

	cps := checkpoint.Load("", logx.Nop())
	cps.Put("92025|NB", checkpoint.Entry{
		Term: "92025", Campus: "NB",
		Misses: map[string]int{"10001": 1},
	})
	p := New(st, nil, nil, cps, &config.Config{Poller: config.PollerConfig{Mode: config.ModeAuto, Interval: "1h"}}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.syncTargets(ctx); err != nil {
		t.Fatal(err)
	}

	p.mu.Lock()
	l := p.loops["92025|NB"]
	p.mu.Unlock()
	if l == nil {
		t.Fatal("loop missing")
	}
	if l.misses["10001"] != 1 {
		t.Fatalf("misses = %v, want rehydrated counter", l.misses)
	}

	cancel()
	p.wg.Wait()
}
