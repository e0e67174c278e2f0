package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"sectionwatch/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	st.Close()

	// Reopening runs the migrations again against existing tables.
	st, err = Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	st.Close()
}

func TestTimeFormatSortsLexicographically(t *testing.T) {
	// locked_at comparisons in SQL are string comparisons, so the stored
	// format must sort exactly like the instants it encodes.
	base := time.Date(2025, 9, 2, 12, 0, 0, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(time.Millisecond),
		base.Add(999 * time.Millisecond),
		base.Add(time.Second),
		base.Add(time.Minute),
		base.AddDate(0, 0, 1),
	}
	for i := 1; i < len(times); i++ {
		a, b := FormatTime(times[i-1]), FormatTime(times[i])
		if !(a < b) {
			t.Fatalf("%q is not < %q", a, b)
		}
	}
}

func TestTimeRoundTrip(t *testing.T) {
	at := time.Date(2025, 9, 2, 12, 0, 0, 123_000_000, time.UTC)
	got, err := ParseTime(FormatTime(at))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(at) {
		t.Fatalf("got %v, want %v", got, at)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	st := newTestStore(t)
	sentinel := errors.New("boom")

	err := st.WithTx(context.Background(), func(tx *Tx) error {
		if _, err := tx.tx.Exec(`
			INSERT INTO courses (subject_code, course_number, title)
			VALUES ('198', '112', 'Data Structures')`); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v", err)
	}

	var n int
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM courses`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatal("insert survived a rolled-back transaction")
	}
}

func TestInsertNotificationConflictIsNoOp(t *testing.T) {
	st := newTestStore(t)
	now := time.Date(2025, 9, 2, 12, 0, 0, 0, time.UTC)

	if _, err := st.DB().Exec(`
		INSERT INTO subscriptions (term_id, campus_code, index_number, contact_type, contact_hash, status, created_at, updated_at)
		VALUES ('92025', 'NB', '10001', 'email', 'h', 'active', ?, ?)`,
		FormatTime(now), FormatTime(now)); err != nil {
		t.Fatal(err)
	}
	if _, err := st.DB().Exec(`
		INSERT INTO open_events (term_id, campus_code, index_number, status_after, event_at, detected_by, dedupe_key)
		VALUES ('92025', 'NB', '10001', 'OPEN', ?, 'openSections', 'dk')`,
		FormatTime(now)); err != nil {
		t.Fatal(err)
	}

	err := st.WithTx(context.Background(), func(tx *Tx) error {
		created, err := tx.InsertNotification(1, 1, "dk", now)
		if err != nil {
			return err
		}
		if !created {
			t.Fatal("first insert reported no-op")
		}
		created, err = tx.InsertNotification(1, 1, "dk", now)
		if err != nil {
			return err
		}
		if created {
			t.Fatal("duplicate insert reported created")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	var n int
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM open_event_notifications`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
}

func TestReplaceSnapshotSwapsRows(t *testing.T) {
	st := newTestStore(t)
	now := time.Date(2025, 9, 2, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	if err := st.WithTx(ctx, func(tx *Tx) error {
		return tx.ReplaceSnapshot("92025", "NB", []string{"10001", "10002"}, "h1", now)
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.WithTx(ctx, func(tx *Tx) error {
		return tx.ReplaceSnapshot("92025", "NB", []string{"10003"}, "h2", now.Add(time.Minute))
	}); err != nil {
		t.Fatal(err)
	}

	rows, err := st.DB().Query(`SELECT index_number FROM open_section_snapshots WHERE term_id = '92025' AND campus_code = 'NB'`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var got []string
	for rows.Next() {
		var idx string
		if err := rows.Scan(&idx); err != nil {
			t.Fatal(err)
		}
		got = append(got, idx)
	}
	if len(got) != 1 || got[0] != "10003" {
		t.Fatalf("snapshot rows = %v, want [10003]", got)
	}
}
