package config

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"sectionwatch/pkg/logx"
)

func TestWatchPublishesReload(t *testing.T) {
	path := writeConfig(t, validYAML)
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}

	got := make(chan *Config, 1)
	m.OnChange(func(cfg *Config) {
		select {
		case got <- cfg:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher a beat to register before writing.
	time.Sleep(100 * time.Millisecond)
	updated := strings.Replace(validYAML, "interval: 20s", "interval: 45s", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-got:
		if cfg.Poller.Interval != "45s" {
			t.Fatalf("reloaded interval = %q", cfg.Poller.Interval)
		}
		if m.Get().Poller.Interval != "45s" {
			t.Fatal("Get still returns the stale config")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload never published")
	}

	cancel()
	<-done
}

func TestWatchKeepsLastGoodConfigOnBrokenWrite(t *testing.T) {
	path := writeConfig(t, validYAML)
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan struct{}, 1)
	m.OnChange(func(*Config) {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("poller: [broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloaded:
		t.Fatal("broken config was published")
	case <-time.After(time.Second):
	}
	if m.Get().Poller.Interval != "20s" {
		t.Fatal("last good config lost")
	}
}
