// Package poller runs one polling loop per (term, campus) target,
// feeding snapshots to the reconciler and persisting per-target
// checkpoints.
package poller

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"sectionwatch/internal/checkpoint"
	"sectionwatch/internal/config"
	"sectionwatch/internal/feed"
	"sectionwatch/internal/metrics"
	"sectionwatch/internal/reconcile"
	"sectionwatch/internal/store"
	"sectionwatch/pkg/logx"
)

type Poller struct {
	store       *store.Store
	feed        *feed.Client
	reconciler  *reconcile.Reconciler
	checkpoints *checkpoint.Store
	log         logx.Logger

	cfg atomic.Pointer[config.Config]
	sem chan struct{}

	mu    sync.Mutex
	loops map[string]*loop
	wg    sync.WaitGroup

	resync chan struct{}
}

type loop struct {
	target store.Target
	cancel context.CancelFunc

	misses         map[string]int
	datasetMissing bool
}

func New(st *store.Store, fc *feed.Client, rec *reconcile.Reconciler, cps *checkpoint.Store, cfg *config.Config, log logx.Logger) *Poller {
	p := &Poller{
		store:       st,
		feed:        fc,
		reconciler:  rec,
		checkpoints: cps,
		log:         log,
		sem:         make(chan struct{}, maxConcurrency(cfg)),
		loops:       map[string]*loop{},
		resync:      make(chan struct{}, 1),
	}
	p.cfg.Store(cfg)
	return p
}

func maxConcurrency(cfg *config.Config) int {
	if cfg.Poller.Concurrency > 0 {
		return cfg.Poller.Concurrency
	}
	return 3
}

// Apply installs a reloaded config. Interval and jitter take effect on
// each loop's next tick; the target set is resynced immediately.
func (p *Poller) Apply(cfg *config.Config) {
	p.cfg.Store(cfg)
	select {
	case p.resync <- struct{}{}:
	default:
	}
}

// Run resolves targets, starts their loops and blocks until ctx is
// canceled. In auto mode the target set is refreshed on a cron schedule.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.syncTargets(ctx); err != nil {
		return err
	}

	cfg := p.cfg.Load()
	var c *cron.Cron
	if cfg.Poller.Mode != config.ModeExplicit {
		refresh := config.MustDuration(cfg.Poller.RefreshInterval, 5*time.Minute)
		c = cron.New()
		if _, err := c.AddFunc("@every "+refresh.String(), func() {
			if err := p.syncTargets(ctx); err != nil {
				p.log.Error("target refresh failed", logx.Err(err))
			}
		}); err != nil {
			return err
		}
		c.Start()
	}

	for {
		select {
		case <-ctx.Done():
			if c != nil {
				stopCtx := c.Stop()
				<-stopCtx.Done()
			}
			p.stopAll()
			p.wg.Wait()
			return nil
		case <-p.resync:
			if err := p.syncTargets(ctx); err != nil {
				p.log.Error("target resync failed", logx.Err(err))
			}
		}
	}
}

func (p *Poller) resolveTargets(ctx context.Context) ([]store.Target, error) {
	cfg := p.cfg.Load()
	if cfg.Poller.Mode == config.ModeExplicit {
		var out []store.Target
		for _, term := range cfg.Poller.Terms {
			for _, campus := range cfg.Poller.Campuses {
				out = append(out, store.Target{TermID: term, Campus: campus})
			}
		}
		return out, nil
	}

	targets, err := p.store.DiscoverTargets(ctx)
	if err != nil {
		return nil, err
	}
	if len(cfg.Poller.Campuses) == 0 {
		return targets, nil
	}
	allowed := make(map[string]bool, len(cfg.Poller.Campuses))
	for _, c := range cfg.Poller.Campuses {
		allowed[c] = true
	}
	var out []store.Target
	for _, t := range targets {
		if allowed[t.Campus] {
			out = append(out, t)
		}
	}
	return out, nil
}

// syncTargets starts loops for new targets and stops loops whose target
// disappeared. Running loops are never restarted in place.
func (p *Poller) syncTargets(ctx context.Context) error {
	targets, err := p.resolveTargets(ctx)
	if err != nil {
		return err
	}

	want := make(map[string]store.Target, len(targets))
	for _, t := range targets {
		want[t.Key()] = t
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for key, l := range p.loops {
		if _, ok := want[key]; !ok {
			p.log.Info("target retired",
				logx.String("term", l.target.TermID), logx.String("campus", l.target.Campus))
			l.cancel()
			delete(p.loops, key)
			// A retired target's miss counters and hash go stale fast;
			// drop the entry so a later re-add starts clean.
			p.checkpoints.Drop(key)
		}
	}
	for key, t := range want {
		if _, ok := p.loops[key]; ok {
			continue
		}
		l := &loop{target: t, misses: map[string]int{}}
		if e, ok := p.checkpoints.Get(key); ok && len(e.Misses) > 0 {
			for idx, n := range e.Misses {
				l.misses[idx] = n
			}
		}
		loopCtx, cancel := context.WithCancel(ctx)
		l.cancel = cancel
		p.loops[key] = l
		p.wg.Add(1)
		go p.runLoop(loopCtx, l)
		p.log.Info("target started",
			logx.String("term", t.TermID), logx.String("campus", t.Campus))
	}
	return nil
}

func (p *Poller) stopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, l := range p.loops {
		l.cancel()
		delete(p.loops, key)
	}
}

func (p *Poller) runLoop(ctx context.Context, l *loop) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.nextDelay()):
		}
		p.pollOnce(ctx, l)
	}
}

// nextDelay jitters the configured interval by +/- jitter so loops for
// different targets drift apart instead of hammering the feed together.
func (p *Poller) nextDelay() time.Duration {
	cfg := p.cfg.Load()
	base := config.MustDuration(cfg.Poller.Interval, 15*time.Second)
	jitter := cfg.Poller.Jitter
	if jitter <= 0 {
		jitter = 0.3
	}
	d := base + time.Duration((rand.Float64()*2-1)*jitter*float64(base))
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (p *Poller) pollOnce(ctx context.Context, l *loop) {
	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return
	}

	t := l.target
	key := t.Key()
	started := time.Now()
	log := p.log.With(logx.String("term", t.TermID), logx.String("campus", t.Campus))

	n, err := p.store.CountSections(ctx, t.TermID, t.Campus)
	if err != nil {
		log.Error("section count failed", logx.Err(err))
		metrics.Polls.WithLabelValues(key, "error").Inc()
		return
	}
	if n == 0 {
		if !l.datasetMissing {
			log.Warn("no catalog data for target; polling paused until sections exist")
			l.datasetMissing = true
		}
		p.checkpoints.Put(key, checkpoint.Entry{
			Term:             t.TermID,
			Campus:           t.Campus,
			LastPollAt:       time.Now().UTC(),
			LastSnapshotHash: checkpoint.MissingDataHash,
			Misses:           l.misses,
		})
		metrics.Polls.WithLabelValues(key, "skipped").Inc()
		return
	}
	if l.datasetMissing {
		log.Info("catalog data present; polling resumed")
		l.datasetMissing = false
	}

	indexes, err := p.feed.OpenIndexes(ctx, t.TermID, t.Campus)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("feed poll failed", logx.Err(err))
		metrics.Polls.WithLabelValues(key, "error").Inc()
		return
	}

	out, err := p.reconciler.ApplySnapshot(ctx, t, indexes, l.misses)
	l.misses = out.Misses
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error("snapshot apply failed", logx.Err(err))
		// The miss counters and snapshot hash were computed before the
		// transaction; persist them so a restart resumes from this poll.
		p.checkpoints.Put(key, checkpoint.Entry{
			Term:             t.TermID,
			Campus:           t.Campus,
			LastPollAt:       time.Now().UTC(),
			LastSnapshotHash: out.SnapshotHash,
			OpenIndexes:      out.OpenCount,
			Misses:           out.Misses,
		})
		metrics.Polls.WithLabelValues(key, "error").Inc()
		return
	}

	p.checkpoints.Put(key, checkpoint.Entry{
		Term:             t.TermID,
		Campus:           t.Campus,
		LastPollAt:       time.Now().UTC(),
		LastSnapshotHash: out.SnapshotHash,
		OpenIndexes:      out.OpenCount,
		Misses:           out.Misses,
	})

	metrics.Polls.WithLabelValues(key, "ok").Inc()
	metrics.PollDuration.WithLabelValues(key).Set(time.Since(started).Seconds())
	metrics.OpenSections.WithLabelValues(key).Set(float64(out.OpenCount))
	metrics.Events.WithLabelValues(key, "open").Add(float64(out.Opened))
	metrics.Events.WithLabelValues(key, "close").Add(float64(out.Closed))
	metrics.Events.WithLabelValues(key, "reminder").Add(float64(out.Reminders))
	metrics.NotificationsQueued.WithLabelValues(key).Add(float64(out.Notifications))

	log.Debug("poll complete",
		logx.Int("open", out.OpenCount),
		logx.Int("events", out.Events),
		logx.Int("notifications", out.Notifications),
		logx.Duration("took", time.Since(started)))
}
