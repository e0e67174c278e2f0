// Package dispatch drains pending notification rows and delivers them
// through a channel adapter. Claiming is a two-step compare-and-set on
// the lock columns, so several dispatcher processes can share one queue
// without double-sending.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"sectionwatch/internal/channel"
	"sectionwatch/internal/metrics"
	"sectionwatch/internal/store"
	"sectionwatch/pkg/logx"
)

type Config struct {
	WorkerID    string
	BatchSize   int           // default 25
	LockTTL     time.Duration // default 120s
	IdleDelay   time.Duration // default 2s
	MaxAttempts int           // default 3
	Backoff     []time.Duration
	BaseURL     string // manage/unsubscribe link prefix
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		host, _ := os.Hostname()
		c.WorkerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 120 * time.Second
	}
	if c.IdleDelay <= 0 {
		c.IdleDelay = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if len(c.Backoff) == 0 {
		c.Backoff = []time.Duration{0, 2 * time.Second, 7 * time.Second}
	}
	return c
}

type Runner struct {
	store   *store.Store
	adapter channel.Adapter
	cfg     Config
	log     logx.Logger

	now func() time.Time
}

func New(st *store.Store, adapter channel.Adapter, cfg Config, log logx.Logger) *Runner {
	cfg = cfg.withDefaults()
	return &Runner{
		store:   st,
		adapter: adapter,
		cfg:     cfg,
		log:     log.With(logx.String("channel", adapter.Name()), logx.String("worker", cfg.WorkerID)),
		now:     time.Now,
	}
}

// Run polls the queue until ctx is canceled. A non-empty batch is
// followed by a short breather; an empty one by the idle delay.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("dispatcher started",
		logx.Int("batch_size", r.cfg.BatchSize),
		logx.Duration("lock_ttl", r.cfg.LockTTL))
	for {
		n, err := r.ProcessBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Error("batch failed", logx.Err(err))
		}
		delay := r.cfg.IdleDelay
		if n > 0 {
			delay = 200 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// ProcessBatch claims up to BatchSize rows and works them sequentially.
// Returns the number of rows claimed.
func (r *Runner) ProcessBatch(ctx context.Context) (int, error) {
	now := r.now()
	expiry := now.Add(-r.cfg.LockTTL)
	types := r.adapter.ContactTypes()

	candidates, err := r.store.ClaimCandidates(ctx, types, expiry, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	var claimed []int64
	for _, id := range candidates {
		ok, err := r.store.TryLock(ctx, id, r.cfg.WorkerID, types, now, expiry)
		if err != nil {
			return len(claimed), err
		}
		if ok {
			claimed = append(claimed, id)
		}
	}
	metrics.ClaimBatch.WithLabelValues(r.adapter.Name()).Observe(float64(len(claimed)))
	if len(claimed) == 0 {
		return 0, nil
	}

	// Claimed rows are worked to completion even if shutdown starts
	// mid-batch; an abandoned lock would stall them for a full TTL.
	workCtx := context.WithoutCancel(ctx)

	jobs, err := r.store.LoadJobs(workCtx, claimed)
	if err != nil {
		return len(claimed), err
	}
	view, err := r.hydrate(workCtx, jobs)
	if err != nil {
		return len(claimed), err
	}

	for _, job := range jobs {
		r.processJob(workCtx, job, view)
	}
	return len(claimed), nil
}

func (r *Runner) processJob(ctx context.Context, job store.NotificationJob, view catalogView) {
	log := r.log.With(
		logx.Int64("notification", job.NotificationID),
		logx.Int64("subscription", job.SubscriptionID),
		logx.String("index", job.EventIndexNumber),
		logx.String("trace", job.EventTraceID))

	if code, reason, skipped := r.precheck(job); skipped {
		r.skip(ctx, log, job, job.FanoutAttempts+1, code, reason)
		return
	}

	msg := r.buildMessage(job, view)
	res := r.adapter.Send(ctx, msg)
	attempts := job.FanoutAttempts + 1

	switch res.Status {
	case channel.StatusSent:
		payload, _ := json.Marshal(map[string]any{
			"channel":           r.adapter.Name(),
			"providerMessageId": res.ProviderMessageID,
			"traceId":           job.EventTraceID,
			"attempts":          attempts,
		})
		r.finish(ctx, log, job, store.Outcome{
			NotificationID:     job.NotificationID,
			SubscriptionID:     job.SubscriptionID,
			FanoutStatus:       store.FanoutSent,
			Attempts:           attempts,
			UpdateLastNotified: true,
			AuditType:          "notify_sent",
			AuditPayload:       string(payload),
			SectionStatusSnap:  store.StatusOpen,
		}, "sent")

	case channel.StatusRetryable:
		if attempts >= r.cfg.MaxAttempts {
			r.fail(ctx, log, job, attempts, res, "attempts exhausted")
			return
		}
		lockedAt := r.retryLock(r.now(), res.RetryAfter, attempts)
		r.finish(ctx, log, job, store.Outcome{
			NotificationID: job.NotificationID,
			SubscriptionID: job.SubscriptionID,
			FanoutStatus:   store.FanoutPending,
			Attempts:       attempts,
			Error:          errString(res),
			LockedAt:       &lockedAt,
		}, "retried")

	default:
		if res.Code.Skippable() {
			r.skip(ctx, log, job, attempts, res.Code, res.Message)
			return
		}
		r.fail(ctx, log, job, attempts, res, "")
	}
}

// skip marks a row terminally skipped; like failures it leaves an audit
// row so a subscriber's history shows why nothing was delivered.
func (r *Runner) skip(ctx context.Context, log logx.Logger, job store.NotificationJob, attempts int, code channel.ErrorCode, reason string) {
	payload, _ := json.Marshal(map[string]any{
		"channel":  r.adapter.Name(),
		"code":     string(code),
		"error":    reason,
		"traceId":  job.EventTraceID,
		"attempts": attempts,
	})
	msg := string(code)
	if reason != "" {
		msg = fmt.Sprintf("%s: %s", code, reason)
	}
	r.finish(ctx, log, job, store.Outcome{
		NotificationID:    job.NotificationID,
		SubscriptionID:    job.SubscriptionID,
		FanoutStatus:      store.FanoutSkipped,
		Attempts:          attempts,
		Error:             msg,
		AuditType:         "notify_failed",
		AuditPayload:      string(payload),
		SectionStatusSnap: job.EventStatusAfter,
	}, "skipped")
}

func (r *Runner) fail(ctx context.Context, log logx.Logger, job store.NotificationJob, attempts int, res channel.Result, note string) {
	msg := errString(res)
	if note != "" {
		msg = note + ": " + msg
	}
	payload, _ := json.Marshal(map[string]any{
		"channel":  r.adapter.Name(),
		"code":     string(res.Code),
		"error":    res.Message,
		"traceId":  job.EventTraceID,
		"attempts": attempts,
	})
	r.finish(ctx, log, job, store.Outcome{
		NotificationID:    job.NotificationID,
		SubscriptionID:    job.SubscriptionID,
		FanoutStatus:      store.FanoutFailed,
		Attempts:          attempts,
		Error:             msg,
		AuditType:         "notify_failed",
		AuditPayload:      string(payload),
		SectionStatusSnap: job.EventStatusAfter,
	}, "failed")
}

func (r *Runner) finish(ctx context.Context, log logx.Logger, job store.NotificationJob, o store.Outcome, outcome string) {
	if err := r.store.PersistOutcome(ctx, o, r.now()); err != nil {
		log.Error("outcome persist failed", logx.Err(err))
		return
	}
	metrics.DispatchOutcomes.WithLabelValues(r.adapter.Name(), outcome).Inc()
	switch outcome {
	case "sent":
		log.Info("notification sent", logx.Int("attempts", o.Attempts))
	case "retried":
		log.Warn("notification retried", logx.Int("attempts", o.Attempts), logx.String("error", o.Error))
	default:
		log.Warn("notification "+outcome, logx.Int("attempts", o.Attempts), logx.String("error", o.Error))
	}
}

// precheck filters rows that could never be sent so the adapter is not
// asked to try.
func (r *Runner) precheck(job store.NotificationJob) (channel.ErrorCode, string, bool) {
	switch job.SubStatus {
	case store.SubPending, store.SubActive:
	default:
		return channel.CodeValidation, "subscription " + job.SubStatus, true
	}
	if job.SubContactValue == "" {
		return channel.CodeInvalidRecipient, "missing contact value", true
	}
	if job.EventStatusAfter != store.StatusOpen {
		return channel.CodeValidation, "event status " + job.EventStatusAfter, true
	}
	return "", "", false
}

// retryLock backdates locked_at so the row becomes claimable again after
// the retry delay. delay is the larger of the provider hint and the
// attempt's backoff step, clamped to the lock TTL; the extra millisecond
// keeps the strict < comparison from racing the boundary.
func (r *Runner) retryLock(now time.Time, retryAfter time.Duration, attempts int) time.Time {
	step := attempts
	if step >= len(r.cfg.Backoff) {
		step = len(r.cfg.Backoff) - 1
	}
	delay := r.cfg.Backoff[step]
	if retryAfter > delay {
		delay = retryAfter
	}
	if delay < 0 {
		delay = 0
	}
	if delay > r.cfg.LockTTL {
		delay = r.cfg.LockTTL
	}
	return now.Add(-(r.cfg.LockTTL - delay)).Add(-time.Millisecond)
}

func errString(res channel.Result) string {
	if res.Message == "" {
		return string(res.Code)
	}
	return fmt.Sprintf("%s: %s", res.Code, res.Message)
}
