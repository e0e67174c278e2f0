// Package channel defines the contract between the dispatch work queue
// and an outbound provider. The queue is agnostic to rendering and wire
// formats; adapters translate provider responses into one Result.
package channel

import (
	"context"
	"time"
)

type Status string

const (
	StatusSent      Status = "sent"
	StatusRetryable Status = "retryable"
	StatusFailed    Status = "failed"
)

// ErrorCode classifies a failed or retryable send.
type ErrorCode string

const (
	CodeValidation       ErrorCode = "validation_error"
	CodeInvalidRecipient ErrorCode = "invalid_recipient"
	CodeUnauthorized     ErrorCode = "unauthorized"
	CodeNotFound         ErrorCode = "not_found"
	CodeRateLimited      ErrorCode = "rate_limited"
	CodeNetwork          ErrorCode = "network_error"
	CodeUnknown          ErrorCode = "unknown"
)

// Skippable codes mark sends that would never succeed on retry; the
// queue records them as skipped instead of failed.
func (c ErrorCode) Skippable() bool {
	switch c {
	case CodeValidation, CodeInvalidRecipient, CodeUnauthorized, CodeNotFound:
		return true
	}
	return false
}

// Message is the channel-neutral notification content. Adapters render
// it into their own wire format.
type Message struct {
	ContactValue string
	DedupeKey    string
	TraceID      string

	CourseTitle    string
	CourseString   string
	IndexNumber    string
	SectionNumber  string
	Campus         string
	MeetingSummary string
	EventAt        time.Time

	SubscriptionID int64
	ManageURL      string
	UnsubscribeURL string
}

// Result reports one send attempt's outcome. RetryAfter carries the
// provider's hint for retryable results; Wait is the rate-limiter
// admission delay, reported for observability only.
type Result struct {
	Status            Status
	ProviderMessageID string
	RetryAfter        time.Duration
	Code              ErrorCode
	Message           string
	Wait              time.Duration
}

// Adapter is implemented once per outbound channel.
type Adapter interface {
	Name() string
	// ContactTypes lists the subscription contact types this channel serves.
	ContactTypes() []string
	Send(ctx context.Context, msg Message) Result
}
