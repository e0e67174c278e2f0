// Package mail delivers notifications through a transactional email
// provider's JSON API.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sectionwatch/internal/channel"
	"sectionwatch/internal/ratelimit"
	"sectionwatch/internal/store"
	"sectionwatch/pkg/logx"
)

type Config struct {
	Endpoint  string
	APIKey    string
	FromEmail string
	FromName  string
	Timeout   time.Duration // default 30s
}

type Adapter struct {
	cfg     Config
	client  *http.Client
	limiter *ratelimit.Limiter
	log     logx.Logger
}

func New(cfg Config, limiter *ratelimit.Limiter, log logx.Logger) *Adapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		log:     log,
	}
}

func (a *Adapter) Name() string           { return "mail" }
func (a *Adapter) ContactTypes() []string { return []string{store.ContactEmail} }

type sendRequest struct {
	Sender      contact           `json:"sender"`
	To          []contact         `json:"to"`
	Subject     string            `json:"subject"`
	TextContent string            `json:"textContent"`
	Headers     map[string]string `json:"headers,omitempty"`
}

type contact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
}

func (a *Adapter) Send(ctx context.Context, msg channel.Message) channel.Result {
	body, err := json.Marshal(sendRequest{
		Sender:      contact{Email: a.cfg.FromEmail, Name: a.cfg.FromName},
		To:          []contact{{Email: msg.ContactValue}},
		Subject:     subject(msg),
		TextContent: textBody(msg),
		Headers: map[string]string{
			// The provider drops a resent message with a key it has
			// already accepted, so a crash between send and persist
			// cannot double-mail the subscriber.
			"X-Idempotency-Key": fmt.Sprintf("%s-%d", msg.DedupeKey, msg.SubscriptionID),
			"X-Trace-Id":        msg.TraceID,
		},
	})
	if err != nil {
		return channel.Result{Status: channel.StatusFailed, Code: channel.CodeValidation, Message: err.Error()}
	}

	var res channel.Result
	wait, err := a.limiter.Do(ctx, "global", func() error {
		inner, err := a.limiter.Do(ctx, "domain:"+recipientDomain(msg.ContactValue), func() error {
			res = a.post(ctx, body)
			return nil
		})
		res.Wait += inner
		return err
	})
	if err != nil {
		return channel.Result{Status: channel.StatusRetryable, Code: channel.CodeNetwork, Message: err.Error()}
	}
	res.Wait += wait
	return res
}

func (a *Adapter) post(ctx context.Context, body []byte) channel.Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return channel.Result{Status: channel.StatusFailed, Code: channel.CodeValidation, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", a.cfg.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return channel.Result{Status: channel.StatusRetryable, Code: channel.CodeNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var sr sendResponse
		_ = json.Unmarshal(raw, &sr)
		return channel.Result{Status: channel.StatusSent, ProviderMessageID: sr.MessageID}
	case resp.StatusCode == http.StatusTooManyRequests:
		return channel.Result{
			Status:     channel.StatusRetryable,
			Code:       channel.CodeRateLimited,
			RetryAfter: retryAfter(resp),
			Message:    apiError(raw, resp.StatusCode),
		}
	case resp.StatusCode == http.StatusBadRequest:
		return channel.Result{Status: channel.StatusFailed, Code: channel.CodeValidation, Message: apiError(raw, resp.StatusCode)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return channel.Result{Status: channel.StatusFailed, Code: channel.CodeUnauthorized, Message: apiError(raw, resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound:
		return channel.Result{Status: channel.StatusFailed, Code: channel.CodeNotFound, Message: apiError(raw, resp.StatusCode)}
	case resp.StatusCode >= 500:
		return channel.Result{Status: channel.StatusRetryable, Code: channel.CodeUnknown, Message: apiError(raw, resp.StatusCode)}
	default:
		return channel.Result{Status: channel.StatusFailed, Code: channel.CodeUnknown, Message: apiError(raw, resp.StatusCode)}
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func apiError(raw []byte, status int) string {
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Message != "" {
		return fmt.Sprintf("HTTP %d: %s", status, body.Message)
	}
	return fmt.Sprintf("HTTP %d", status)
}

func recipientDomain(email string) string {
	if i := strings.LastIndexByte(email, '@'); i >= 0 && i < len(email)-1 {
		return strings.ToLower(email[i+1:])
	}
	return "invalid"
}

func subject(msg channel.Message) string {
	course := msg.CourseString
	if course == "" {
		course = msg.CourseTitle
	}
	return fmt.Sprintf("Open seats: %s (index %s)", course, msg.IndexNumber)
}

func textBody(msg channel.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A section you are watching just opened.\n\n")
	if msg.CourseTitle != "" {
		fmt.Fprintf(&b, "Course:   %s\n", msg.CourseTitle)
	}
	if msg.CourseString != "" {
		fmt.Fprintf(&b, "Code:     %s\n", msg.CourseString)
	}
	fmt.Fprintf(&b, "Index:    %s\n", msg.IndexNumber)
	if msg.SectionNumber != "" {
		fmt.Fprintf(&b, "Section:  %s\n", msg.SectionNumber)
	}
	if msg.Campus != "" {
		fmt.Fprintf(&b, "Campus:   %s\n", msg.Campus)
	}
	if msg.MeetingSummary != "" {
		fmt.Fprintf(&b, "Meets:    %s\n", msg.MeetingSummary)
	}
	fmt.Fprintf(&b, "Detected: %s\n", msg.EventAt.Format(time.RFC1123))
	b.WriteString("\nSeats go fast. Register as soon as you can.\n")
	if msg.ManageURL != "" {
		fmt.Fprintf(&b, "\nManage this alert: %s\n", msg.ManageURL)
	}
	if msg.UnsubscribeURL != "" {
		fmt.Fprintf(&b, "Unsubscribe: %s\n", msg.UnsubscribeURL)
	}
	return b.String()
}
