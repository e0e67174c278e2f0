// Package feed fetches the upstream "which sections are currently open"
// endpoint for one (term, campus) target and normalizes its payload.
package feed

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ErrMalformedPayload marks a response that was not a JSON array of
// index numbers; the poll that hit it is counted and skipped.
var ErrMalformedPayload = errors.New("feed: malformed openSections payload")

// Kind classifies request failures for logging and metrics.
type Kind string

const (
	KindNetwork Kind = "network"
	KindStatus  Kind = "status"
	KindDecode  Kind = "decode"
)

type RequestError struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("feed %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("feed %s: %v", e.Kind, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

type Config struct {
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("feed base url is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// OpenIndexes fetches and normalizes the open-index set for one target:
// deduplicated, trimmed, sorted ascending.
func (c *Client) OpenIndexes(ctx context.Context, termID, campus string) ([]string, error) {
	u := fmt.Sprintf("%s/openSections?term=%s&campus=%s",
		c.baseURL, url.QueryEscape(termID), url.QueryEscape(campus))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &RequestError{Kind: KindNetwork, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RequestError{Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &RequestError{Kind: KindNetwork, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &RequestError{
			Kind:       KindStatus,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status"),
		}
	}

	indexes, err := Normalize(body)
	if err != nil {
		return nil, &RequestError{Kind: KindDecode, StatusCode: resp.StatusCode, Err: err}
	}
	return indexes, nil
}

// Normalize parses a raw payload into the deduplicated sorted index set.
// Index numbers arrive as strings or bare numbers depending on upstream
// version; both are accepted, anything else is malformed.
func Normalize(payload []byte) ([]string, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	set := make(map[string]struct{}, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			var n json.Number
			if err := json.Unmarshal(item, &n); err != nil {
				return nil, fmt.Errorf("%w: non-scalar entry %s", ErrMalformedPayload, string(item))
			}
			s = n.String()
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		set[s] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// Hash computes the content hash for a normalized snapshot; equal target
// state yields equal hashes across polls and restarts.
func Hash(termID, campus string, indexes []string) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%s", termID, campus)
	for _, idx := range indexes {
		fmt.Fprintf(h, "|%s", idx)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
