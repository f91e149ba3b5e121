// Package opensearch indexes lifecycle events as flat documents through the
// OpenSearch (or Elasticsearch) document API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/vtxgate/internal/history"
)

const defaultTimeout = 5 * time.Second

type Options struct {
	URL      string // scheme://host:port
	Index    string
	Username string
	Password string
	// DailyIndex appends -YYYY.MM.DD (event time, UTC) to Index.
	DailyIndex bool
	Timeout    time.Duration
}

type Sink struct {
	client *http.Client
	opts   Options
}

// document is the indexed shape; dashboards filter on stream and event.
type document struct {
	Timestamp  time.Time `json:"@timestamp"`
	Event      string    `json:"event"`
	Stream     string    `json:"stream"`
	PID        int       `json:"pid,omitempty"`
	CrashCount uint32    `json:"crash_count"`
	BackoffMS  int64     `json:"backoff_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func New(opts Options) (*Sink, error) {
	opts.URL = strings.TrimRight(opts.URL, "/")
	if opts.URL == "" {
		return nil, errors.New("opensearch: url is required")
	}
	if opts.Index == "" {
		return nil, errors.New("opensearch: index is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Sink{client: &http.Client{Timeout: opts.Timeout}, opts: opts}, nil
}

func (s *Sink) indexFor(at time.Time) string {
	if !s.opts.DailyIndex {
		return s.opts.Index
	}
	return s.opts.Index + "-" + at.UTC().Format("2006.01.02")
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(document{
		Timestamp:  e.OccurredAt,
		Event:      string(e.Type),
		Stream:     e.Record.Name,
		PID:        e.Record.PID,
		CrashCount: e.Record.CrashCount,
		BackoffMS:  e.Record.BackoffMS,
		Error:      e.Record.Error,
	})
	if err != nil {
		return err
	}
	target := s.opts.URL + "/" + s.indexFor(e.OccurredAt) + "/_doc"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.Username != "" {
		req.SetBasicAuth(s.opts.Username, s.opts.Password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("opensearch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch: index %s: status %d: %s", s.indexFor(e.OccurredAt), resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
