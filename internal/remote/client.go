// Package remote is the HTTP client for the project-tracking service.
//
// Every response is turned into schema.Candidate values; the client never
// writes to the local store. Transient failures are retried with capped
// exponential backoff, everything else is returned as an *Error matching
// one of the schema sentinels.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/huddle/internal/metrics"
	"github.com/mschirtzinger/huddle/internal/schema"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
	DefaultTimeout     = 15 * time.Second

	maxResponseBytes = 16 << 20
)

// Config configures a Client.
type Config struct {
	BaseURL     string
	Token       string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Client talks to the remote service.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	logger *zap.Logger
	cfg    Config
}

// New creates a Client. BaseURL is required.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote base URL %q: %w", cfg.BaseURL, err)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		base:   base,
		token:  cfg.Token,
		http:   cfg.HTTPClient,
		logger: cfg.Logger.Named("remote"),
		cfg:    cfg,
	}, nil
}

// PullProject fetches the full state of one project: the project itself,
// its milestones, tasks, activity, presence and deletions. The sub-resources
// are fetched concurrently. All candidates are tagged PULL.
func (c *Client) PullProject(ctx context.Context, projectID string) ([]schema.Candidate, error) {
	base := "/projects/" + url.PathEscape(projectID)

	var project json.RawMessage
	lists := []struct {
		kind schema.Kind
		path string
		raw  []json.RawMessage
	}{
		{kind: schema.KindMilestone, path: base + "/milestones"},
		{kind: schema.KindTask, path: base + "/tasks"},
		{kind: schema.KindActivity, path: base + "/activity"},
		{kind: schema.KindPresence, path: base + "/presence"},
	}
	var deletions []schema.Deletion

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.do(gctx, "pull project", http.MethodGet, base, "", nil, &project)
	})
	for i := range lists {
		l := &lists[i]
		g.Go(func() error {
			return c.do(gctx, "pull "+string(l.kind), http.MethodGet, l.path, "", nil, &l.raw)
		})
	}
	g.Go(func() error {
		return c.do(gctx, "pull deletions", http.MethodGet, base+"/deletions", "", nil, &deletions)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cands := []schema.Candidate{schema.CandidateFromJSON(schema.KindProject, project, schema.SourcePull)}
	for _, l := range lists {
		for _, raw := range l.raw {
			cands = append(cands, schema.CandidateFromJSON(l.kind, raw, schema.SourcePull))
		}
	}
	for _, d := range deletions {
		cands = append(cands, d.Candidate(schema.SourcePull))
	}
	c.logger.Debug("pulled project",
		zap.String("project", projectID),
		zap.Int("candidates", len(cands)))
	return cands, nil
}

// PullPresence fetches the presence of every user visible to the caller.
func (c *Client) PullPresence(ctx context.Context) ([]schema.Candidate, error) {
	var raw []json.RawMessage
	if err := c.do(ctx, "pull presence", http.MethodGet, "/presence", "", nil, &raw); err != nil {
		return nil, err
	}
	cands := make([]schema.Candidate, 0, len(raw))
	for _, r := range raw {
		cands = append(cands, schema.CandidateFromJSON(schema.KindPresence, r, schema.SourcePull))
	}
	return cands, nil
}

// PutPresence publishes the local user's presence and returns the stored
// record as the server saw it.
func (c *Client) PutPresence(ctx context.Context, rec schema.PresenceRecord) (schema.Candidate, error) {
	var raw json.RawMessage
	path := "/presence/" + url.PathEscape(rec.UserID)
	if err := c.do(ctx, "put presence", http.MethodPut, path, "", rec, &raw); err != nil {
		return schema.Candidate{}, err
	}
	return schema.CandidateFromJSON(schema.KindPresence, raw, schema.SourcePull), nil
}

type taskMutationRequest struct {
	MutationID string           `json:"mutationId"`
	Seq        int64            `json:"seq"`
	Patch      schema.TaskPatch `json:"patch"`
}

type activityRequest struct {
	MutationID string               `json:"mutationId"`
	Seq        int64                `json:"seq"`
	Activity   *schema.ActivityItem `json:"activity"`
}

// Submit sends a pending mutation and returns the server's echo of the
// resulting entity, tagged LOCAL_CONFIRM. The mutation id is sent as the
// Idempotency-Key, so resubmitting after a crash is safe.
func (c *Client) Submit(ctx context.Context, m *schema.PendingMutation) (schema.Candidate, error) {
	var (
		path string
		body any
		kind schema.Kind
	)
	switch m.Op {
	case schema.OpTaskUpdate:
		patch, err := m.TaskPatch()
		if err != nil {
			return schema.Candidate{}, &Error{Op: "submit", Err: fmt.Errorf("%w: %v", schema.ErrValidation, err)}
		}
		path = "/tasks/" + url.PathEscape(m.EntityID) + "/mutations"
		body = taskMutationRequest{MutationID: m.ID, Seq: m.Seq, Patch: patch}
		kind = schema.KindTask
	case schema.OpActivityCreate:
		item, err := m.Activity()
		if err != nil {
			return schema.Candidate{}, &Error{Op: "submit", Err: fmt.Errorf("%w: %v", schema.ErrValidation, err)}
		}
		path = "/projects/" + url.PathEscape(m.ProjectID) + "/activity"
		body = activityRequest{MutationID: m.ID, Seq: m.Seq, Activity: item}
		kind = schema.KindActivity
	default:
		return schema.Candidate{}, &Error{Op: "submit", Err: fmt.Errorf("%w: unknown mutation op %q", schema.ErrValidation, m.Op)}
	}

	var raw json.RawMessage
	if err := c.do(ctx, "submit "+string(m.Op), http.MethodPost, path, m.ID, body, &raw); err != nil {
		return schema.Candidate{}, err
	}
	return schema.CandidateFromJSON(kind, raw, schema.SourceLocalConfirm), nil
}

// do performs one logical request with retries and decodes the JSON
// response into out.
func (c *Client) do(ctx context.Context, op, method, path, idempotencyKey string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return &Error{Op: op, Err: fmt.Errorf("%w: failed to marshal request: %v", schema.ErrValidation, err)}
		}
	}

	for attempt := 1; ; attempt++ {
		status, data, resp, err := c.once(ctx, method, path, idempotencyKey, body)

		var (
			sentinel error
			retry    bool
		)
		switch {
		case ctx.Err() != nil:
			return &Error{Op: op, Attempts: attempt, Err: ctx.Err()}
		case err != nil:
			sentinel, retry = schema.ErrTransientNetwork, true
		case status < 200 || status > 299:
			sentinel, retry = classifyStatus(status)
			msg := strings.TrimSpace(string(truncate(data, 256)))
			if msg == "" {
				msg = http.StatusText(status)
			}
			err = errors.New(msg)
		default:
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(data, out); err != nil {
				return &Error{Op: op, StatusCode: status, Attempts: attempt,
					Err: fmt.Errorf("%w: undecodable response: %v", schema.ErrMalformedEntity, err)}
			}
			return nil
		}

		if !retry || attempt >= c.cfg.MaxAttempts {
			return &Error{Op: op, StatusCode: status, Attempts: attempt, Err: fmt.Errorf("%w: %v", sentinel, err)}
		}

		delay := Backoff(attempt, c.cfg.BaseDelay, c.cfg.MaxDelay)
		if ra, ok := retryAfter(resp); ok && ra > delay {
			delay = ra
		}
		c.logger.Debug("retrying request",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Int("status", status),
			zap.Duration("delay", delay),
			zap.Error(err))
		metrics.RecordRemoteRetry(op)
		if err := sleep(ctx, delay); err != nil {
			return &Error{Op: op, StatusCode: status, Attempts: attempt, Err: err}
		}
	}
}

// once sends a single HTTP request. The returned response has its body
// already drained and closed.
func (c *Client) once(ctx context.Context, method, path, idempotencyKey string, body []byte) (int, []byte, *http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordRemoteRequest(method+" "+endpointLabel(path), "error", time.Since(start))
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	metrics.RecordRemoteRequest(method+" "+endpointLabel(path), strconv.Itoa(resp.StatusCode), time.Since(start))
	if err != nil {
		return 0, nil, resp, err
	}
	return resp.StatusCode, data, resp, nil
}

// endpointLabel strips ids from a path so metric labels stay bounded.
func endpointLabel(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) > 1 {
		parts[1] = "{id}"
	}
	return "/" + strings.Join(parts, "/")
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
