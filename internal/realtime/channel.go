// Package realtime maintains the persistent event connection to the remote
// service.
//
// The Channel reads JSON messages from a WebSocket, turns them into EVENT
// candidates and hands them, in arrival order, to a delivery function
// (normally the merge applier). After every (re)connect it resubscribes and
// runs a reconciliation pull before delivering anything, so events that
// were missed while disconnected are covered by the pull.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/mschirtzinger/huddle/internal/metrics"
	"github.com/mschirtzinger/huddle/internal/remote"
	"github.com/mschirtzinger/huddle/internal/schema"
)

// State is the connection state of a Channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	}
	return "UNKNOWN"
}

var errPongTimeout = errors.New("no pong before timeout")

// Config configures a Channel.
type Config struct {
	URL        string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger

	PingInterval         time.Duration
	PongTimeout          time.Duration
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	MaxReconnectAttempts int
	QueueSize            int

	// Deliver merges one event candidate. Required.
	Deliver func(ctx context.Context, c schema.Candidate) error

	// Reconcile pulls the given projects after a (re)connect. Delivery of
	// events waits for it to return.
	Reconcile func(ctx context.Context, projects []string) error

	// OnError is called for ERROR messages from the server.
	OnError func(message string)

	// OnStateChange is called on every state transition.
	OnStateChange func(State)
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		PingInterval:         30 * time.Second,
		PongTimeout:          10 * time.Second,
		BaseDelay:            time.Second,
		MaxDelay:             time.Minute,
		MaxReconnectAttempts: 10,
		QueueSize:            256,
	}
}

// Channel is a reconnecting real-time event client.
type Channel struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	projects map[string]bool
	conn     *websocket.Conn
	cancel   context.CancelFunc
	done     chan struct{}
	err      error

	writeMu sync.Mutex
	fresh   atomic.Bool
}

// New creates a disconnected Channel. Zero durations and sizes in cfg
// take their DefaultConfig values.
func New(cfg Config) (*Channel, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("channel URL is required")
	}
	if cfg.Deliver == nil {
		return nil, fmt.Errorf("channel delivery function is required")
	}
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Channel{
		cfg:      cfg,
		logger:   cfg.Logger.Named("realtime"),
		projects: make(map[string]bool),
	}, nil
}

// Connect starts the connection loop in the background. It is a no-op if
// the channel is already running.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		select {
		case <-c.done:
		default:
			return nil
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.err = nil
	go c.run(runCtx, c.done)
	return nil
}

// Disconnect stops the channel and waits for it to shut down. It stays
// disconnected until the next Connect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed when the connection loop exits.
func (c *Channel) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns why the loop exited: nil after Disconnect, an error wrapping
// schema.ErrChannelDisconnected after too many failed dials.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Fresh reports whether the channel is connected and the reconciliation
// after the latest connect succeeded.
func (c *Channel) Fresh() bool {
	return c.State() == StateConnected && c.fresh.Load()
}

// Subscribe adds a project to the set the channel listens to.
func (c *Channel) Subscribe(ctx context.Context, projectID string) error {
	c.mu.Lock()
	c.projects[projectID] = true
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	// A failed send means the connection is going away; the next session
	// sends the full subscription set.
	if err := c.send(ctx, conn, Message{Type: MessageSubscribe, Data: &Payload{ProjectIDs: []string{projectID}}}); err != nil {
		c.logger.Debug("subscribe not sent", zap.String("project", projectID), zap.Error(err))
	}
	return nil
}

// Unsubscribe removes a project from the subscription set.
func (c *Channel) Unsubscribe(ctx context.Context, projectID string) error {
	c.mu.Lock()
	delete(c.projects, projectID)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	// A failed send means the connection is going away; the next session
	// sends the full subscription set.
	if err := c.send(ctx, conn, Message{Type: MessageUnsubscribe, Data: &Payload{ProjectIDs: []string{projectID}}}); err != nil {
		c.logger.Debug("unsubscribe not sent", zap.String("project", projectID), zap.Error(err))
	}
	return nil
}

// Projects returns the subscribed project ids, sorted.
func (c *Channel) Projects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.projects))
	for id := range c.projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	metrics.SetChannelState(s.String())
	c.logger.Debug("channel state", zap.Stringer("state", s))
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	failures := 0
	connected := false
	for {
		if connected || failures > 0 {
			c.setState(StateReconnecting)
			metrics.RecordReconnect()
		} else {
			c.setState(StateConnecting)
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateDisconnected)
				return
			}
			failures++
			c.logger.Warn("dial failed",
				zap.Int("attempt", failures),
				zap.Int("max_attempts", c.cfg.MaxReconnectAttempts),
				zap.Error(err))
			if failures >= c.cfg.MaxReconnectAttempts {
				c.mu.Lock()
				c.err = fmt.Errorf("%w: %d consecutive dial failures: %v", schema.ErrChannelDisconnected, failures, err)
				c.mu.Unlock()
				c.setState(StateDisconnected)
				return
			}
			c.setState(StateDisconnected)
			if sleepCtx(ctx, remote.Backoff(failures, c.cfg.BaseDelay, c.cfg.MaxDelay)) != nil {
				return
			}
			continue
		}

		failures = 0
		connected = true
		err = c.session(ctx, conn)
		c.fresh.Store(false)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}
		c.logger.Info("connection lost, reconnecting", zap.Error(err))
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	opts := &websocket.DialOptions{HTTPClient: c.cfg.HTTPClient}
	if c.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.cfg.Token}}
	}
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, opts)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

// session serves one connection until it fails or ctx is cancelled.
func (c *Channel) session(ctx context.Context, conn *websocket.Conn) error {
	sctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	defer conn.CloseNow()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	projects := c.Projects()
	if len(projects) > 0 {
		if err := c.send(sctx, conn, Message{Type: MessageSubscribe, Data: &Payload{ProjectIDs: projects}}); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	c.setState(StateConnected)

	queue := make(chan schema.Candidate, c.cfg.QueueSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.deliver(sctx, projects, queue)
	}()

	var lastInbound, pingSent atomic.Int64
	lastInbound.Store(time.Now().UnixNano())
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepalive(sctx, cancel, conn, &lastInbound, &pingSent)
	}()

	err := c.read(sctx, conn, queue, &lastInbound, &pingSent)
	cancel(err)
	close(queue)
	wg.Wait()
	if cause := context.Cause(sctx); errors.Is(cause, errPongTimeout) {
		return cause
	}
	return err
}

// read consumes frames until the connection fails. Pushing into a full
// queue blocks, which stops reading until delivery catches up.
func (c *Channel) read(ctx context.Context, conn *websocket.Conn, queue chan<- schema.Candidate, lastInbound, pingSent *atomic.Int64) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		lastInbound.Store(time.Now().UnixNano())
		if typ != websocket.MessageText {
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping undecodable message", zap.Error(err))
			continue
		}
		metrics.RecordChannelEvent(string(msg.Type))

		switch msg.Type {
		case MessagePing:
			if err := c.send(ctx, conn, Message{Type: MessagePong, Timestamp: time.Now().UTC()}); err != nil {
				return err
			}
			continue
		case MessagePong:
			pingSent.Store(0)
			continue
		case MessageError:
			text := ""
			if msg.Data != nil {
				text = msg.Data.Message
			}
			c.logger.Warn("server reported error", zap.String("message", text))
			if c.cfg.OnError != nil {
				c.cfg.OnError(text)
			}
			continue
		}

		cands, err := Candidates(msg)
		if err != nil {
			c.logger.Warn("dropping invalid message", zap.String("type", string(msg.Type)), zap.Error(err))
			continue
		}
		for _, cand := range cands {
			select {
			case queue <- cand:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// deliver reconciles, then applies queued candidates in order. Candidates
// already queued when the session ends are still applied.
func (c *Channel) deliver(ctx context.Context, projects []string, queue <-chan schema.Candidate) {
	if c.cfg.Reconcile != nil && len(projects) > 0 {
		if err := c.cfg.Reconcile(ctx, projects); err != nil {
			c.logger.Warn("reconciliation after connect failed", zap.Strings("projects", projects), zap.Error(err))
			c.fresh.Store(false)
		} else {
			c.fresh.Store(true)
		}
	} else {
		c.fresh.Store(true)
	}

	applyCtx := context.WithoutCancel(ctx)
	for cand := range queue {
		if err := c.cfg.Deliver(applyCtx, cand); err != nil {
			c.logger.Error("failed to apply event", zap.String("entity", cand.Key().String()), zap.Error(err))
		}
	}
}

// keepalive sends a PING after PingInterval of silence and ends the
// session if no PONG follows within PongTimeout.
func (c *Channel) keepalive(ctx context.Context, cancel context.CancelCauseFunc, conn *websocket.Conn, lastInbound, pingSent *atomic.Int64) {
	tick := c.cfg.PingInterval / 4
	if tick > time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if sent := pingSent.Load(); sent != 0 {
				if now.Sub(time.Unix(0, sent)) > c.cfg.PongTimeout {
					c.logger.Warn("pong timeout", zap.Duration("timeout", c.cfg.PongTimeout))
					cancel(errPongTimeout)
					return
				}
				continue
			}
			if now.Sub(time.Unix(0, lastInbound.Load())) < c.cfg.PingInterval {
				continue
			}
			pingSent.Store(now.UnixNano())
			if err := c.send(ctx, conn, Message{Type: MessagePing, Timestamp: now.UTC()}); err != nil {
				cancel(err)
				return
			}
		}
	}
}

func (c *Channel) send(ctx context.Context, conn *websocket.Conn, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(wctx, websocket.MessageText, data)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
