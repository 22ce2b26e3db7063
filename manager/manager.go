// Package manager owns the single long-lived MCP server process behind
// the bridge. It spawns the process, performs the initialize handshake
// before accepting calls, serializes all invocations through one session
// (the protocol is not assumed multiplexable), and replaces the process
// wholesale when it crashes.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/petal-labs/toolgate/mcp"
)

// State is the service-level lifecycle state of the manager.
type State string

const (
	// StateStarting means the initial handshake has not completed yet.
	StateStarting State = "starting"
	// StateReady means a healthy session exists and calls are accepted.
	StateReady State = "ready"
	// StateDegraded means the process was lost; calls are rejected while
	// restart attempts run (or after the retry budget is exhausted).
	StateDegraded State = "degraded"
	// StateStopped means the manager was shut down.
	StateStopped State = "stopped"
)

const (
	defaultCallTimeout   = 2 * time.Minute
	defaultRestartBase   = 500 * time.Millisecond
	defaultRestartCap    = 8 * time.Second
	defaultRestartBudget = 5
	restartDialTimeout   = 30 * time.Second
)

// Dialer establishes a fresh transport to the server process.
type Dialer func(ctx context.Context) (mcp.Transport, error)

// RestartPolicy bounds automatic process restarts after a crash.
type RestartPolicy struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
}

// Config configures a Manager.
type Config struct {
	Dial        Dialer
	CallTimeout time.Duration
	Restart     RestartPolicy
	Client      mcp.Options
	Logger      *slog.Logger
	Observer    Observer
}

// HealthReport is the result of one health probe against the process.
type HealthReport struct {
	State     State     `json:"state"`
	LatencyMS int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Snapshot is a point-in-time view of manager state for reporting.
type Snapshot struct {
	State      State
	ServerInfo mcp.ServerInfo
	StartedAt  time.Time
	Restarts   int
	LastError  string
	LastHealth *HealthReport
}

// session is one live connection to the server process. Its single-slot
// channel serializes callers: blocked receivers are granted the slot in
// arrival order, so frames from two calls never interleave on the wire.
type session struct {
	client    *mcp.Client
	transport mcp.Transport
	slot      chan *session
	down      chan struct{}
	downOnce  sync.Once
}

// retire marks the session dead. Returns true for the call that actually
// performed the transition, so crash handling runs exactly once.
func (s *session) retire() bool {
	retired := false
	s.downOnce.Do(func() {
		close(s.down)
		retired = true
	})
	return retired
}

// processTransport is implemented by transports that can report process
// exit independently of request flow.
type processTransport interface {
	Done() <-chan struct{}
}

// Manager supervises the server process and routes tool calls to it.
type Manager struct {
	dial        Dialer
	callTimeout time.Duration
	restart     RestartPolicy
	clientOpts  mcp.Options
	logger      *slog.Logger
	observer    Observer

	stopCh   chan struct{}
	stopOnce sync.Once

	mu         sync.Mutex
	state      State
	session    *session
	serverInfo mcp.ServerInfo
	startedAt  time.Time
	restarts   int
	lastErr    string
	lastHealth *HealthReport
}

// NewManager creates a manager. Start must be called before invocations.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dial == nil {
		return nil, errors.New("manager: dialer is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Restart.BaseBackoff <= 0 {
		cfg.Restart.BaseBackoff = defaultRestartBase
	}
	if cfg.Restart.MaxBackoff <= 0 {
		cfg.Restart.MaxBackoff = defaultRestartCap
	}
	if cfg.Restart.MaxAttempts <= 0 {
		cfg.Restart.MaxAttempts = defaultRestartBudget
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	return &Manager{
		dial:        cfg.Dial,
		callTimeout: cfg.CallTimeout,
		restart:     cfg.Restart,
		clientOpts:  cfg.Client,
		logger:      cfg.Logger,
		observer:    cfg.Observer,
		stopCh:      make(chan struct{}),
		state:       StateStarting,
	}, nil
}

// Start spawns the server process and completes the initialize handshake.
// No invocation is accepted before Start returns nil.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateStarting {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("manager: start in state %s", state)
	}
	m.mu.Unlock()

	sess, info, err := m.openSession(ctx)
	if err != nil {
		return fmt.Errorf("manager: initial handshake: %w", err)
	}

	m.mu.Lock()
	m.session = sess
	m.serverInfo = info
	m.state = StateReady
	m.startedAt = time.Now().UTC()
	m.mu.Unlock()

	m.logger.Info("server process ready",
		"server", info.Name,
		"version", info.Version)
	return nil
}

// CallTool invokes one tool on the server process.
func (m *Manager) CallTool(ctx context.Context, params mcp.ToolsCallParams) (mcp.ToolsCallResult, error) {
	if strings.TrimSpace(params.Name) == "" {
		return mcp.ToolsCallResult{}, newBridgeError(CodeInvalidRequest, "tool name is required", false, nil)
	}

	started := time.Now()
	callCtx, cancel := m.callContext(ctx)
	defer cancel()

	sess, err := m.acquire(callCtx)
	if err != nil {
		m.observeCall(params.Name, "tools/call", started, err)
		return mcp.ToolsCallResult{}, err
	}

	result, callErr := sess.client.CallTool(callCtx, params)
	if callErr == nil {
		m.release(sess)
		m.observeCall(params.Name, "tools/call", started, nil)
		return result, nil
	}

	bridgeErr := m.classify(sess, callErr)
	m.observeCall(params.Name, "tools/call", started, bridgeErr)
	return mcp.ToolsCallResult{}, bridgeErr
}

// ListTools lists the tools the server process exposes.
func (m *Manager) ListTools(ctx context.Context) (mcp.ToolsListResult, error) {
	started := time.Now()
	callCtx, cancel := m.callContext(ctx)
	defer cancel()

	sess, err := m.acquire(callCtx)
	if err != nil {
		m.observeCall("", "tools/list", started, err)
		return mcp.ToolsListResult{}, err
	}

	result, callErr := sess.client.ListTools(callCtx)
	if callErr == nil {
		m.release(sess)
		m.observeCall("", "tools/list", started, nil)
		return result, nil
	}

	bridgeErr := m.classify(sess, callErr)
	m.observeCall("", "tools/list", started, bridgeErr)
	return mcp.ToolsListResult{}, bridgeErr
}

// RecordHealth stores the latest health probe result for reporting.
func (m *Manager) RecordHealth(report HealthReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastHealth = &report
}

// Snapshot reports current state for /health and logging.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		State:      m.state,
		ServerInfo: m.serverInfo,
		StartedAt:  m.startedAt,
		Restarts:   m.restarts,
		LastError:  m.lastErr,
	}
	if m.lastHealth != nil {
		report := *m.lastHealth
		snap.LastHealth = &report
	}
	return snap
}

// Close stops the manager and kills the server process. No restart runs
// after Close.
func (m *Manager) Close(ctx context.Context) error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})

	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return nil
	}
	m.state = StateStopped
	sess := m.session
	m.session = nil
	m.mu.Unlock()

	m.logger.Info("manager stopped")
	if sess != nil {
		sess.retire()
		return sess.client.Close(ctx)
	}
	return nil
}

func (m *Manager) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.callTimeout)
}

// acquire waits for exclusive use of the live session. Callers blocked
// here are served strictly in arrival order.
func (m *Manager) acquire(ctx context.Context) (*session, error) {
	m.mu.Lock()
	sess := m.session
	state := m.state
	m.mu.Unlock()

	if state != StateReady || sess == nil {
		return nil, newBridgeError(CodeUnavailable,
			fmt.Sprintf("no healthy server process (state %s)", state), true, nil)
	}

	select {
	case <-ctx.Done():
		return nil, m.contextError(ctx.Err())
	case <-sess.down:
		return nil, newBridgeError(CodeUnavailable, "server process lost while waiting", true, nil)
	case held := <-sess.slot:
		return held, nil
	}
}

func (m *Manager) release(sess *session) {
	sess.slot <- sess
}

// classify maps a client error to the bridge taxonomy and decides whether
// the session survives. Timeouts leave the process running; process exit
// and malformed framing retire the session and trigger a restart.
func (m *Manager) classify(sess *session, err error) *BridgeError {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// The in-flight correlation entry dies with this call; a late
		// response with its id is skipped by the client receive loop.
		m.release(sess)
		return m.contextError(err)

	case errors.Is(err, mcp.ErrMalformedOutput):
		m.crash(sess, err)
		return newBridgeError(CodeProtocol, "server process emitted malformed output", false, err)

	case errors.Is(err, mcp.ErrProcessExited):
		m.crash(sess, err)
		return newBridgeError(CodeUnavailable, "server process exited", true, err)
	}

	var rpcErr *mcp.RPCError
	if errors.As(err, &rpcErr) {
		m.release(sess)
		return newBridgeError(CodeUpstream, "server rejected the request", false, err)
	}

	// Unclassified transport failures mean the channel can no longer be
	// trusted; treat them like a crash.
	m.crash(sess, err)
	return newBridgeError(CodeUnavailable, "server process connection failed", true, err)
}

func (m *Manager) contextError(err error) *BridgeError {
	if errors.Is(err, context.DeadlineExceeded) {
		return newBridgeError(CodeTimeout, "no response within call timeout", true, err)
	}
	return newBridgeError(CodeTimeout, "call abandoned", false, err)
}

// crash retires the session, flips the service to degraded, and kicks off
// background restart. Only the first caller for a given session acts.
func (m *Manager) crash(sess *session, cause error) {
	if !sess.retire() {
		return
	}

	m.mu.Lock()
	if m.state == StateStopped || m.session != sess {
		m.mu.Unlock()
		_ = sess.transport.Close(context.Background())
		return
	}
	m.session = nil
	m.state = StateDegraded
	if cause != nil {
		m.lastErr = cause.Error()
	}
	m.mu.Unlock()

	_ = sess.transport.Close(context.Background())
	m.logger.Warn("server process lost; entering degraded state", "error", cause)

	go m.restartLoop()
}

// restartLoop tries to bring up a replacement process with exponential
// backoff. On budget exhaustion the manager stays degraded until an
// operator intervenes.
func (m *Manager) restartLoop() {
	for attempt := 1; attempt <= m.restart.MaxAttempts; attempt++ {
		backoff := restartBackoff(m.restart, attempt)
		timer := time.NewTimer(backoff)
		select {
		case <-m.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		// The dial context bounds spawn plus handshake; the transport
		// keeps its process alive after the context is released.
		dialCtx, cancel := context.WithTimeout(context.Background(), restartDialTimeout)
		sess, info, err := m.openSession(dialCtx)
		cancel()
		if err != nil {
			m.logger.Warn("restart attempt failed",
				"attempt", attempt,
				"max_attempts", m.restart.MaxAttempts,
				"error", err)
			m.observer.ObserveRestart(RestartObservation{Attempt: attempt, ErrorCode: CodeUnavailable})
			continue
		}

		m.mu.Lock()
		if m.state == StateStopped {
			m.mu.Unlock()
			sess.retire()
			_ = sess.client.Close(context.Background())
			return
		}
		m.session = sess
		m.serverInfo = info
		m.state = StateReady
		m.restarts++
		m.lastErr = ""
		m.mu.Unlock()

		m.observer.ObserveRestart(RestartObservation{Attempt: attempt, Success: true})
		m.logger.Info("server process restarted",
			"attempt", attempt,
			"server", info.Name)
		return
	}

	m.logger.Error("restart budget exhausted; staying degraded",
		"attempts", m.restart.MaxAttempts)
}

// openSession dials, initializes, and wires the process watcher.
func (m *Manager) openSession(ctx context.Context) (*session, mcp.ServerInfo, error) {
	transport, err := m.dial(ctx)
	if err != nil {
		return nil, mcp.ServerInfo{}, err
	}

	client := mcp.NewClient(transport, m.clientOpts)
	initResult, err := client.Initialize(ctx)
	if err != nil {
		_ = transport.Close(context.Background())
		return nil, mcp.ServerInfo{}, err
	}

	sess := &session{
		client:    client,
		transport: transport,
		slot:      make(chan *session, 1),
		down:      make(chan struct{}),
	}
	sess.slot <- sess

	go m.watch(sess)
	return sess, initResult.ServerInfo, nil
}

// watch flags process exit that happens while no call is in flight.
func (m *Manager) watch(sess *session) {
	pt, ok := sess.transport.(processTransport)
	if !ok {
		return
	}
	select {
	case <-sess.down:
	case <-pt.Done():
		m.crash(sess, fmt.Errorf("%w: reported by process watcher", mcp.ErrProcessExited))
	}
}

func (m *Manager) observeCall(toolName, method string, started time.Time, err error) {
	m.observer.ObserveCall(CallObservation{
		Tool:       toolName,
		Method:     method,
		Success:    err == nil,
		ErrorCode:  ErrorCode(err),
		DurationMS: time.Since(started).Milliseconds(),
	})
}

func restartBackoff(policy RestartPolicy, attempt int) time.Duration {
	backoff := policy.BaseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= policy.MaxBackoff {
			return policy.MaxBackoff
		}
	}
	if backoff > policy.MaxBackoff {
		return policy.MaxBackoff
	}
	return backoff
}
