package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petal-labs/toolgate/mcp"
)

// fakeTransport is a scripted in-memory MCP server. The handler decides
// the response to each request; returning a nil message and non-nil error
// delivers the error through Receive, and a nil message with nil error
// leaves the caller waiting (used to provoke timeouts).
type fakeTransport struct {
	mu      sync.Mutex
	handler func(req mcp.Message) (*mcp.Message, error)
	respCh  chan mcp.Message
	errCh   chan error
	done    chan struct{}
	closed  bool
}

func newFakeTransport(handler func(req mcp.Message) (*mcp.Message, error)) *fakeTransport {
	return &fakeTransport{
		handler: handler,
		respCh:  make(chan mcp.Message, 16),
		errCh:   make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (f *fakeTransport) Send(ctx context.Context, message mcp.Message) error {
	if message.ID == 0 {
		return nil
	}
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		return nil
	}
	resp, err := handler(message)
	if err != nil {
		select {
		case f.errCh <- err:
		default:
		}
		return nil
	}
	if resp != nil {
		f.respCh <- *resp
	}
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) (mcp.Message, error) {
	select {
	case <-ctx.Done():
		return mcp.Message{}, ctx.Err()
	case err := <-f.errCh:
		return mcp.Message{}, err
	case message := <-f.respCh:
		return message, nil
	}
}

func (f *fakeTransport) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Done() <-chan struct{} {
	return f.done
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func respondTo(req mcp.Message, result any) *mcp.Message {
	data, err := json.Marshal(result)
	if err != nil {
		panic(err)
	}
	return &mcp.Message{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  data,
	}
}

// healthyHandler answers initialize, tools/list, and tools/call the way a
// well-behaved server process would.
func healthyHandler(req mcp.Message) (*mcp.Message, error) {
	switch req.Method {
	case "initialize":
		return respondTo(req, mcp.InitializeResult{
			ProtocolVersion: "2025-06-18",
			ServerInfo:      mcp.ServerInfo{Name: "fake-tool-server", Version: "1.0.0"},
		}), nil
	case "tools/list":
		return respondTo(req, mcp.ToolsListResult{
			Tools: []mcp.Tool{{Name: "search_documents"}},
		}), nil
	case "tools/call":
		return respondTo(req, mcp.ToolsCallResult{
			Content: []mcp.ContentBlock{{Type: "text", Text: "ok"}},
		}), nil
	}
	return nil, fmt.Errorf("unexpected method %s", req.Method)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startManager(t *testing.T, dial Dialer, cfg Config) *Manager {
	t.Helper()
	cfg.Dial = dial
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Close(closeCtx)
	})
	return m
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.Snapshot().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.Snapshot().State, want)
}

// waitForRestarts waits until the manager has recovered from at least
// want crashes. Unlike waitForState it cannot be satisfied by the state
// the manager was already in before the crash propagated.
func waitForRestarts(t *testing.T, m *Manager, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := m.Snapshot()
		if snap.Restarts >= want && snap.State == StateReady {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap := m.Snapshot()
	t.Fatalf("restarts = %d (state %s), want %d and %s", snap.Restarts, snap.State, want, StateReady)
}

func TestManagerStartAndCallTool(t *testing.T) {
	transport := newFakeTransport(healthyHandler)
	m := startManager(t, func(ctx context.Context) (mcp.Transport, error) {
		return transport, nil
	}, Config{})

	snap := m.Snapshot()
	if snap.State != StateReady {
		t.Fatalf("state = %s, want %s", snap.State, StateReady)
	}
	if snap.ServerInfo.Name != "fake-tool-server" {
		t.Fatalf("ServerInfo.Name = %q, want fake-tool-server", snap.ServerInfo.Name)
	}

	result, err := m.CallTool(context.Background(), mcp.ToolsCallParams{Name: "search_documents"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "ok" {
		t.Fatalf("Content = %+v, want one text block", result.Content)
	}
}

func TestManagerRejectsEmptyToolName(t *testing.T) {
	transport := newFakeTransport(healthyHandler)
	m := startManager(t, func(ctx context.Context) (mcp.Transport, error) {
		return transport, nil
	}, Config{})

	_, err := m.CallTool(context.Background(), mcp.ToolsCallParams{Name: "  "})
	if ErrorCode(err) != CodeInvalidRequest {
		t.Fatalf("ErrorCode(err) = %q, want %q (err = %v)", ErrorCode(err), CodeInvalidRequest, err)
	}
}

func TestManagerRejectsCallsBeforeStart(t *testing.T) {
	m, err := NewManager(Config{
		Dial: func(ctx context.Context) (mcp.Transport, error) {
			return newFakeTransport(healthyHandler), nil
		},
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	_, err = m.CallTool(context.Background(), mcp.ToolsCallParams{Name: "search_documents"})
	if ErrorCode(err) != CodeUnavailable {
		t.Fatalf("ErrorCode(err) = %q, want %q (err = %v)", ErrorCode(err), CodeUnavailable, err)
	}
}

func TestManagerRestartsAfterCrash(t *testing.T) {
	var dials int32
	crashing := newFakeTransport(func(req mcp.Message) (*mcp.Message, error) {
		if req.Method == "tools/call" {
			return nil, fmt.Errorf("%w: broken pipe", mcp.ErrProcessExited)
		}
		return healthyHandler(req)
	})
	replacement := newFakeTransport(healthyHandler)

	m := startManager(t, func(ctx context.Context) (mcp.Transport, error) {
		if atomic.AddInt32(&dials, 1) == 1 {
			return crashing, nil
		}
		return replacement, nil
	}, Config{
		Restart: RestartPolicy{BaseBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond, MaxAttempts: 3},
	})

	_, err := m.CallTool(context.Background(), mcp.ToolsCallParams{Name: "search_documents"})
	if ErrorCode(err) != CodeUnavailable {
		t.Fatalf("ErrorCode(err) = %q, want %q (err = %v)", ErrorCode(err), CodeUnavailable, err)
	}
	if !crashing.isClosed() {
		t.Fatal("crashed transport was not closed")
	}

	waitForState(t, m, StateReady)
	snap := m.Snapshot()
	if snap.Restarts != 1 {
		t.Fatalf("Restarts = %d, want 1", snap.Restarts)
	}

	result, err := m.CallTool(context.Background(), mcp.ToolsCallParams{Name: "search_documents"})
	if err != nil {
		t.Fatalf("CallTool() after restart error = %v", err)
	}
	if len(result.Content) != 1 {
		t.Fatalf("len(Content) = %d, want 1", len(result.Content))
	}
}

func TestManagerCrashFromProcessWatcher(t *testing.T) {
	var dials int32
	first := newFakeTransport(healthyHandler)
	second := newFakeTransport(healthyHandler)

	m := startManager(t, func(ctx context.Context) (mcp.Transport, error) {
		if atomic.AddInt32(&dials, 1) == 1 {
			return first, nil
		}
		return second, nil
	}, Config{
		Restart: RestartPolicy{BaseBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond, MaxAttempts: 3},
	})

	// Process dies while idle; the watcher must notice without a call.
	close(first.done)

	// The state is still ready until the watcher propagates the crash,
	// so wait for the recovery itself rather than for the ready state.
	waitForRestarts(t, m, 1)
}

func TestManagerProtocolFailure(t *testing.T) {
	var dials int32
	garbling := newFakeTransport(func(req mcp.Message) (*mcp.Message, error) {
		if req.Method == "tools/call" {
			return nil, fmt.Errorf("%w: decode response", mcp.ErrMalformedOutput)
		}
		return healthyHandler(req)
	})

	m := startManager(t, func(ctx context.Context) (mcp.Transport, error) {
		if atomic.AddInt32(&dials, 1) == 1 {
			return garbling, nil
		}
		return newFakeTransport(healthyHandler), nil
	}, Config{
		Restart: RestartPolicy{BaseBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond, MaxAttempts: 3},
	})

	_, err := m.CallTool(context.Background(), mcp.ToolsCallParams{Name: "search_documents"})
	if ErrorCode(err) != CodeProtocol {
		t.Fatalf("ErrorCode(err) = %q, want %q (err = %v)", ErrorCode(err), CodeProtocol, err)
	}

	// Malformed framing is a crash: the process gets replaced.
	waitForState(t, m, StateReady)
}

func TestManagerTimeoutLeavesProcessRunning(t *testing.T) {
	var calls int32
	var staleID int64
	transport := newFakeTransport(nil)
	transport.handler = func(req mcp.Message) (*mcp.Message, error) {
		if req.Method != "tools/call" {
			return healthyHandler(req)
		}
		if atomic.AddInt32(&calls, 1) == 1 {
			// Never answer the first call.
			atomic.StoreInt64(&staleID, req.ID)
			return nil, nil
		}
		return respondTo(req, mcp.ToolsCallResult{
			Content: []mcp.ContentBlock{{Type: "text", Text: "second"}},
		}), nil
	}

	var dials int32
	m := startManager(t, func(ctx context.Context) (mcp.Transport, error) {
		atomic.AddInt32(&dials, 1)
		return transport, nil
	}, Config{
		CallTimeout: 50 * time.Millisecond,
	})

	_, err := m.CallTool(context.Background(), mcp.ToolsCallParams{Name: "search_documents"})
	if ErrorCode(err) != CodeTimeout {
		t.Fatalf("ErrorCode(err) = %q, want %q (err = %v)", ErrorCode(err), CodeTimeout, err)
	}

	// Timeout must not kill or replace the process.
	if got := m.Snapshot().State; got != StateReady {
		t.Fatalf("state after timeout = %s, want %s", got, StateReady)
	}
	if atomic.LoadInt32(&dials) != 1 {
		t.Fatalf("dials = %d, want 1", dials)
	}

	// The answer to the abandoned call arrives late; the next call must
	// skip it and still get its own result.
	transport.respCh <- mcp.Message{
		JSONRPC: "2.0",
		ID:      atomic.LoadInt64(&staleID),
		Result:  json.RawMessage(`{"content":[{"type":"text","text":"stale"}]}`),
	}

	result, err := m.CallTool(context.Background(), mcp.ToolsCallParams{Name: "search_documents"})
	if err != nil {
		t.Fatalf("CallTool() after timeout error = %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "second" {
		t.Fatalf("Content = %+v, want the non-stale result", result.Content)
	}
}

func TestManagerUpstreamErrorKeepsSession(t *testing.T) {
	var dials int32
	transport := newFakeTransport(func(req mcp.Message) (*mcp.Message, error) {
		if req.Method == "tools/call" {
			return &mcp.Message{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error:   &mcp.RPCError{Code: -32602, Message: "unknown tool"},
			}, nil
		}
		return healthyHandler(req)
	})

	m := startManager(t, func(ctx context.Context) (mcp.Transport, error) {
		atomic.AddInt32(&dials, 1)
		return transport, nil
	}, Config{})

	_, err := m.CallTool(context.Background(), mcp.ToolsCallParams{Name: "missing_tool"})
	if ErrorCode(err) != CodeUpstream {
		t.Fatalf("ErrorCode(err) = %q, want %q (err = %v)", ErrorCode(err), CodeUpstream, err)
	}
	if got := m.Snapshot().State; got != StateReady {
		t.Fatalf("state = %s, want %s", got, StateReady)
	}
	if atomic.LoadInt32(&dials) != 1 {
		t.Fatalf("dials = %d, want 1", dials)
	}
}

func TestManagerRestartBudgetExhausted(t *testing.T) {
	var dials int32
	first := newFakeTransport(healthyHandler)

	m := startManager(t, func(ctx context.Context) (mcp.Transport, error) {
		if atomic.AddInt32(&dials, 1) == 1 {
			return first, nil
		}
		return nil, errors.New("spawn failed")
	}, Config{
		Restart: RestartPolicy{BaseBackoff: 2 * time.Millisecond, MaxBackoff: 5 * time.Millisecond, MaxAttempts: 2},
	})

	close(first.done)
	waitForState(t, m, StateDegraded)

	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&dials) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&dials); got != 3 {
		t.Fatalf("dials = %d, want 3 (initial + budget of 2)", got)
	}

	// Budget spent: the manager stays degraded and keeps rejecting calls.
	time.Sleep(20 * time.Millisecond)
	if got := m.Snapshot().State; got != StateDegraded {
		t.Fatalf("state = %s, want %s", got, StateDegraded)
	}
	_, err := m.CallTool(context.Background(), mcp.ToolsCallParams{Name: "search_documents"})
	if ErrorCode(err) != CodeUnavailable {
		t.Fatalf("ErrorCode(err) = %q, want %q (err = %v)", ErrorCode(err), CodeUnavailable, err)
	}
}

func TestManagerSerializesCalls(t *testing.T) {
	var inFlight int32
	var overlapped int32
	transport := newFakeTransport(func(req mcp.Message) (*mcp.Message, error) {
		if req.Method != "tools/call" {
			return healthyHandler(req)
		}
		if atomic.AddInt32(&inFlight, 1) > 1 {
			atomic.StoreInt32(&overlapped, 1)
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return respondTo(req, mcp.ToolsCallResult{
			Content: []mcp.ContentBlock{{Type: "text", Text: "ok"}},
		}), nil
	})

	m := startManager(t, func(ctx context.Context) (mcp.Transport, error) {
		return transport, nil
	}, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.CallTool(context.Background(), mcp.ToolsCallParams{Name: "search_documents"}); err != nil {
				t.Errorf("CallTool() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&overlapped) == 1 {
		t.Fatal("two calls reached the server process concurrently")
	}
}

func TestManagerClose(t *testing.T) {
	transport := newFakeTransport(healthyHandler)
	m := startManager(t, func(ctx context.Context) (mcp.Transport, error) {
		return transport, nil
	}, Config{})

	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !transport.isClosed() {
		t.Fatal("transport was not closed")
	}

	_, err := m.CallTool(context.Background(), mcp.ToolsCallParams{Name: "search_documents"})
	if ErrorCode(err) != CodeUnavailable {
		t.Fatalf("ErrorCode(err) = %q, want %q (err = %v)", ErrorCode(err), CodeUnavailable, err)
	}
}

func TestRestartBackoffProgression(t *testing.T) {
	policy := RestartPolicy{
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  8 * time.Second,
		MaxAttempts: 5,
	}
	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
	}
	for i, expected := range want {
		if got := restartBackoff(policy, i+1); got != expected {
			t.Fatalf("restartBackoff(attempt=%d) = %s, want %s", i+1, got, expected)
		}
	}
	// Past the cap the backoff stays pinned.
	if got := restartBackoff(policy, 9); got != policy.MaxBackoff {
		t.Fatalf("restartBackoff(attempt=9) = %s, want %s", got, policy.MaxBackoff)
	}
}
