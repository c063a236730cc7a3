package tools

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"eda-agent/config"
	apperrors "eda-agent/errors"
	"eda-agent/prompts"

	"go.uber.org/zap"
)

// EOMToken terminates every request and response on the executor wire.
const EOMToken = "<|EOM|>"

// StatefulPythonTool talks to the Python executors. Every request carries
// the session id, so the executor keeps one interpreter (with its `df` and
// figures) per session. A session sticks to the executor that served it last.
type StatefulPythonTool struct {
	pool                      *executorPool
	logger                    *zap.Logger
	dialTimeout               time.Duration
	ioTimeout                 time.Duration
	sessionMu                 sync.RWMutex
	sessionAddr               map[string]string
	connPoolsMu               sync.RWMutex
	connPools                 map[string]*connPool
	maxConnectionsPerExecutor int
}

// NewStatefulPythonTool builds the executor client. An unreachable executor
// is logged, not fatal: calls retry it once its cooldown has passed.
func NewStatefulPythonTool(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*StatefulPythonTool, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	pool, err := newExecutorPool(cfg.PythonExecutorAddresses, cfg.PythonExecutorCooldownSeconds)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tool := &StatefulPythonTool{
		pool:                      pool,
		logger:                    logger,
		dialTimeout:               cfg.PythonExecutorDialTimeoutSeconds,
		ioTimeout:                 cfg.PythonExecutorIOTimeoutSeconds,
		sessionAddr:               make(map[string]string),
		connPools:                 make(map[string]*connPool),
		maxConnectionsPerExecutor: cfg.PythonExecutorMaxConnections,
	}
	if err := tool.checkConnectivity(ctx); err != nil {
		logger.Warn("No python executor reachable at startup", zap.Error(err))
	} else {
		logger.Info("Python tool initialized", zap.Strings("addresses", pool.Addresses()))
	}
	return tool, nil
}

func (t *StatefulPythonTool) getConnPool(address string) *connPool {
	t.connPoolsMu.RLock()
	pool := t.connPools[address]
	t.connPoolsMu.RUnlock()
	if pool != nil {
		return pool
	}

	t.connPoolsMu.Lock()
	defer t.connPoolsMu.Unlock()
	if pool = t.connPools[address]; pool == nil {
		pool = newConnPool(address, t.maxConnectionsPerExecutor, func(ctx context.Context) (net.Conn, error) {
			return t.dial(ctx, address)
		})
		t.connPools[address] = pool
	}
	return pool
}

func (t *StatefulPythonTool) checkConnectivity(ctx context.Context) error {
	var lastErr error
	for _, addr := range t.pool.Addresses() {
		cp := t.getConnPool(addr)
		conn, err := cp.Get(ctx)
		if err != nil {
			t.pool.MarkFailure(addr)
			lastErr = err
			t.logger.Warn("Initial executor health check failed", zap.String("address", addr), zap.Error(err))
			continue
		}
		cp.Put(conn)
		t.pool.MarkSuccess(addr)
		return nil
	}
	return fmt.Errorf("unable to reach any python executor: %w", lastErr)
}

func (t *StatefulPythonTool) dial(ctx context.Context, address string) (net.Conn, error) {
	d := &net.Dialer{Timeout: t.dialTimeout}
	return d.DialContext(ctx, "tcp", address)
}

func (t *StatefulPythonTool) execute(ctx context.Context, conn net.Conn, input string, sessionID string) (string, error) {
	// a zero deadline clears any deadline left on a pooled connection
	var deadline time.Time
	if t.ioTimeout > 0 {
		deadline = time.Now().Add(t.ioTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	payload := sessionID + "|" + input + EOMToken
	if _, err := conn.Write([]byte(payload)); err != nil {
		return "", fmt.Errorf("send code: %w", err)
	}

	reader := bufio.NewReader(conn)
	var b strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			b.Write(buf[:n])
			if s := b.String(); strings.Contains(s, EOMToken) {
				return strings.TrimSpace(strings.ReplaceAll(s, EOMToken, "")), nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", fmt.Errorf("read result: connection closed before %s", EOMToken)
			}
			return "", fmt.Errorf("read result: %w", err)
		}
	}
}

// InitializeSession loads file (relative to the session workspace) into the
// session's `df` using the given field delimiter.
func (t *StatefulPythonTool) InitializeSession(ctx context.Context, sessionID, file string, delimiter rune) (string, error) {
	code, err := prompts.SessionInit("", file, delimiter)
	if err != nil {
		return "", err
	}
	return t.Call(ctx, code, sessionID)
}

// ResetFigures closes every open matplotlib figure of the session.
func (t *StatefulPythonTool) ResetFigures(ctx context.Context, sessionID string) error {
	_, err := t.Call(ctx, prompts.FigureReset(), sessionID)
	return err
}

// CaptureFigure saves the session's current figure as file in the session
// workspace. It reports false when nothing was drawn.
func (t *StatefulPythonTool) CaptureFigure(ctx context.Context, sessionID, file string) (bool, error) {
	code, err := prompts.FigureCapture("", file)
	if err != nil {
		return false, err
	}
	out, err := t.Call(ctx, code, sessionID)
	if err != nil {
		return false, err
	}
	return strings.Contains(out, prompts.ChartSavedMarker), nil
}

// Call runs input in the session's interpreter and returns its output.
func (t *StatefulPythonTool) Call(ctx context.Context, input string, sessionID string) (string, error) {
	total := t.pool.Size()
	tried := make(map[string]struct{})

	// Try the previously assigned executor first, if any.
	if sessionID != "" {
		t.sessionMu.RLock()
		boundAddr, ok := t.sessionAddr[sessionID]
		t.sessionMu.RUnlock()
		if ok {
			result, err := t.callExecutor(ctx, boundAddr, input, sessionID)
			if err == nil {
				return result, nil
			}
			if ctx.Err() != nil {
				return "", err
			}
			tried[boundAddr] = struct{}{}
			t.sessionMu.Lock()
			delete(t.sessionAddr, sessionID)
			t.sessionMu.Unlock()
		}
	}

	var lastErr error
	for attempts := 0; attempts < total; attempts++ {
		addr, err := t.pool.Next()
		if err != nil {
			break
		}
		if _, seen := tried[addr]; seen {
			continue
		}
		tried[addr] = struct{}{}

		result, execErr := t.callExecutor(ctx, addr, input, sessionID)
		if execErr == nil {
			t.sessionMu.Lock()
			t.sessionAddr[sessionID] = addr
			t.sessionMu.Unlock()
			return result, nil
		}
		lastErr = execErr
		if ctx.Err() != nil {
			break
		}
	}

	if lastErr != nil {
		return "", apperrors.WrapErrorf(apperrors.ErrPythonExecution, "all python executors failed: %v", lastErr)
	}
	return "", apperrors.WrapError(apperrors.ErrServiceUnavailable, "no healthy python executors available")
}

func (t *StatefulPythonTool) callExecutor(ctx context.Context, addr, input, sessionID string) (string, error) {
	cp := t.getConnPool(addr)
	conn, err := cp.Get(ctx)
	if err != nil {
		t.pool.MarkFailure(addr)
		t.logger.Warn("Failed to connect to python executor", zap.String("address", addr), zap.Error(err))
		return "", fmt.Errorf("dial python server %s: %w", addr, err)
	}

	result, execErr := t.execute(ctx, conn, input, sessionID)
	if execErr != nil {
		cp.Discard(conn)
		t.pool.MarkFailure(addr)
		t.logger.Warn("Python executor call failed", zap.String("address", addr), zap.Error(execErr))
		return "", fmt.Errorf("executor %s: %w", addr, execErr)
	}

	cp.Put(conn)
	t.pool.MarkSuccess(addr)
	t.logger.Debug("Python code executed", zap.String("address", addr), zap.String("session_id", sessionID))
	return result, nil
}

func (t *StatefulPythonTool) Close() {
	t.connPoolsMu.Lock()
	defer t.connPoolsMu.Unlock()
	for addr, pool := range t.connPools {
		pool.Close()
		delete(t.connPools, addr)
	}
}

// CleanupSession removes the session binding from the executor pool
func (t *StatefulPythonTool) CleanupSession(sessionID string) {
	t.sessionMu.Lock()
	delete(t.sessionAddr, sessionID)
	t.sessionMu.Unlock()
	t.logger.Info("Python session cleaned up", zap.String("session_id", sessionID))
}

// ExecutePythonCode runs the first Python block found in text. ok is false
// when text contains no code. Execution failures are returned as output
// prefixed with "Error:" so the model can react to them.
func (t *StatefulPythonTool) ExecutePythonCode(ctx context.Context, text string, sessionID string) (code string, output string, ok bool) {
	code = ExtractCode(text)
	if code == "" {
		return "", "", false
	}

	// Log execution without full code (which could contain sensitive data)
	t.logger.Info("Executing Python code",
		zap.String("session_id", sessionID),
		zap.Int("code_lines", strings.Count(code, "\n")+1))

	result, err := t.Call(ctx, code, sessionID)
	if err != nil {
		t.logger.Error("Error executing Python code", zap.Error(err), zap.String("session_id", sessionID))
		return code, "Error: " + err.Error(), true
	}
	if t.logger.Core().Enabled(zap.DebugLevel) {
		t.logger.Debug("Python code executed successfully",
			zap.String("session_id", sessionID),
			zap.String("result_preview", sanitizeLogOutput(result, 100)))
	}
	return code, result, true
}

// sanitizeLogOutput truncates and removes potentially sensitive patterns from log output
func sanitizeLogOutput(s string, maxLen int) string {
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	sensitive := []string{
		"password", "passwd", "pwd",
		"token", "api_key", "apikey", "secret",
		"credentials", "auth",
	}
	lower := strings.ToLower(s)
	for _, pattern := range sensitive {
		if strings.Contains(lower, pattern) {
			return "[Output contains potentially sensitive data - not logged]"
		}
	}
	return s
}
