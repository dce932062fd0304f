package pfc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ashita-ai/shiken/internal/ctxutil"
)

// ErrCommandRejected is returned when PFC reports an error for a command.
var ErrCommandRejected = errors.New("pfc: command rejected")

// BridgeCommander sends commands over a persistent TCP connection to the
// bridge listener inside PFC.
type BridgeCommander struct {
	mu     sync.Mutex
	conn   net.Conn
	r      *bufio.Reader
	logger *slog.Logger
}

var _ Commander = (*BridgeCommander)(nil)

// Dial connects to the bridge, retrying up to maxRetries times with jittered
// exponential backoff starting at baseDelay. PFC is usually started by hand
// alongside the server, so the bridge may not be listening yet.
func Dial(ctx context.Context, addr string, maxRetries int, baseDelay time.Duration, logger *slog.Logger) (*BridgeCommander, error) {
	var d net.Dialer
	var conn net.Conn
	err := withRetry(ctx, maxRetries, baseDelay, func() error {
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			logger.Debug("pfc: bridge not reachable", "addr", addr, "error", err)
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pfc: dial bridge %s: %w", addr, err)
	}
	logger.Info("pfc: bridge connected", "addr", addr)
	return NewBridgeCommander(conn, logger), nil
}

// NewBridgeCommander wraps an established connection.
func NewBridgeCommander(conn net.Conn, logger *slog.Logger) *BridgeCommander {
	return &BridgeCommander{conn: conn, r: bufio.NewReader(conn), logger: logger}
}

// Command sends one command line and waits for its reply. The wait is
// bounded only by ctx: solver commands legitimately run for a long time.
func (b *BridgeCommander) Command(ctx context.Context, cmd string) error {
	if strings.ContainsAny(cmd, "\r\n") {
		return fmt.Errorf("pfc: command contains a line break")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = b.conn.SetDeadline(time.Now())
	})
	defer stop()

	b.logger.Debug("pfc: command", "cmd", cmd, "session_id", ctxutil.SessionIDFromContext(ctx).String())
	if _, err := b.conn.Write([]byte(cmd + "\n")); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("pfc: send: %w", err)
	}
	line, err := b.r.ReadString('\n')
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("pfc: read reply: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	switch {
	case line == "ok":
		return nil
	case strings.HasPrefix(line, "err"):
		return fmt.Errorf("%w: %s", ErrCommandRejected, strings.TrimSpace(strings.TrimPrefix(line, "err")))
	default:
		return fmt.Errorf("pfc: unexpected reply %q", line)
	}
}

// Close closes the bridge connection.
func (b *BridgeCommander) Close() error {
	return b.conn.Close()
}

// withRetry executes fn, retrying up to maxRetries times on any error.
// Retries use jittered exponential backoff starting at baseDelay.
func withRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(0)
		if baseDelay > 0 {
			jitter = time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}
