package pfc

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBridge answers each command line with reply(cmd) and records it.
func fakeBridge(t *testing.T, reply func(cmd string) string) (addr string, got <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	cmds := make(chan string, 64)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			cmds <- sc.Text()
			if _, err := conn.Write([]byte(reply(sc.Text()) + "\n")); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String(), cmds
}

func TestBridgeCommander_OK(t *testing.T) {
	addr, got := fakeBridge(t, func(string) string { return "ok" })
	b, err := Dial(context.Background(), addr, 0, 0, slog.Default())
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	require.NoError(t, b.Command(context.Background(), "model new"))
	assert.Equal(t, "model new", <-got)
}

func TestBridgeCommander_Rejected(t *testing.T) {
	addr, _ := fakeBridge(t, func(cmd string) string {
		if strings.HasPrefix(cmd, "model solve") {
			return "err ratio target not reached"
		}
		return "ok"
	})
	b, err := Dial(context.Background(), addr, 0, 0, slog.Default())
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	require.NoError(t, b.Command(context.Background(), "model new"))
	err = b.Command(context.Background(), "model solve ratio-average 1e-5")
	require.ErrorIs(t, err, ErrCommandRejected)
	assert.Contains(t, err.Error(), "ratio target not reached")
}

func TestBridgeCommander_UnexpectedReply(t *testing.T) {
	addr, _ := fakeBridge(t, func(string) string { return "maybe" })
	b, err := Dial(context.Background(), addr, 0, 0, slog.Default())
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	err = b.Command(context.Background(), "model new")
	assert.ErrorContains(t, err, "unexpected reply")
}

func TestBridgeCommander_RejectsLineBreaks(t *testing.T) {
	client, server := net.Pipe()
	defer func() { _ = client.Close(); _ = server.Close() }()
	b := NewBridgeCommander(client, slog.Default())
	assert.Error(t, b.Command(context.Background(), "model new\nmodel new"))
}

func TestBridgeCommander_CancelUnblocksWait(t *testing.T) {
	client, server := net.Pipe()
	defer func() { _ = client.Close(); _ = server.Close() }()
	// Drain the command but never reply.
	go func() {
		_, _ = bufio.NewReader(server).ReadString('\n')
	}()

	b := NewBridgeCommander(client, slog.Default())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := b.Command(ctx, "model solve fish-halt @loadhalt_wall")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDial_GivesUpAfterRetries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), addr, 2, time.Millisecond, slog.Default())
	assert.ErrorContains(t, err, "dial bridge")
}

func TestWithRetry(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_ExhaustsAndReturnsLastError(t *testing.T) {
	calls := 0
	last := errors.New("still down")
	err := withRetry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return last
	})
	assert.ErrorIs(t, err, last)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := withRetry(ctx, 5, time.Second, func() error { return errors.New("down") })
	assert.ErrorIs(t, err, context.Canceled)
}
