// Package client submits parameter sets to Shiken job servers.
//
// A server serves one client at a time, so the client walks a list of
// servers: a server that refuses, times out before acknowledging, or
// replies with something other than the acknowledgement is skipped. Once a
// server acknowledges, the client waits without a deadline for the result,
// since a simulation can take arbitrarily long.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/ashita-ai/shiken/internal/model"
	"github.com/ashita-ai/shiken/internal/server"
)

// ErrNoServer is returned when every configured server failed.
var ErrNoServer = errors.New("client: no server accepted the job")

// Config holds the settings needed to construct a Client.
type Config struct {
	// Servers are host:port addresses tried in order. Required.
	Servers []string
	// ConnectTimeout bounds dialing and waiting for the acknowledgement.
	// Defaults to 10 seconds.
	ConnectTimeout time.Duration
	// ExpectAck waits for the acknowledgement token before the result.
	ExpectAck bool
	Logger    *slog.Logger
}

// Client submits jobs.
type Client struct {
	servers        []string
	connectTimeout time.Duration
	expectAck      bool
	logger         *slog.Logger
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("client: at least one server is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		servers:        cfg.Servers,
		connectTimeout: cfg.ConnectTimeout,
		expectAck:      cfg.ExpectAck,
		logger:         cfg.Logger,
	}, nil
}

// Submit sends params to the first server that accepts them and returns its
// result. A failure result from the server is returned as-is with a nil
// error; err is non-nil only when no server produced a result.
func (c *Client) Submit(ctx context.Context, params model.ParameterSet) (model.SimulationResult, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return model.SimulationResult{}, fmt.Errorf("client: encode parameters: %w", err)
	}
	var errs []error
	for _, addr := range c.servers {
		if err := ctx.Err(); err != nil {
			return model.SimulationResult{}, err
		}
		res, err := c.submitTo(ctx, addr, payload)
		if err == nil {
			return res, nil
		}
		c.logger.Warn("client: server unavailable, trying next", "addr", addr, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", addr, err))
	}
	return model.SimulationResult{}, fmt.Errorf("%w: %w", ErrNoServer, errors.Join(errs...))
}

func (c *Client) submitTo(ctx context.Context, addr string, payload []byte) (model.SimulationResult, error) {
	d := net.Dialer{Timeout: c.connectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return model.SimulationResult{}, err
	}
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	c.logger.Debug("client: connected", "addr", addr)
	_ = conn.SetDeadline(time.Now().Add(c.connectTimeout))
	if _, err := conn.Write(payload); err != nil {
		return model.SimulationResult{}, fmt.Errorf("send parameters: %w", err)
	}

	var head []byte
	if c.expectAck {
		if head, err = readAck(conn); err != nil {
			return model.SimulationResult{}, err
		}
		if head == nil {
			c.logger.Info("client: server acknowledged, computing", "addr", addr)
		} else {
			c.logger.Info("client: server answered without acknowledgement", "addr", addr)
		}
	}

	// No deadline while the simulation runs.
	_ = conn.SetDeadline(time.Time{})
	if err := ctx.Err(); err != nil {
		return model.SimulationResult{}, err
	}
	data, err := io.ReadAll(conn)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return model.SimulationResult{}, ctxErr
		}
		return model.SimulationResult{}, fmt.Errorf("read result: %w", err)
	}
	data = append(head, data...)

	var res model.SimulationResult
	if err := json.Unmarshal(data, &res); err != nil {
		return model.SimulationResult{}, fmt.Errorf("decode result: %w", err)
	}
	if len(res.Strain) != len(res.Stress) {
		return model.SimulationResult{}, fmt.Errorf("decode result: %d strain values but %d stress values", len(res.Strain), len(res.Stress))
	}
	if res.Status == "" {
		// Older servers only send the two series; an empty curve is a
		// failed run.
		res.Status = model.ResultSuccess
		if len(res.Strain) == 0 {
			res.Status = model.ResultFailure
		}
	}
	return res, nil
}

// readAck reads the acknowledgement token. A server that rejects the
// request answers with a result object instead; the bytes already read are
// then returned as the start of that result. Any other reply is an error.
func readAck(conn net.Conn) ([]byte, error) {
	token := []byte(server.AckToken)
	buf := make([]byte, len(token))
	n, err := io.ReadFull(conn, buf)
	if n > 0 && !bytes.Equal(buf[:n], token[:n]) {
		if buf[0] == '{' {
			return buf[:n], nil
		}
		return nil, fmt.Errorf("unexpected reply %q", buf[:n])
	}
	if err != nil {
		return nil, fmt.Errorf("wait for acknowledgement: %w", err)
	}
	return nil, nil
}
