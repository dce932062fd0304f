// Package server implements the Shiken job server: a blocking TCP accept
// loop that serves exactly one connection at a time.
//
// Each connection carries one JSON request (parameter name → number) and
// receives one JSON response ({"Strain": [...], "Stress": [...], ...}),
// after which the server closes it and returns to Accept. The next
// connection is not accepted until the previous one is fully serviced.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/shiken/internal/ctxutil"
	"github.com/ashita-ai/shiken/internal/model"
	"github.com/ashita-ai/shiken/internal/telemetry"
)

// AckToken is written after a request decodes, before the simulation
// starts, so a client can tell "accepted and computing" from "unreachable".
const AckToken = "ACK_RECEIVED"

// drainTimeout bounds how long a closing connection waits for the client
// to stop sending.
const drainTimeout = time.Second

// Runner executes one simulation.
type Runner interface {
	Run(ctx context.Context, params model.ParameterSet) (model.SimulationResult, model.SessionInfo)
}

// Config holds the server's dependencies and settings.
type Config struct {
	// Required dependencies.
	Runner Runner
	Logger *slog.Logger

	// SendAck writes AckToken once the request decodes.
	SendAck bool
	// MaxRequestBytes caps the request payload. Default: 1 MiB.
	MaxRequestBytes int64
	// ReadTimeout bounds how long a client may take to deliver its request.
	// It never applies to the simulation or the response. Zero disables it.
	ReadTimeout time.Duration
}

// Server is the job server.
type Server struct {
	runner      Runner
	logger      *slog.Logger
	sendAck     bool
	maxBytes    int64
	readTimeout time.Duration

	connections metric.Int64Counter
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("server: runner is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = 1 << 20
	}
	counter, _ := telemetry.Meter("shiken/server").Int64Counter("shiken.server.connections",
		metric.WithDescription("Connections served by outcome"),
	)
	return &Server{
		runner:      cfg.Runner,
		logger:      cfg.Logger,
		sendAck:     cfg.SendAck,
		maxBytes:    cfg.MaxRequestBytes,
		readTimeout: cfg.ReadTimeout,
		connections: counter,
	}, nil
}

// Listen binds addr. The returned listener is owned by the caller until it
// is passed to Serve.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return ln, nil
}

// Serve runs the accept loop on ln until ctx is cancelled or Accept fails.
// Cancellation closes the listener and returns nil; any other Accept error
// is returned and is fatal to the server. Serve always closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer func() { _ = ln.Close() }()

	s.logger.Info("server: listening", "addr", ln.Addr().String())
	for {
		s.logger.Debug("server: waiting for a client connection")
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("server: shutting down")
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		s.handle(ctx, conn)
	}
}

// outcome labels the connection counter.
type outcome string

const (
	outcomeServed    outcome = "served"
	outcomeMalformed outcome = "malformed"
	outcomeEmpty     outcome = "empty"
	outcomeWriteFail outcome = "write_failed"
)

// handle services one connection to completion and closes it.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	logger := s.logger.With("remote", remote)
	defer s.closeConn(conn)
	logger.Info("server: accepted connection")

	params, err := s.readRequest(conn)
	if err != nil {
		if errors.Is(err, io.EOF) {
			logger.Info("server: connection closed without data")
			s.count(ctx, outcomeEmpty)
			return
		}
		logger.Warn("server: malformed request", "error", err)
		s.count(ctx, outcomeMalformed)
		// Best effort: the client may already be gone.
		_ = s.writeResult(conn, model.FailureResult(err.Error()))
		return
	}
	logger.Info("server: received parameters", "params", map[string]float64(params))

	if s.sendAck {
		if _, err := conn.Write([]byte(AckToken)); err != nil {
			// Still run: the response write decides whether the client
			// is really gone, and a result is owed for a decoded request.
			logger.Warn("server: acknowledgement failed", "error", err)
		}
	}

	// Shutdown waits for the current run; it does not abort it.
	result, info := s.runner.Run(context.WithoutCancel(ctxutil.WithRemoteAddr(ctx, remote)), params)
	logger = logger.With("session_id", info.ID.String())

	if err := s.writeResult(conn, result); err != nil {
		logger.Error("server: write result failed", "error", err)
		s.count(ctx, outcomeWriteFail)
		return
	}
	logger.Info("server: results sent", "status", string(result.Status), "samples", len(result.Strain))
	s.count(ctx, outcomeServed)
}

// readRequest accumulates bytes until one complete JSON value has arrived.
// A request may span any number of reads. Bytes after the value are ignored.
func (s *Server) readRequest(conn net.Conn) (model.ParameterSet, error) {
	if s.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	}
	lr := &io.LimitedReader{R: conn, N: s.maxBytes}
	dec := json.NewDecoder(lr)
	var params model.ParameterSet
	if err := dec.Decode(&params); err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return nil, io.EOF
		case lr.N <= 0:
			return nil, fmt.Errorf("%w: request exceeds %d bytes", model.ErrMalformedRequest, s.maxBytes)
		case errors.Is(err, model.ErrMalformedRequest):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", model.ErrMalformedRequest, err)
		}
	}
	if params == nil {
		return nil, fmt.Errorf("%w: payload must be a JSON object", model.ErrMalformedRequest)
	}
	return params, nil
}

func (s *Server) writeResult(conn net.Conn, result model.SimulationResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("server: encode result: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("server: write result: %w", err)
	}
	return nil
}

// closeConn half-closes the connection so the client reads the end of the
// response, then discards any input still in flight before closing.
// Closing with unread input resets the connection and can drop the response.
func (s *Server) closeConn(conn net.Conn) {
	if hc, ok := conn.(interface{ CloseWrite() error }); ok && hc.CloseWrite() == nil {
		_ = conn.SetReadDeadline(time.Now().Add(drainTimeout))
		_, _ = io.Copy(io.Discard, conn)
	}
	_ = conn.Close()
}

func (s *Server) count(ctx context.Context, o outcome) {
	s.connections.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(o))))
}
