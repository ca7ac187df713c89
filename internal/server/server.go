// Package server implements the tunnel listening loop: it accepts framed
// connections, opens the sealed payload, filters and forwards the
// reconstructed request, and replies with the sealed response.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"cloak-proxy/internal/client"
	"cloak-proxy/internal/config"
	"cloak-proxy/internal/filter"
	"cloak-proxy/internal/metrics"
	"cloak-proxy/internal/model"
	"cloak-proxy/internal/seal"
	"cloak-proxy/internal/wire"
)

// Forwarder issues a reconstructed request against the real upstream.
type Forwarder interface {
	Forward(ctx context.Context, rd *model.RequestDescriptor) (*model.ResponseDescriptor, error)
}

// TunnelServer accepts tunnel connections and runs one worker per
// connection. Workers share only read-only state: the seal engine, the
// filter set, and configuration loaded at startup.
type TunnelServer struct {
	cfg       *config.Config
	logger    *slog.Logger
	engine    *seal.Engine
	codec     wire.Codec
	filters   *filter.Set
	forwarder Forwarder
	metrics   *metrics.Metrics

	readTimeout     time.Duration
	writeTimeout    time.Duration
	upstreamTimeout time.Duration
	sem             chan struct{}
	limiter         *rate.Limiter
}

// New creates a TunnelServer. The metrics parameter is optional; pass nil
// to disable tunnel metrics recording.
func New(cfg *config.Config, logger *slog.Logger, engine *seal.Engine, filters *filter.Set, forwarder Forwarder, m *metrics.Metrics) *TunnelServer {
	var limiter *rate.Limiter
	if cfg.Server.AcceptPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Server.AcceptPerSecond), cfg.Server.MaxConns)
	}
	return &TunnelServer{
		cfg:             cfg,
		logger:          logger.With("component", "tunnel_server"),
		engine:          engine,
		codec:           wire.NewCodec(uint32(cfg.Server.MaxFrameBytes)),
		filters:         filters,
		forwarder:       forwarder,
		metrics:         m,
		readTimeout:     time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		writeTimeout:    time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		upstreamTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		sem:             make(chan struct{}, cfg.Server.MaxConns),
		limiter:         limiter,
	}
}

// Serve accepts connections on ln until ctx is cancelled. Each accepted
// connection runs in its own goroutine, bounded by the connection
// semaphore and the accept rate limiter.
func (s *TunnelServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		conn, err := ln.Accept()
		if err != nil {
			<-s.sem
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("accept failed", "err", err)
			continue
		}

		go func() {
			defer func() { <-s.sem }()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn runs one request/response exchange and closes the connection.
//
// Failure policy by stage: framing and authentication failures close the
// connection without a response (no trust established, no oracle);
// failures after successful decryption produce a best-effort sealed error
// response.
func (s *TunnelServer) handleConn(ctx context.Context, conn net.Conn) {
	start := time.Now()
	stage := StageAccepted
	result := "ok"

	if s.metrics != nil {
		s.metrics.ConnectionsInFlight.Inc()
	}
	defer func() {
		_ = conn.Close()
		if s.metrics != nil {
			s.metrics.ConnectionsInFlight.Dec()
			s.metrics.ExchangesTotal.WithLabelValues(result).Inc()
			s.metrics.ExchangeDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	envelope, err := s.codec.ReadFrame(conn)
	if err != nil {
		result = "framing_error"
		s.logger.Warn("rejecting connection",
			"stage", stage.String(),
			"remote", conn.RemoteAddr().String(),
			"err", err,
		)
		return
	}
	stage = StageFrameRead

	// The protocol carries exactly one frame per direction. Any further
	// read completes only when the client closes the connection (or
	// violates the protocol); either way the exchange is dead, so the
	// sentinel read doubles as disconnect detection and cancels the
	// in-flight upstream call.
	_ = conn.SetReadDeadline(time.Time{})
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
		cancel()
	}()

	stage = StageDecrypting
	plaintext, err := s.engine.Open(envelope.Payload)
	if err != nil {
		// Closed without detail: no authenticated channel exists to
		// safely report the failure, and a response would be an oracle.
		result = "auth_error"
		s.logger.Warn("rejecting connection",
			"stage", stage.String(),
			"remote", conn.RemoteAddr().String(),
			"err", err,
		)
		return
	}

	var response *model.ResponseDescriptor
	rd, err := wire.UnmarshalRequest(plaintext)
	if err != nil {
		result = "malformed_request"
		response = proxyFault(http.StatusBadRequest, "malformed request descriptor")
	} else {
		stage = StageFiltering
		rd.Headers = s.filters.Request.Apply(rd.Headers)

		stage = StageForwarding
		response, result = s.forward(connCtx, rd)
	}

	stage = StageReEncrypting
	response.Headers = s.filters.Response.Apply(response.Headers)
	responsePlaintext, err := wire.MarshalResponse(response)
	if err != nil {
		result = "encode_error"
		s.logger.Error("encode response failed", "stage", stage.String(), "err", err)
		return
	}
	sealed, err := s.engine.Seal(responsePlaintext)
	if err != nil {
		result = "seal_error"
		s.logger.Error("seal response failed", "stage", stage.String(), "err", err)
		return
	}

	stage = StageResponding
	_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.codec.WriteFrame(conn, &wire.Envelope{
		Destination: envelope.Destination,
		Payload:     sealed,
	}); err != nil {
		result = "write_error"
		s.logger.Warn("write response failed",
			"stage", stage.String(),
			"remote", conn.RemoteAddr().String(),
			"err", err,
		)
		return
	}

	stage = StageClosed
	s.logger.Info("exchange complete",
		"stage", stage.String(),
		"result", result,
		"remote", conn.RemoteAddr().String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// forward runs the upstream call with a bounded timeout and maps failures
// to a sealed proxy-fault response. Upstream application errors (any HTTP
// status) pass through untouched.
func (s *TunnelServer) forward(ctx context.Context, rd *model.RequestDescriptor) (*model.ResponseDescriptor, string) {
	forwardCtx, cancel := context.WithTimeout(ctx, s.upstreamTimeout)
	defer cancel()

	s.logger.Debug("forwarding request", "method", rd.Method)

	response, err := s.forwarder.Forward(forwardCtx, rd)
	if err == nil {
		return response, "ok"
	}

	var forwardErr *client.ForwardError
	if errors.As(err, &forwardErr) {
		s.logger.Warn("forward failed", "reason", forwardErr.Reason())
		return proxyFault(http.StatusBadGateway, forwardErr.Reason()), "forward_error"
	}

	// Descriptor validation failure: the payload authenticated, so the
	// client is trusted; report the reason without echoing the URL.
	s.logger.Warn("invalid request descriptor")
	return proxyFault(http.StatusBadRequest, "invalid request descriptor"), "invalid_request"
}

// proxyFault builds a response descriptor marking a proxy-level failure,
// distinguishable from any upstream application error.
func proxyFault(status int, reason string) *model.ResponseDescriptor {
	return &model.ResponseDescriptor{
		StatusCode: status,
		Headers:    model.Headers{},
		ProxyError: reason,
	}
}
