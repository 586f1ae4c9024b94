package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tern-io/tern/internal/breaker"
	"github.com/tern-io/tern/internal/logging"
	"github.com/tern-io/tern/internal/metrics"
)

// ServerConfig holds the TCP server configuration.
type ServerConfig struct {
	ListenAddr     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int
	// ReadChunkSize is the size of the per-connection read buffer.
	ReadChunkSize int
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":9400",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxMessageSize: DefaultMaxMessageSize,
		ReadChunkSize:  64 * 1024,
	}
}

// Server accepts connections and drives one Aggregator per connection,
// dispatching aggregated requests to registry handlers and writing the
// responses back on the same connection.
type Server struct {
	cfg      ServerConfig
	registry *Registry
	breaker  *breaker.Breaker
	logger   *logging.Logger
	metrics  *metrics.TransportMetrics
	listener net.Listener

	mu         sync.Mutex
	conns      map[net.Conn]struct{}
	stopping   atomic.Bool
	closed     atomic.Bool
	connWg     sync.WaitGroup
	inflightWg sync.WaitGroup
	requestMu  sync.Mutex
	connID     atomic.Int64
}

// NewServer creates a new Server with the given configuration, action
// registry, and shared breaker.
func NewServer(cfg ServerConfig, registry *Registry, brk *breaker.Breaker, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.ReadChunkSize <= 0 {
		cfg.ReadChunkSize = 64 * 1024
	}
	return &Server{
		cfg:      cfg,
		registry: registry,
		breaker:  brk,
		logger:   logger,
		conns:    make(map[net.Conn]struct{}),
	}
}

// WithMetrics sets the transport metrics for the server.
// Returns the server for method chaining.
func (s *Server) WithMetrics(m *metrics.TransportMetrics) *Server {
	s.metrics = m
	return s
}

// ListenAndServe starts the server on the configured address.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on the given listener.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Infof("transport listening", map[string]any{"addr": ln.Addr().String()})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.stopping.Load() || s.closed.Load() {
				return ErrServerClosed
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				s.logger.Warnf("temporary accept error", map[string]any{"error": err.Error()})
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept error: %w", err)
		}

		s.connWg.Add(1)
		go s.handleConn(conn)
	}
}

// Addr returns the listener's address, or nil if not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close shuts down the server immediately.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	s.requestMu.Lock()
	s.stopping.Store(true)
	s.requestMu.Unlock()

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.connWg.Wait()
	return nil
}

// StopAccepting stops accepting new connections and new messages on existing
// connections.
func (s *Server) StopAccepting() error {
	s.requestMu.Lock()
	if s.closed.Load() {
		s.requestMu.Unlock()
		return ErrServerClosed
	}
	if s.stopping.Load() {
		s.requestMu.Unlock()
		return nil
	}
	s.stopping.Store(true)
	s.requestMu.Unlock()

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	return nil
}

// Drain waits for in-flight requests to complete, then closes all
// connections.
func (s *Server) Drain(ctx context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	done := make(chan struct{})
	go func() {
		s.inflightWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.connWg.Wait()
	s.closed.Store(true)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// Shutdown stops accepting new connections, drains in-flight requests, and
// closes connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.StopAccepting(); err != nil {
		return err
	}
	return s.Drain(ctx)
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.connWg.Done()

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()
	defer conn.Close()

	connID := s.connID.Add(1)

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ConnectionOpened()
	}

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.ConnectionClosed()
		}
	}()

	logger := s.logger.With(map[string]any{
		"connId":     connID,
		"remoteAddr": conn.RemoteAddr().String(),
	})
	logger.Debug("connection accepted")

	cc := &connContext{
		server: s,
		conn:   conn,
		ctx:    connCtx,
		logger: logger,
	}

	agg := NewAggregator(s.breaker, s.registry, cc.dispatch).
		WithMetrics(s.metrics).
		WithMaxMessageSize(s.cfg.MaxMessageSize)
	defer agg.Close()

	buf := make([]byte, s.cfg.ReadChunkSize)
	var carry []byte

	for {
		if s.stopping.Load() || s.closed.Load() {
			return
		}

		if s.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}

		n, err := conn.Read(buf)
		if n > 0 {
			carry = append(carry, buf[:n]...)
			consumed, aggErr := agg.OnBytes(carry)
			carry = carry[consumed:]
			if aggErr != nil {
				logger.Warnf("tearing down connection", map[string]any{"error": aggErr.Error()})
				return
			}
			if cc.writeFailed {
				return
			}
		}
		if err != nil {
			if err == io.EOF || s.closed.Load() {
				logger.Debug("connection closed")
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Debug("read timeout")
				return
			}
			if isConnReset(err) {
				logger.Debug("connection reset by peer")
				return
			}
			logger.Warnf("read error", map[string]any{"error": err.Error()})
			return
		}
	}
}

// connContext carries per-connection dispatch state for the emit callback.
type connContext struct {
	server      *Server
	conn        net.Conn
	ctx         context.Context
	logger      *logging.Logger
	writeFailed bool
}

// dispatch handles one aggregated message: pings are echoed, handshakes
// answered with the local version, requests routed to their handler, and
// short-circuited messages answered with the recorded error.
func (c *connContext) dispatch(msg *Message) {
	defer msg.Release()
	s := c.server

	if msg.IsPing() {
		c.write(EncodePing())
		return
	}

	header := msg.Header()
	logger := c.logger.With(map[string]any{
		"correlationId": header.CorrelationID,
		"action":        header.Action,
		"kind":          header.Kind(),
	})

	if header.IsResponse() {
		// The server side never issues requests on inbound connections.
		logger.Warn("unexpected response frame, dropping")
		return
	}

	if msg.ShortCircuited() {
		logger.Debugf("short-circuited message", map[string]any{"error": msg.Err().Error()})
		c.writeErrorResponse(header.CorrelationID, msg.Err())
		return
	}

	if header.IsHandshake() {
		response, err := EncodeHandshakeResponse(header.CorrelationID)
		if err != nil {
			logger.Errorf("encoding handshake response", map[string]any{"error": err.Error()})
			return
		}
		c.write(response)
		return
	}

	handler, ok := s.registry.Lookup(header.Action)
	if !ok {
		c.writeErrorResponse(header.CorrelationID, fmt.Errorf("%w: %q", ErrActionNotFound, header.Action))
		return
	}

	s.requestMu.Lock()
	if s.stopping.Load() || s.closed.Load() {
		s.requestMu.Unlock()
		return
	}
	s.inflightWg.Add(1)
	s.requestMu.Unlock()
	defer s.inflightWg.Done()

	// Per-request context cancelled when the connection drops, so long
	// handlers can exit early.
	reqCtx, reqCancel := context.WithCancel(logging.WithLoggerCtx(c.ctx, logger))
	monitorDone := make(chan struct{})
	go s.monitorConnection(c.conn, reqCtx, reqCancel, monitorDone)

	payload, err := handler(reqCtx, msg)

	reqCancel()
	<-monitorDone

	if err != nil {
		logger.Warnf("handler error", map[string]any{"error": err.Error()})
		c.writeErrorResponse(header.CorrelationID, err)
		return
	}

	response, err := EncodeResponse(header.CorrelationID, payload, SchemeNone)
	if err != nil {
		logger.Errorf("encoding response", map[string]any{"error": err.Error()})
		c.writeFailed = true
		return
	}
	c.write(response)
}

func (c *connContext) writeErrorResponse(correlationID int64, cause error) {
	response, err := EncodeErrorResponse(correlationID, cause)
	if err != nil {
		c.logger.Errorf("encoding error response", map[string]any{"error": err.Error()})
		c.writeFailed = true
		return
	}
	c.write(response)
}

func (c *connContext) write(frame []byte) {
	if c.writeFailed {
		return
	}
	if c.server.cfg.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
	}
	if _, err := c.conn.Write(frame); err != nil {
		c.logger.Warnf("write error", map[string]any{"error": err.Error()})
		c.writeFailed = true
	}
}

func isConnReset(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	return strings.Contains(err.Error(), "connection reset by peer")
}

// monitorConnection watches for connection closure while a handler is
// running. It uses the poll syscall to detect when the remote end closes,
// without reading data (which could consume pipelined frames). On closure
// it cancels the request context so the handler can exit early.
func (s *Server) monitorConnection(conn net.Conn, ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		<-ctx.Done()
		return
	}

	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		<-ctx.Done()
		return
	}

	var fd int
	if err := rawConn.Control(func(fdPtr uintptr) {
		fd = int(fdPtr)
	}); err != nil {
		<-ctx.Done()
		return
	}

	pollFds := []unix.PollFd{{
		Fd:     int32(fd),
		Events: unix.POLLHUP | unix.POLLERR | pollRDHUP,
	}}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := unix.Poll(pollFds, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			cancel()
			return
		}

		if n > 0 && pollFds[0].Revents != 0 {
			cancel()
			return
		}
	}
}
