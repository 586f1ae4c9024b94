package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tern-io/tern/internal/breaker"
	"github.com/tern-io/tern/internal/logging"
)

func startTestServer(t *testing.T, registry *Registry, brk *breaker.Breaker) (*Server, net.Addr) {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.ReadTimeout = 5 * time.Second
	cfg.WriteTimeout = 5 * time.Second

	logger := logging.New(logging.Config{Level: logging.LevelError})
	srv := NewServer(cfg, registry, brk, logger)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	require.NoError(t, err)

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ln) }()
	t.Cleanup(func() {
		srv.Close()
		select {
		case err := <-serveDone:
			if err != nil && !errors.Is(err, ErrServerClosed) {
				t.Errorf("Serve returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after Close")
		}
	})

	return srv, ln.Addr()
}

// readFrame reads one complete length-prefixed frame from conn.
func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var prefix [4]byte
	_, err := io.ReadFull(conn, prefix[:])
	require.NoError(t, err)

	total := binary.BigEndian.Uint32(prefix[:])
	rest := make([]byte, total)
	_, err = io.ReadFull(conn, rest)
	require.NoError(t, err)

	return append(prefix[:], rest...)
}

func parseResponse(t *testing.T, frame []byte) (*Header, []byte) {
	t.Helper()
	h, n, err := parseHeader(frame, DefaultMaxMessageSize)
	require.NoError(t, err)
	require.NotNil(t, h)
	return h, frame[n:]
}

func TestServer_RequestResponse(t *testing.T) {
	registry := NewRegistry()
	registry.Register("test:upper", func(_ context.Context, msg *Message) ([]byte, error) {
		out := make([]byte, len(msg.Content()))
		for i, b := range msg.Content() {
			out[i] = b &^ 0x20
		}
		return out, nil
	})

	brk := breaker.New(1 << 20)
	_, addr := startTestServer(t, registry, brk)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	frame, err := EncodeRequest(77, "test:upper", []byte("hello"), SchemeNone)
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)

	h, payload := parseResponse(t, readFrame(t, conn))
	assert.Equal(t, int64(77), h.CorrelationID)
	assert.True(t, h.IsResponse())
	assert.False(t, h.IsError())
	assert.Equal(t, []byte("HELLO"), payload)

	// The reservation drains once the request completes.
	assert.Eventually(t, func() bool { return brk.Used() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestServer_PingEchoed(t *testing.T) {
	_, addr := startTestServer(t, NewRegistry(), breaker.New(1<<20))

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(EncodePing())
	require.NoError(t, err)

	frame := readFrame(t, conn)
	assert.Equal(t, EncodePing(), frame)
}

func TestServer_UnknownActionErrorResponse(t *testing.T) {
	_, addr := startTestServer(t, NewRegistry(), breaker.New(1<<20))

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	frame, err := EncodeRequest(5, "nope", []byte("x"), SchemeNone)
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)

	h, payload := parseResponse(t, readFrame(t, conn))
	assert.Equal(t, int64(5), h.CorrelationID)
	assert.True(t, h.IsError())
	assert.Contains(t, string(payload), "nope")
}

func TestServer_HandshakeAnswered(t *testing.T) {
	_, addr := startTestServer(t, NewRegistry(), breaker.New(1<<20))

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	frame, err := EncodeHandshake(9, "internal:handshake", MinHandshakeVersion, nil)
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)

	h, payload := parseResponse(t, readFrame(t, conn))
	assert.True(t, h.IsHandshake())
	assert.True(t, h.IsResponse())
	require.Len(t, payload, 4)
	assert.Equal(t, CurrentVersion, int32(binary.BigEndian.Uint32(payload)))
}

func TestServer_BreakerTrippedErrorResponse(t *testing.T) {
	registry := NewRegistry()
	registry.Register("test:echo", func(_ context.Context, msg *Message) ([]byte, error) {
		return msg.Content(), nil
	})
	brk := breaker.New(8)
	_, addr := startTestServer(t, registry, brk)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	big, err := EncodeRequest(1, "test:echo", make([]byte, 100), SchemeNone)
	require.NoError(t, err)
	small, err := EncodeRequest(2, "test:echo", []byte("ok"), SchemeNone)
	require.NoError(t, err)

	_, err = conn.Write(append(big, small...))
	require.NoError(t, err)

	// The oversized request gets an error response; the pipelined one
	// behind it still succeeds.
	h1, payload1 := parseResponse(t, readFrame(t, conn))
	assert.Equal(t, int64(1), h1.CorrelationID)
	assert.True(t, h1.IsError())
	assert.Contains(t, string(payload1), "breaker")

	h2, payload2 := parseResponse(t, readFrame(t, conn))
	assert.Equal(t, int64(2), h2.CorrelationID)
	assert.False(t, h2.IsError())
	assert.Equal(t, []byte("ok"), payload2)
}

func TestServer_CorruptFrameClosesConnection(t *testing.T) {
	_, addr := startTestServer(t, NewRegistry(), breaker.New(1<<20))

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	frame, err := EncodeRequest(1, "x", nil, SchemeNone)
	require.NoError(t, err)
	// Negative variable header length.
	binary.BigEndian.PutUint32(frame[17:21], 0xFFFFFFFF)
	_, err = conn.Write(frame)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err, "connection should be torn down")
}

func TestServer_ShutdownDrainsInflight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})

	registry := NewRegistry()
	registry.Register("test:slow", func(ctx context.Context, _ *Message) ([]byte, error) {
		close(started)
		select {
		case <-release:
			return []byte("done"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	srv, addr := startTestServer(t, registry, breaker.New(1<<20))

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	frame, err := EncodeRequest(1, "test:slow", nil, SchemeNone)
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
	<-started

	shutdownDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownDone <- srv.Shutdown(ctx)
	}()

	// Shutdown must wait for the in-flight handler.
	select {
	case <-shutdownDone:
		t.Fatal("Shutdown returned before handler finished")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	h, payload := parseResponse(t, readFrame(t, conn))
	assert.Equal(t, int64(1), h.CorrelationID)
	assert.Equal(t, []byte("done"), payload)

	require.NoError(t, <-shutdownDone)
}

func TestServer_AddrAfterServe(t *testing.T) {
	srv, addr := startTestServer(t, NewRegistry(), breaker.New(1<<20))
	require.NotNil(t, srv.Addr())
	assert.Equal(t, addr.String(), srv.Addr().String())
}
