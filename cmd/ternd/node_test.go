package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/tern-io/tern/internal/config"
	"github.com/tern-io/tern/internal/logging"
	"github.com/tern-io/tern/internal/retention"
	"github.com/tern-io/tern/internal/transport"
)

func startTestNode(t *testing.T) (*Node, net.Addr) {
	t.Helper()

	cfg := config.Default()
	cfg.Transport.ListenAddr = "127.0.0.1:0"
	cfg.Observability.MetricsAddr = "127.0.0.1:0"
	cfg.Engine.DataDir = t.TempDir()

	node, err := NewNode(NodeOptions{
		Config: cfg,
		Logger: logging.New(logging.Config{Level: logging.LevelError}),
	})
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}

	startDone := make(chan error, 1)
	go func() { startDone <- node.Start(context.Background()) }()

	var addr net.Addr
	deadline := time.Now().Add(5 * time.Second)
	for addr == nil {
		if time.Now().After(deadline) {
			t.Fatal("node did not start listening")
		}
		select {
		case err := <-startDone:
			t.Fatalf("Start returned early: %v", err)
		default:
		}
		addr = node.Addr()
		if addr == nil {
			time.Sleep(5 * time.Millisecond)
		}
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := node.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
		select {
		case err := <-startDone:
			if err != nil && !errors.Is(err, transport.ErrServerClosed) {
				t.Errorf("Start returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Start did not return after Shutdown")
		}
	})

	return node, addr
}

// call performs one request/response round trip over conn.
func call(t *testing.T, conn net.Conn, correlationID int64, action string, payload []byte) (bool, []byte) {
	t.Helper()

	frame, err := transport.EncodeRequest(correlationID, action, payload, transport.SchemeNone)
	if err != nil {
		t.Fatalf("EncodeRequest failed: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var prefix [4]byte
	if _, err := io.ReadFull(conn, prefix[:]); err != nil {
		t.Fatalf("reading response prefix: %v", err)
	}
	rest := make([]byte, binary.BigEndian.Uint32(prefix[:]))
	if _, err := io.ReadFull(conn, rest); err != nil {
		t.Fatalf("reading response body: %v", err)
	}

	// correlation id (8) + status (1) + version (4) + var header len (4)
	status := rest[8]
	varLen := binary.BigEndian.Uint32(rest[13:17])
	body := rest[17+varLen:]

	gotID := int64(binary.BigEndian.Uint64(rest[0:8]))
	if gotID != correlationID {
		t.Fatalf("correlation id = %d, want %d", gotID, correlationID)
	}
	return status&0x02 != 0, body
}

func TestNode_CommitAndStatus(t *testing.T) {
	_, addr := startTestNode(t)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	isErr, body := call(t, conn, 1, "engine:checkpoint", []byte(`{"seqNo":5}`))
	if isErr {
		t.Fatalf("checkpoint failed: %s", body)
	}

	isErr, body = call(t, conn, 2, "engine:commit", []byte(`{"maxSeqNo":5}`))
	if isErr {
		t.Fatalf("commit failed: %s", body)
	}
	var commit commitResponse
	if err := json.Unmarshal(body, &commit); err != nil {
		t.Fatalf("decoding commit response: %v", err)
	}
	if commit.Metadata[retention.MaxSeqNoKey] != "5" {
		t.Errorf("max seq no = %q, want 5", commit.Metadata[retention.MaxSeqNoKey])
	}

	isErr, body = call(t, conn, 3, "engine:status", nil)
	if isErr {
		t.Fatalf("status failed: %s", body)
	}
	var status statusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("decoding status response: %v", err)
	}
	if status.GlobalCheckpoint != 5 {
		t.Errorf("global checkpoint = %d, want 5", status.GlobalCheckpoint)
	}
	if status.RetentionWatermark == 0 {
		t.Error("retention watermark should be set after commit")
	}
}

func TestNode_SnapshotLifecycle(t *testing.T) {
	node, addr := startTestNode(t)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	isErr, body := call(t, conn, 1, "engine:snapshot-acquire", []byte(`{"preferSafe":true}`))
	if isErr {
		t.Fatalf("snapshot acquire failed: %s", body)
	}
	var acquired snapshotAcquireResponse
	if err := json.Unmarshal(body, &acquired); err != nil {
		t.Fatalf("decoding snapshot response: %v", err)
	}
	if acquired.SnapshotID == "" {
		t.Fatal("empty snapshot id")
	}
	if acquired.Commit.Name == "" {
		t.Fatal("empty commit in snapshot response")
	}
	if node.engine.RetentionWatermark() <= 0 {
		t.Error("watermark should be set while the lease is held")
	}

	release, err := json.Marshal(snapshotReleaseRequest{SnapshotID: acquired.SnapshotID})
	if err != nil {
		t.Fatal(err)
	}
	isErr, body = call(t, conn, 2, "engine:snapshot-release", release)
	if isErr {
		t.Fatalf("snapshot release failed: %s", body)
	}

	// A second release of the same id is an error.
	isErr, _ = call(t, conn, 3, "engine:snapshot-release", release)
	if !isErr {
		t.Fatal("expected error releasing snapshot twice")
	}
}

func TestNode_EchoExemptFromBreaker(t *testing.T) {
	_, addr := startTestNode(t)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	isErr, body := call(t, conn, 1, "internal:echo", []byte("ping me back"))
	if isErr {
		t.Fatalf("echo failed: %s", body)
	}
	if string(body) != "ping me back" {
		t.Errorf("echo body = %q", body)
	}
}

func TestNode_UnknownAction(t *testing.T) {
	_, addr := startTestNode(t)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	isErr, body := call(t, conn, 1, "engine:no-such-op", nil)
	if !isErr {
		t.Fatalf("expected error response, got %q", body)
	}
}
