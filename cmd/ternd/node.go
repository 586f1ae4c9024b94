package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tern-io/tern/internal/breaker"
	"github.com/tern-io/tern/internal/config"
	"github.com/tern-io/tern/internal/engine"
	"github.com/tern-io/tern/internal/logging"
	"github.com/tern-io/tern/internal/metrics"
	"github.com/tern-io/tern/internal/retention"
	"github.com/tern-io/tern/internal/transport"
)

// NodeOptions contains the configuration for creating a node.
type NodeOptions struct {
	Config *config.Config
	Logger *logging.Logger
}

// Node is a running tern instance: the storage engine plus the transport
// and metrics servers.
type Node struct {
	opts          NodeOptions
	logger        *logging.Logger
	registry      *prometheus.Registry
	engine        *engine.Engine
	breaker       *breaker.Breaker
	actions       *transport.Registry
	tcpServer     *transport.Server
	metricsServer *metrics.Server

	snapMu    sync.Mutex
	snapshots map[string]*retention.Snapshot

	mu      sync.Mutex
	started bool
}

// NewNode creates a Node but does not start it.
func NewNode(opts NodeOptions) (*Node, error) {
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	return &Node{
		opts:      opts,
		logger:    opts.Logger,
		registry:  prometheus.NewRegistry(),
		snapshots: make(map[string]*retention.Snapshot),
	}, nil
}

// Start initializes and starts all node components. It blocks serving
// connections until the server is shut down.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return fmt.Errorf("node already started")
	}
	n.started = true
	n.mu.Unlock()

	cfg := n.opts.Config

	n.logger.Infof("starting node", map[string]any{
		"listenAddr":  cfg.Transport.ListenAddr,
		"metricsAddr": cfg.Observability.MetricsAddr,
		"dataDir":     cfg.Engine.DataDir,
	})

	eng, err := engine.Open(engine.Options{
		DataDir: cfg.Engine.DataDir,
		Logger:  n.logger.With(map[string]any{"component": "engine"}),
		Metrics: metrics.NewRetentionMetricsWithRegistry(n.registry),
	})
	if err != nil {
		return fmt.Errorf("opening engine: %w", err)
	}
	n.engine = eng

	n.breaker = breaker.New(cfg.Breaker.LimitBytes).
		WithMetrics(metrics.NewBreakerMetricsWithRegistry(n.registry))

	n.actions = transport.NewRegistry()
	n.registerActions()

	n.metricsServer = metrics.NewServerWithRegistry(cfg.Observability.MetricsAddr, n.registry)
	if err := n.metricsServer.Start(); err != nil {
		return fmt.Errorf("starting metrics server: %w", err)
	}
	n.logger.Infof("metrics server listening", map[string]any{"addr": n.metricsServer.Addr()})

	serverCfg := transport.DefaultServerConfig()
	serverCfg.ListenAddr = cfg.Transport.ListenAddr
	serverCfg.ReadTimeout = time.Duration(cfg.Transport.ReadTimeoutMs) * time.Millisecond
	serverCfg.WriteTimeout = time.Duration(cfg.Transport.WriteTimeoutMs) * time.Millisecond
	serverCfg.MaxMessageSize = int(cfg.Transport.MaxMessageSizeBytes)

	srv := transport.NewServer(serverCfg, n.actions, n.breaker,
		n.logger.With(map[string]any{"component": "transport"})).
		WithMetrics(metrics.NewTransportMetricsWithRegistry(n.registry))
	n.mu.Lock()
	n.tcpServer = srv
	n.mu.Unlock()

	return srv.ListenAndServe()
}

// Addr returns the transport listener address, or nil before serving.
func (n *Node) Addr() net.Addr {
	n.mu.Lock()
	srv := n.tcpServer
	n.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Addr()
}

// Shutdown drains in-flight requests and stops all components.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	srv := n.tcpServer
	n.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			return err
		}
	}
	if n.metricsServer != nil {
		if err := n.metricsServer.Close(); err != nil {
			n.logger.Warnf("metrics server close", map[string]any{"error": err.Error()})
		}
	}

	// Outstanding snapshot leases die with the process; release them so
	// the watermark bookkeeping stays balanced through shutdown.
	n.snapMu.Lock()
	for id, snap := range n.snapshots {
		if err := snap.Release(); err != nil {
			n.logger.Warnf("releasing snapshot on shutdown", map[string]any{
				"snapshotId": id,
				"error":      err.Error(),
			})
		}
	}
	n.snapshots = make(map[string]*retention.Snapshot)
	n.snapMu.Unlock()
	return nil
}

type commitRequest struct {
	MaxSeqNo int64 `json:"maxSeqNo"`
}

type checkpointRequest struct {
	SeqNo int64 `json:"seqNo"`
}

type commitResponse struct {
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata"`
}

type snapshotAcquireRequest struct {
	PreferSafe bool `json:"preferSafe"`
}

type snapshotAcquireResponse struct {
	SnapshotID string         `json:"snapshotId"`
	Commit     commitResponse `json:"commit"`
}

type snapshotReleaseRequest struct {
	SnapshotID string `json:"snapshotId"`
}

type statusResponse struct {
	GlobalCheckpoint   int64 `json:"globalCheckpoint"`
	RetentionWatermark int64 `json:"retentionWatermark"`
}

// registerActions wires the engine-facing request handlers.
func (n *Node) registerActions() {
	n.actions.Register("engine:commit", n.handleCommit)
	n.actions.Register("engine:checkpoint", n.handleCheckpoint)
	n.actions.Register("engine:safe-commit", n.handleSafeCommit)
	n.actions.Register("engine:last-commit", n.handleLastCommit)
	n.actions.Register("engine:snapshot-acquire", n.handleSnapshotAcquire)
	n.actions.Register("engine:snapshot-release", n.handleSnapshotRelease)
	n.actions.Register("engine:status", n.handleStatus)
	n.actions.Register("internal:echo", n.handleEcho)
	// Echo must stay reachable even when the breaker is saturated so
	// operators can probe a wedged node.
	n.actions.MarkBreakerExempt("internal:echo")
}

func (n *Node) handleCommit(_ context.Context, msg *transport.Message) ([]byte, error) {
	var req commitRequest
	if err := json.Unmarshal(msg.Content(), &req); err != nil {
		return nil, fmt.Errorf("decoding commit request: %w", err)
	}
	commit, err := n.engine.Commit(req.MaxSeqNo)
	if err != nil {
		return nil, err
	}
	return json.Marshal(commitResponse{Name: commit.Name, Metadata: commit.Metadata})
}

func (n *Node) handleCheckpoint(_ context.Context, msg *transport.Message) ([]byte, error) {
	var req checkpointRequest
	if err := json.Unmarshal(msg.Content(), &req); err != nil {
		return nil, fmt.Errorf("decoding checkpoint request: %w", err)
	}
	n.engine.AdvanceCheckpoint(req.SeqNo)
	return json.Marshal(statusResponse{
		GlobalCheckpoint:   n.engine.GlobalCheckpoint(),
		RetentionWatermark: n.engine.RetentionWatermark(),
	})
}

func (n *Node) handleSafeCommit(_ context.Context, _ *transport.Message) ([]byte, error) {
	commit, err := n.engine.SafeCommit()
	if err != nil {
		return nil, err
	}
	return json.Marshal(commitResponse{Name: commit.Name, Metadata: commit.Metadata})
}

func (n *Node) handleLastCommit(_ context.Context, _ *transport.Message) ([]byte, error) {
	commit, err := n.engine.LastCommit()
	if err != nil {
		return nil, err
	}
	return json.Marshal(commitResponse{Name: commit.Name, Metadata: commit.Metadata})
}

func (n *Node) handleSnapshotAcquire(_ context.Context, msg *transport.Message) ([]byte, error) {
	var req snapshotAcquireRequest
	if len(msg.Content()) > 0 {
		if err := json.Unmarshal(msg.Content(), &req); err != nil {
			return nil, fmt.Errorf("decoding snapshot request: %w", err)
		}
	}
	snap, err := n.engine.Snapshot(req.PreferSafe)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	n.snapMu.Lock()
	n.snapshots[id] = snap
	n.snapMu.Unlock()

	commit := snap.Commit()
	return json.Marshal(snapshotAcquireResponse{
		SnapshotID: id,
		Commit:     commitResponse{Name: commit.Name, Metadata: commit.Metadata},
	})
}

func (n *Node) handleSnapshotRelease(_ context.Context, msg *transport.Message) ([]byte, error) {
	var req snapshotReleaseRequest
	if err := json.Unmarshal(msg.Content(), &req); err != nil {
		return nil, fmt.Errorf("decoding snapshot release: %w", err)
	}
	n.snapMu.Lock()
	snap, ok := n.snapshots[req.SnapshotID]
	delete(n.snapshots, req.SnapshotID)
	n.snapMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown snapshot %q", req.SnapshotID)
	}
	if err := snap.Release(); err != nil {
		return nil, err
	}
	return []byte(`{"released":true}`), nil
}

func (n *Node) handleStatus(_ context.Context, _ *transport.Message) ([]byte, error) {
	return json.Marshal(statusResponse{
		GlobalCheckpoint:   n.engine.GlobalCheckpoint(),
		RetentionWatermark: n.engine.RetentionWatermark(),
	})
}

func (n *Node) handleEcho(_ context.Context, msg *transport.Message) ([]byte, error) {
	return msg.Content(), nil
}
