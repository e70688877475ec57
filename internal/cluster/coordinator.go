// Package cluster provides node membership, session-to-node affinity, and
// the cross-node request proxy. Adapters share one contract and are selected
// by configuration; session records are best-effort, not transactional.
package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mcphub/internal/config"
	"mcphub/pkg/logging"
)

// ServerStatus is one upstream's status as published in the node state.
type ServerStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// NodeState is the membership record every node publishes periodically.
type NodeState struct {
	NodeID        string            `json:"nodeId"`
	BaseURL       string            `json:"baseUrl"`
	Servers       []ServerStatus    `json:"servers,omitempty"`
	LastHeartbeat time.Time         `json:"lastHeartbeat"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// SessionRecord binds a downstream session to its owning node.
type SessionRecord struct {
	SessionID string    `json:"sessionId"`
	NodeID    string    `json:"nodeId"`
	Group     string    `json:"group,omitempty"`
	User      string    `json:"user,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SessionMeta is the caller-supplied slice of a session record.
type SessionMeta struct {
	Group string
	User  string
}

// Adapter is the storage backend contract shared by the coordinator
// variants.
type Adapter interface {
	UpsertNode(ctx context.Context, state NodeState) error
	GetNode(ctx context.Context, nodeID string) (*NodeState, error)
	ListNodes(ctx context.Context) ([]NodeState, error)
	RemoveNode(ctx context.Context, nodeID string) error

	PutSession(ctx context.Context, rec SessionRecord, ttl time.Duration) error
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)
	DeleteSession(ctx context.Context, sessionID string) error

	Close() error
}

// Coordinator runs membership and session affinity for this node.
type Coordinator struct {
	cfg     config.ClusterConfig
	adapter Adapter
	nodeID  string

	servers func() []ServerStatus

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the coordinator for the configured adapter type.
func New(cfg config.ClusterConfig) (*Coordinator, error) {
	var adapter Adapter
	switch cfg.Type {
	case "", "memory":
		adapter = NewMemoryAdapter()
	case "redis":
		adapter = NewRedisAdapter(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown coordinator type %q", cfg.Type)
	}
	return NewWithAdapter(cfg, adapter), nil
}

// NewWithAdapter builds a coordinator over a caller-supplied adapter. Used
// when several nodes share one in-process adapter (tests) or when the
// adapter needs custom construction.
func NewWithAdapter(cfg config.ClusterConfig, adapter Adapter) *Coordinator {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	return &Coordinator{
		cfg:     cfg,
		adapter: adapter,
		nodeID:  nodeID,
		done:    make(chan struct{}),
	}
}

// NodeID returns this node's identifier.
func (c *Coordinator) NodeID() string {
	return c.nodeID
}

// Initialize upserts the local node and starts the heartbeat loop.
// The servers callback supplies the current upstream statuses per beat.
func (c *Coordinator) Initialize(ctx context.Context, servers func() []ServerStatus) error {
	c.servers = servers

	if err := c.beat(ctx); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.heartbeatLoop(hbCtx)

	logging.Info("Cluster", "Node %s joined (%s adapter)", c.nodeID, c.cfg.Type)
	return nil
}

// Shutdown stops the heartbeat, removes the node record, and closes the
// adapter.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	if err := c.adapter.RemoveNode(ctx, c.nodeID); err != nil {
		logging.Warn("Cluster", "Failed to remove node record: %v", err)
	}
	return c.adapter.Close()
}

// RegisterLocalServers publishes the current upstream statuses immediately.
func (c *Coordinator) RegisterLocalServers(ctx context.Context, servers []ServerStatus) error {
	state := NodeState{
		NodeID:        c.nodeID,
		BaseURL:       c.cfg.BaseURL,
		Servers:       servers,
		LastHeartbeat: time.Now(),
	}
	return c.adapter.UpsertNode(ctx, state)
}

// RecordSession binds a session to this node, with the configured TTL.
func (c *Coordinator) RecordSession(ctx context.Context, sessionID string, meta SessionMeta) error {
	now := time.Now()
	rec := SessionRecord{
		SessionID: sessionID,
		NodeID:    c.nodeID,
		Group:     meta.Group,
		User:      meta.User,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return c.adapter.PutSession(ctx, rec, c.cfg.SessionTTL)
}

// GetSession returns the binding for a session id, or nil when unknown.
func (c *Coordinator) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	return c.adapter.GetSession(ctx, sessionID)
}

// ClearSession removes a session binding.
func (c *Coordinator) ClearSession(ctx context.Context, sessionID string) error {
	return c.adapter.DeleteSession(ctx, sessionID)
}

// GetActiveNodes lists nodes whose heartbeat is fresher than offlineAfter.
func (c *Coordinator) GetActiveNodes(ctx context.Context) ([]NodeState, error) {
	nodes, err := c.adapter.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-c.cfg.OfflineAfter)
	active := nodes[:0]
	for _, n := range nodes {
		if n.LastHeartbeat.After(cutoff) {
			active = append(active, n)
		}
	}
	return active, nil
}

// GetNode returns one node's state.
func (c *Coordinator) GetNode(ctx context.Context, nodeID string) (*NodeState, error) {
	return c.adapter.GetNode(ctx, nodeID)
}

// GetNodeBaseURL returns the base URL a request must be proxied to.
func (c *Coordinator) GetNodeBaseURL(ctx context.Context, nodeID string) (string, error) {
	node, err := c.adapter.GetNode(ctx, nodeID)
	if err != nil {
		return "", err
	}
	if node == nil {
		return "", fmt.Errorf("node %s not found", nodeID)
	}
	return node.BaseURL, nil
}

// IsLocal reports whether a session record points at this node.
func (c *Coordinator) IsLocal(rec *SessionRecord) bool {
	return rec == nil || rec.NodeID == c.nodeID
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	defer close(c.done)

	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = config.DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A failed beat is retried on the next tick.
			if err := c.beat(ctx); err != nil {
				logging.Warn("Cluster", "Heartbeat failed: %v", err)
			}
		}
	}
}

func (c *Coordinator) beat(ctx context.Context) error {
	var servers []ServerStatus
	if c.servers != nil {
		servers = c.servers()
	}
	return c.RegisterLocalServers(ctx, servers)
}
