package cluster

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/logging"
)

// Node is one cluster member as seen from this instance.
type Node struct {
	ID            string            `json:"id"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Hooks carries the membership and data callbacks. All hooks run on
// the coordinator's goroutines and must return quickly.
type Hooks struct {
	OnJoin  func(Node)
	OnLeave func(Node)
	// OnSyncData receives custom broadcasts from other nodes.
	OnSyncData func(nodeID string, payload []byte)
}

// envelope is the wire format on the cluster channel.
type envelope struct {
	Type     string            `json:"type"` // heartbeat | custom
	Node     string            `json:"node"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Data     json.RawMessage   `json:"data,omitempty"`
	SentAt   time.Time         `json:"sent_at"`
}

// Coordinator publishes this instance's heartbeat and tracks its
// peers. Leadership is derived, not elected: the lexicographically
// lowest active node id leads, recomputed on every membership change.
// Leadership only gates non-critical work, so a brief dual-leader
// window during convergence is acceptable.
type Coordinator struct {
	cfg  config.ClusterConfig
	bus  Bus
	id   string
	meta map[string]string

	hooks Hooks

	mu     sync.Mutex
	nodes  map[string]*Node
	leader string

	unsub    func()
	cancel   context.CancelFunc
	loopDone chan struct{}
	once     sync.Once

	totalHeartbeats atomic.Int64
	totalBroadcasts atomic.Int64
	totalEvictions  atomic.Int64
}

// NewCoordinator creates a coordinator on bus. An empty cfg.NodeID
// gets a generated id.
func NewCoordinator(cfg config.ClusterConfig, bus Bus, metadata map[string]string, hooks Hooks) *Coordinator {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 5 * time.Second
	}
	if cfg.MissedFactor < 1 {
		cfg.MissedFactor = 3
	}
	if cfg.Channel == "" {
		cfg.Channel = "shield:cluster"
	}
	id := cfg.NodeID
	if id == "" {
		id = uuid.NewString()
	}
	return &Coordinator{
		cfg:   cfg,
		bus:   bus,
		id:    id,
		meta:  metadata,
		hooks: hooks,
		nodes: make(map[string]*Node),
	}
}

// Start subscribes to the cluster channel, registers this node, and
// begins heartbeating.
func (c *Coordinator) Start() error {
	unsub, err := c.bus.Subscribe(c.cfg.Channel, c.receive)
	if err != nil {
		return err
	}
	c.unsub = unsub

	// Seed the table with ourselves so a single instance is a healthy
	// one-node cluster from the first moment.
	c.mu.Lock()
	c.nodes[c.id] = &Node{ID: c.id, LastHeartbeat: time.Now(), Metadata: c.meta}
	c.recomputeLeader()
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.loopDone = make(chan struct{})
	go c.loop(ctx)

	c.heartbeat(context.Background())
	logging.Info("cluster coordinator started",
		zap.String("node", c.id),
		zap.String("channel", c.cfg.Channel),
		zap.Duration("sync_interval", c.cfg.SyncInterval))
	return nil
}

func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.loopDone)
	ticker := time.NewTicker(c.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.heartbeat(ctx)
			c.evictStale()
		}
	}
}

func (c *Coordinator) heartbeat(ctx context.Context) {
	payload, err := json.Marshal(envelope{
		Type:     "heartbeat",
		Node:     c.id,
		Metadata: c.meta,
		SentAt:   time.Now(),
	})
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, c.cfg.Channel, payload); err != nil {
		logging.Warn("heartbeat publish failed", zap.Error(err))
		return
	}
	c.totalHeartbeats.Add(1)

	// Publishing counts as our own liveness even when the bus does not
	// echo messages back to the sender.
	c.mu.Lock()
	if self, ok := c.nodes[c.id]; ok {
		self.LastHeartbeat = time.Now()
	}
	c.mu.Unlock()
}

// receive handles one bus delivery. The message type is peeked with
// gjson before the full envelope decode so unknown or malformed
// traffic is dropped cheaply.
func (c *Coordinator) receive(msg Message) {
	typ := gjson.GetBytes(msg.Payload, "type").Str
	from := gjson.GetBytes(msg.Payload, "node").Str
	if from == "" || from == c.id {
		return // own loopback or garbage
	}

	switch typ {
	case "heartbeat":
		var env envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			return
		}
		c.observe(env)
	case "custom":
		if c.hooks.OnSyncData != nil {
			data := gjson.GetBytes(msg.Payload, "data")
			c.hooks.OnSyncData(from, []byte(data.Raw))
		}
	}
}

func (c *Coordinator) observe(env envelope) {
	c.mu.Lock()
	n, known := c.nodes[env.Node]
	if known {
		n.LastHeartbeat = time.Now()
		n.Metadata = env.Metadata
		c.mu.Unlock()
		return
	}

	n = &Node{ID: env.Node, LastHeartbeat: time.Now(), Metadata: env.Metadata}
	c.nodes[env.Node] = n
	c.recomputeLeader()
	joined := *n
	c.mu.Unlock()

	logging.Info("cluster node joined", zap.String("node", joined.ID))
	if c.hooks.OnJoin != nil {
		c.hooks.OnJoin(joined)
	}
}

// evictStale removes peers that missed their heartbeat window. The
// leave hook fires exactly once per eviction because removal from the
// table is what triggers it.
func (c *Coordinator) evictStale() {
	deadline := time.Now().Add(-c.cfg.SyncInterval * time.Duration(c.cfg.MissedFactor))

	c.mu.Lock()
	var evicted []Node
	for id, n := range c.nodes {
		if id == c.id {
			continue
		}
		if n.LastHeartbeat.Before(deadline) {
			evicted = append(evicted, *n)
			delete(c.nodes, id)
		}
	}
	if len(evicted) > 0 {
		c.recomputeLeader()
	}
	c.mu.Unlock()

	for _, n := range evicted {
		c.totalEvictions.Add(1)
		logging.Info("cluster node left", zap.String("node", n.ID))
		if c.hooks.OnLeave != nil {
			c.hooks.OnLeave(n)
		}
	}
}

// recomputeLeader picks the lowest active node id. Callers hold c.mu.
func (c *Coordinator) recomputeLeader() {
	leader := ""
	for id := range c.nodes {
		if leader == "" || id < leader {
			leader = id
		}
	}
	if leader != c.leader {
		c.leader = leader
		logging.Info("cluster leader changed", zap.String("leader", leader))
	}
}

// BroadcastCustomData sends payload to every subscribed instance's
// OnSyncData hook. Delivery is best-effort and may duplicate; handlers
// own idempotency.
func (c *Coordinator) BroadcastCustomData(ctx context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env, err := json.Marshal(envelope{
		Type:   "custom",
		Node:   c.id,
		Data:   data,
		SentAt: time.Now(),
	})
	if err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, c.cfg.Channel, env); err != nil {
		return err
	}
	c.totalBroadcasts.Add(1)
	return nil
}

// NodeID returns this instance's id.
func (c *Coordinator) NodeID() string {
	return c.id
}

// IsLeader reports whether this instance currently leads.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader == c.id
}

// ActiveNodes returns the current members sorted by id.
func (c *Coordinator) ActiveNodes() []Node {
	c.mu.Lock()
	out := make([]Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, *n)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot is a point-in-time view of the cluster as this node sees it.
type Snapshot struct {
	NodeID          string `json:"node_id"`
	Leader          string `json:"leader"`
	IsLeader        bool   `json:"is_leader"`
	ActiveNodes     []Node `json:"active_nodes"`
	TotalHeartbeats int64  `json:"total_heartbeats"`
	TotalBroadcasts int64  `json:"total_broadcasts"`
	TotalEvictions  int64  `json:"total_evictions"`
}

// Stats reports the membership view and counters.
func (c *Coordinator) Stats() Snapshot {
	c.mu.Lock()
	leader := c.leader
	c.mu.Unlock()

	return Snapshot{
		NodeID:          c.id,
		Leader:          leader,
		IsLeader:        leader == c.id,
		ActiveNodes:     c.ActiveNodes(),
		TotalHeartbeats: c.totalHeartbeats.Load(),
		TotalBroadcasts: c.totalBroadcasts.Load(),
		TotalEvictions:  c.totalEvictions.Load(),
	}
}

// Close stops heartbeating and unsubscribes. The bus is owned by the
// caller and left open.
func (c *Coordinator) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
			<-c.loopDone
		}
		if c.unsub != nil {
			c.unsub()
		}
	})
}
