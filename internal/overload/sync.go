package overload

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ali-master/shield/internal/logging"
)

// syncStateKind tags overload broadcasts on the shared cluster channel
// so unrelated custom payloads pass through untouched.
const syncStateKind = "overload_state"

// SyncState is the adaptive state one instance shares with its peers.
type SyncState struct {
	Kind      string  `json:"kind"`
	Threshold int64   `json:"threshold"`
	Health    float64 `json:"health"`
	InFlight  int64   `json:"in_flight"`
}

// Membership is the slice of the cluster coordinator the syncer needs.
type Membership interface {
	IsLeader() bool
	BroadcastCustomData(ctx context.Context, payload any) error
}

// Syncer keeps the adaptive threshold aligned across instances. The
// leader recalculates locally and broadcasts its state each interval;
// followers adopt the broadcast threshold, clamped to their own bounds,
// so every instance sheds at the same level. A follower that loses its
// leader simply resumes local adjustment until the next broadcast.
type Syncer struct {
	ctrl     *Controller
	interval time.Duration

	// peerMu covers peer: the coordinator can deliver to Receive before
	// Start has run.
	peerMu sync.RWMutex
	peer   Membership

	cancel    context.CancelFunc
	loopDone  chan struct{}
	closeOnce sync.Once

	totalSent    atomic.Int64
	totalAdopted atomic.Int64
}

// NewSyncer creates a syncer for ctrl. A non-positive interval falls
// back to the controller's adjustment interval.
func NewSyncer(ctrl *Controller, interval time.Duration) *Syncer {
	if interval <= 0 {
		interval = ctrl.cfg.Adaptive.AdjustmentInterval
	}
	if interval <= 0 {
		interval = defaultAdjustment
	}
	return &Syncer{ctrl: ctrl, interval: interval}
}

// Start begins broadcasting while this instance leads. Receive must be
// wired to the coordinator's data hook before peers' state can land.
func (s *Syncer) Start(peer Membership) {
	s.peerMu.Lock()
	s.peer = peer
	s.peerMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	go s.loop(ctx)
}

func (s *Syncer) membership() Membership {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()
	return s.peer
}

func (s *Syncer) loop(ctx context.Context) {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			peer := s.membership()
			if peer == nil || !peer.IsLeader() {
				continue
			}
			s.broadcast(ctx, peer)
		}
	}
}

func (s *Syncer) broadcast(ctx context.Context, peer Membership) {
	st := s.ctrl.Status()
	err := peer.BroadcastCustomData(ctx, SyncState{
		Kind:      syncStateKind,
		Threshold: st.Threshold,
		Health:    st.LastHealthScore,
		InFlight:  st.CurrentRequests,
	})
	if err != nil {
		logging.Warn("overload state broadcast failed", zap.Error(err))
		return
	}
	s.totalSent.Add(1)
}

// Receive handles a custom cluster payload from nodeID. Matches the
// coordinator's OnSyncData hook signature. Non-leaders adopt the
// broadcast threshold; the leader trusts its own recalculation, which
// also discards stragglers from a demoted leader.
func (s *Syncer) Receive(nodeID string, payload []byte) {
	var st SyncState
	if err := json.Unmarshal(payload, &st); err != nil || st.Kind != syncStateKind {
		return
	}
	peer := s.membership()
	if peer == nil || peer.IsLeader() {
		return
	}
	s.ctrl.AdoptThreshold(st.Threshold, st.Health)
	s.totalAdopted.Add(1)
	logging.Debug("adopted overload state",
		zap.String("from", nodeID),
		zap.Int64("threshold", st.Threshold),
		zap.Float64("health", st.Health))
}

// SyncSnapshot reports the syncer's exchange counters.
type SyncSnapshot struct {
	TotalSent    int64 `json:"total_sent"`
	TotalAdopted int64 `json:"total_adopted"`
}

// Stats reports how many states this instance has sent and adopted.
func (s *Syncer) Stats() SyncSnapshot {
	return SyncSnapshot{
		TotalSent:    s.totalSent.Load(),
		TotalAdopted: s.totalAdopted.Load(),
	}
}

// Close stops the broadcast loop.
func (s *Syncer) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.loopDone
		}
	})
}
