package overload

import (
	"context"

	"github.com/ali-master/shield/config"
)

// Manager runs one isolated admission lane per named priority level.
// Levels never borrow capacity from each other, so a flood at one level
// cannot starve another. When a global controller is supplied, a level
// slot must additionally clear the global gate: the level gate is taken
// first, then the global one, and the global wait is bounded by the
// level's own queue timeout.
type Manager struct {
	levels       map[string]*levelGate
	defaultLevel string
	global       *Controller
}

type levelGate struct {
	name     string
	priority int
	cfg      config.PriorityLevelConfig
	gate     *Controller
}

// NewManager builds one gate per configured level. global may be nil.
func NewManager(cfg config.PriorityConfig, global *Controller) *Manager {
	m := &Manager{
		levels:       make(map[string]*levelGate, len(cfg.Levels)),
		defaultLevel: cfg.DefaultLevel,
		global:       global,
	}
	for _, lvl := range cfg.Levels {
		m.levels[lvl.Name] = &levelGate{
			name:     lvl.Name,
			priority: lvl.Priority,
			cfg:      lvl,
			gate: New(config.OverloadConfig{
				MaxConcurrent: lvl.MaxConcurrent,
				MaxQueueSize:  lvl.MaxQueueSize,
				QueueTimeout:  lvl.QueueTimeout,
			}, Hooks{}),
		}
	}
	return m
}

// Grant is a held admission spanning the level gate and, when
// configured, the global gate.
type Grant struct {
	LevelName string

	level  *levelGate
	ticket *Ticket
	global *Ticket
	m      *Manager
}

// Acquire admits the caller at the named level, falling back to the
// default level for empty or unknown names.
func (m *Manager) Acquire(ctx context.Context, level string) (*Grant, error) {
	lg, ok := m.levels[level]
	if !ok {
		lg, ok = m.levels[m.defaultLevel]
		if !ok {
			// No levels configured at all: only the global gate applies.
			return m.acquireGlobalOnly(ctx)
		}
	}

	t, err := lg.gate.Acquire(ctx, lg.priority)
	if err != nil {
		return nil, err
	}

	var gt *Ticket
	if m.global != nil {
		gctx := ctx
		if lg.cfg.QueueTimeout > 0 {
			var cancel context.CancelFunc
			gctx, cancel = context.WithTimeout(ctx, lg.cfg.QueueTimeout)
			defer cancel()
		}
		gt, err = m.global.Acquire(gctx, lg.priority)
		if err != nil {
			lg.gate.Release(t)
			return nil, err
		}
	}
	return &Grant{LevelName: lg.name, level: lg, ticket: t, global: gt, m: m}, nil
}

func (m *Manager) acquireGlobalOnly(ctx context.Context) (*Grant, error) {
	if m.global == nil {
		return &Grant{m: m}, nil
	}
	gt, err := m.global.Acquire(ctx, 0)
	if err != nil {
		return nil, err
	}
	return &Grant{global: gt, m: m}, nil
}

// Release returns the held slots in reverse acquisition order.
func (g *Grant) Release() {
	if g == nil {
		return
	}
	if g.global != nil && g.m.global != nil {
		g.m.global.Release(g.global)
	}
	if g.level != nil {
		g.level.gate.Release(g.ticket)
	}
}

// Level returns the gate controller for a configured level.
func (m *Manager) Level(name string) (*Controller, bool) {
	lg, ok := m.levels[name]
	if !ok {
		return nil, false
	}
	return lg.gate, true
}

// Status reports every level's snapshot keyed by level name.
func (m *Manager) Status() map[string]Snapshot {
	out := make(map[string]Snapshot, len(m.levels))
	for name, lg := range m.levels {
		out[name] = lg.gate.Status()
	}
	return out
}

// Close tears down every level gate. The global controller is owned by
// the caller and left running.
func (m *Manager) Close() {
	for _, lg := range m.levels {
		lg.gate.Close()
	}
}
