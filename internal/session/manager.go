package session

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ent0n29/divevoice/internal/capture"
)

// Manager keeps one Controller per subject. Controllers that sit in a
// terminal state longer than the retention window are evicted by the
// janitor.
type Manager struct {
	base      Config
	deps      Deps
	retention time.Duration
	clock     clock.Clock

	mu          sync.RWMutex
	controllers map[string]*Controller
	onEvict     func(Session)
}

// NewManager builds controllers from base and deps. Device, Notify and
// NewOutput in deps are replaced per Attach.
func NewManager(base Config, deps Deps, retention time.Duration) *Manager {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Manager{
		base:        base,
		deps:        deps,
		retention:   retention,
		clock:       deps.Clock,
		controllers: make(map[string]*Controller),
	}
}

func (m *Manager) SetEvictHook(hook func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = hook
}

// Attach binds a subject's session controller to a client's capture device,
// notification sink and playback output. It fails with ErrSessionActive
// while the subject already has a session starting or live. A replaced
// controller is retired: its Start returns ErrDetached.
func (m *Manager) Attach(subjectID string, device capture.Device, notify func(any), newOutput OutputFactory) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.base
	cfg.SubjectID = subjectID
	deps := m.deps
	deps.Device = device
	deps.Notify = notify
	deps.NewOutput = newOutput

	c, err := NewController(cfg, deps)
	if err != nil {
		return nil, err
	}
	prev, hasPrev := m.controllers[subjectID]
	if hasPrev && !prev.retire() {
		return nil, ErrSessionActive
	}
	if hasPrev {
		// Keep the last outcome visible until the first Start.
		c.mu.Lock()
		if snap := prev.Snapshot(); snap.ID != "" {
			c.current = &snap
			c.gen = snap.generation
		}
		c.mu.Unlock()
	}
	m.controllers[subjectID] = c
	return c, nil
}

func (m *Manager) Get(subjectID string) (*Controller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.controllers[subjectID]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// Snapshot returns the subject's current or most recent session.
func (m *Manager) Snapshot(subjectID string) (Session, error) {
	c, err := m.Get(subjectID)
	if err != nil {
		return Session{}, err
	}
	return c.Snapshot(), nil
}

func (m *Manager) Stop(subjectID string) error {
	c, err := m.Get(subjectID)
	if err != nil {
		return err
	}
	c.Stop()
	return nil
}

// ActiveCount counts subjects with a session that is connecting or connected.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.controllers {
		if !c.Snapshot().Status.Terminal() {
			count++
		}
	}
	return count
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := m.clock.Ticker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.evictIdle()
			}
		}
	}()
}

func (m *Manager) evictIdle() {
	now := m.clock.Now()
	var evicted []Session

	m.mu.Lock()
	for subject, c := range m.controllers {
		if c.Busy() {
			continue
		}
		if now.Sub(c.IdleSince()) < m.retention {
			continue
		}
		evicted = append(evicted, c.Snapshot())
		delete(m.controllers, subject)
	}
	hook := m.onEvict
	m.mu.Unlock()

	if hook != nil {
		for _, s := range evicted {
			hook(s)
		}
	}
}

// Shutdown stops every session and waits for each teardown to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	all := make([]*Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		all = append(all, c)
	}
	m.mu.RUnlock()

	for _, c := range all {
		c.Stop()
	}
	for _, c := range all {
		if _, err := c.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
