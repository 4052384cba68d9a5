package usage

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Plugin receives every published diagnostic event. Implementations must not block
// and must not panic; a panic is recovered and logged so that publishers never see it.
type Plugin interface {
	HandleEvent(ctx context.Context, evt Event)
}

// PluginFunc adapts a plain function to the Plugin interface.
type PluginFunc func(ctx context.Context, evt Event)

// HandleEvent calls f(ctx, evt).
func (f PluginFunc) HandleEvent(ctx context.Context, evt Event) { f(ctx, evt) }

// Manager is a push-style subscription point for diagnostic events.
type Manager struct {
	mu      sync.RWMutex
	nextID  uint64
	plugins []subscription
}

type subscription struct {
	id     uint64
	plugin Plugin
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register subscribes p to all events published after the call.
// It returns a function that removes the subscription.
func (m *Manager) Register(p Plugin) (unregister func()) {
	if m == nil || p == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.plugins = append(m.plugins, subscription{id: id, plugin: p})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, sub := range m.plugins {
				if sub.id == id {
					m.plugins = append(m.plugins[:i], m.plugins[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers evt to every registered plugin in registration order.
func (m *Manager) Publish(ctx context.Context, evt Event) {
	if m == nil {
		return
	}
	m.mu.RLock()
	subs := make([]subscription, len(m.plugins))
	copy(subs, m.plugins)
	m.mu.RUnlock()

	for _, sub := range subs {
		dispatch(ctx, sub.plugin, evt)
	}
}

func dispatch(ctx context.Context, p Plugin, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"event_type": evt.Type,
				"panic":      r,
			}).Error("usage plugin panicked")
		}
	}()
	p.HandleEvent(ctx, evt)
}

var defaultManager = NewManager()

// DefaultManager returns the process-wide manager.
func DefaultManager() *Manager { return defaultManager }

// RegisterPlugin registers p with the process-wide manager.
func RegisterPlugin(p Plugin) (unregister func()) { return defaultManager.Register(p) }

// PublishEvent publishes evt on the process-wide manager.
func PublishEvent(ctx context.Context, evt Event) { defaultManager.Publish(ctx, evt) }
