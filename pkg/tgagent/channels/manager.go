package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager keeps the registered channels and fans their inbound events into a
// single stream consumed by the bot pipeline.
type Manager struct {
	channels map[string]Channel
	events   chan *Event
	logger   *slog.Logger

	wg       sync.WaitGroup
	mu       sync.RWMutex
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewManager creates an empty channel manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels: make(map[string]Channel),
		events:   make(chan *Event, 256),
		logger:   logger,
	}
}

// Register adds a channel. Channels must be registered before Start.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ch.Name()
	if _, exists := m.channels[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateChannel, name)
	}
	m.channels[name] = ch
	return nil
}

// Get returns a registered channel by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Start connects every registered channel and begins forwarding events.
// A channel that fails to connect is logged and skipped; Start returns an
// error only when no channel could be connected.
func (m *Manager) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		return fmt.Errorf("no channels registered")
	}

	connected := 0
	for name, ch := range m.channels {
		if err := ch.Connect(ctx); err != nil {
			m.logger.Error("failed to connect channel", "channel", name, "error", err)
			continue
		}
		connected++
		m.wg.Add(1)
		go m.forward(ctx, ch)
	}
	if connected == 0 {
		return fmt.Errorf("no channel could be connected")
	}

	m.logger.Info("channels started", "connected", connected, "registered", len(m.channels))
	return nil
}

// Events returns the merged inbound event stream. It is closed by Stop.
func (m *Manager) Events() <-chan *Event {
	return m.events
}

// Send delivers a message through the named channel.
func (m *Manager) Send(ctx context.Context, channel, chatID string, msg *OutgoingMessage) (string, error) {
	ch, ok := m.Get(channel)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	return ch.Send(ctx, chatID, msg)
}

// SendReaction reacts to a message if the channel supports reactions.
// Channels without reaction support are ignored silently.
func (m *Manager) SendReaction(ctx context.Context, channel, chatID, messageID, emoji string) {
	ch, ok := m.Get(channel)
	if !ok {
		return
	}
	rc, ok := ch.(ReactionChannel)
	if !ok {
		return
	}
	if err := rc.SendReaction(ctx, chatID, messageID, emoji); err != nil {
		m.logger.Debug("reaction failed", "channel", channel, "error", err)
	}
}

// Health returns the health of every registered channel.
func (m *Manager) Health() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]HealthStatus, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch.Health()
	}
	return out
}

// Stop disconnects all channels and closes the event stream.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}

		m.mu.RLock()
		for name, ch := range m.channels {
			if err := ch.Disconnect(); err != nil {
				m.logger.Warn("error disconnecting channel", "channel", name, "error", err)
			}
		}
		m.mu.RUnlock()

		m.wg.Wait()
		close(m.events)
	})
}

// forward copies events from one channel into the merged stream.
func (m *Manager) forward(ctx context.Context, ch Channel) {
	defer m.wg.Done()
	in := ch.Receive()
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				return
			}
			select {
			case m.events <- ev:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
