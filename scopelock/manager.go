package scopelock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jacentio/treeorder/store"
)

const (
	defaultTimeout = 5 * time.Second
	maxTimeout     = time.Minute
)

// Config holds configuration for a Manager.
type Config struct {
	// Timeout bounds how long Acquire waits for all keys.
	// Default: 5s
	// Max: 1m
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Timeout: defaultTimeout}
}

func (c *Config) validate() {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Timeout > maxTimeout {
		c.Timeout = maxTimeout
	}
}

// slot is a one-token semaphore shared by everyone waiting on a key.
type slot struct {
	token chan struct{}
	refs  int
}

// Manager is an in-process Locker. Waiters on one key do not block callers
// waiting on other keys.
type Manager struct {
	config Config
	logger *slog.Logger

	mu    sync.Mutex
	slots map[Key]*slot
}

var _ Locker = (*Manager)(nil)

// NewManager creates a new in-process lock manager.
func NewManager(config Config, logger *slog.Logger) *Manager {
	config.validate()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config: config,
		logger: logger,
		slots:  make(map[Key]*slot),
	}
}

func (m *Manager) ref(k Key) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[k]
	if !ok {
		s = &slot{token: make(chan struct{}, 1)}
		m.slots[k] = s
	}
	s.refs++
	return s
}

func (m *Manager) unref(k Key, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, k)
	}
}

// Acquire takes keys in order. See Locker.
func (m *Manager) Acquire(ctx context.Context, keys ...Key) (Release, error) {
	keys = Ordered(keys)
	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	held := make([]Key, 0, len(keys))
	slots := make([]*slot, 0, len(keys))
	releaseHeld := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-slots[i].token
			m.unref(held[i], slots[i])
		}
	}

	for _, k := range keys {
		s := m.ref(k)
		select {
		case s.token <- struct{}{}:
			held = append(held, k)
			slots = append(slots, s)
		case <-ctx.Done():
			m.unref(k, s)
			releaseHeld()
			m.logger.Warn("scope lock wait expired", "key", k.String(), "timeout", m.config.Timeout)
			return nil, fmt.Errorf("%s: %w", k, store.ErrConcurrencyTimeout)
		}
	}

	var once sync.Once
	return func() { once.Do(releaseHeld) }, nil
}

// Held returns the number of keys currently held or waited on.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
