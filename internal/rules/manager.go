package rules

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/trafficwarden/internal/types"
)

// ReloadStats contains statistics about rule file reloads.
type ReloadStats struct {
	LastReloadTime time.Time `json:"lastReloadTime,omitempty"`
	ReloadCount    int64     `json:"reloadCount"`
	LastError      error     `json:"-"`
	LastErrorStr   string    `json:"lastError,omitempty"`
}

// Manager holds the current RuleSet and optionally reloads it from an
// external YAML file. Reads are lock-free using atomic.Value. Sessions take
// the RuleSet returned by Get at start and keep it for their lifetime.
type Manager struct {
	base         Config       // Rules from defaults and environment (immutable)
	current      atomic.Value // *RuleSet
	externalPath string
	watcher      *fsnotify.Watcher
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex // Protects reload operations
	stats        ReloadStats
	closed       bool
	onReload     func(*RuleSet)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithReloadHook registers fn to be called after each successful reload.
func WithReloadHook(fn func(*RuleSet)) ManagerOption {
	return func(m *Manager) { m.onReload = fn }
}

// NewManager creates a Manager from a base configuration.
// An invalid base configuration is an error. If externalPath is set, its
// non-empty lists replace the base lists, and a file that cannot be read,
// parsed or compiled is a configuration error. With hotReload, file changes
// trigger reloads; a bad edit then keeps the previous rule set.
func NewManager(base Config, externalPath string, hotReload bool, opts ...ManagerOption) (*Manager, error) {
	rs, err := New(base)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		base:         base.clone(),
		externalPath: externalPath,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.current.Store(rs)

	if externalPath == "" {
		return m, nil
	}

	if err := m.Reload(); err != nil {
		if errors.Is(err, types.ErrConfiguration) {
			return nil, err
		}
		return nil, types.NewConfigurationError("rules_path", externalPath, err.Error())
	}
	log.Info().
		Str("path", externalPath).
		Msg("Loaded rules file")

	if hotReload {
		if err := m.startWatcher(); err != nil {
			log.Warn().
				Err(err).
				Str("path", externalPath).
				Msg("Failed to start file watcher, hot-reload disabled")
		} else {
			log.Info().
				Str("path", externalPath).
				Msg("Hot-reload enabled for rules file")
		}
	}

	return m, nil
}

// Get returns the current RuleSet.
func (m *Manager) Get() *RuleSet {
	return m.current.Load().(*RuleSet)
}

// Reload re-reads the external rules file. On failure the previous rule set
// remains in use.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.externalPath == "" {
		return fmt.Errorf("no external rules path configured")
	}

	ext, err := ReadFile(m.externalPath)
	if err != nil {
		m.stats.LastError = err
		return err
	}

	rs, err := New(m.base.Merge(ext))
	if err != nil {
		m.stats.LastError = err
		return fmt.Errorf("merged rules are invalid: %w", err)
	}

	m.current.Store(rs)
	m.stats.LastReloadTime = time.Now()
	m.stats.ReloadCount++
	m.stats.LastError = nil

	log.Info().
		Int64("reload_count", m.stats.ReloadCount).
		Int("entries", rs.Size()).
		Msg("Rules reloaded")

	if m.onReload != nil {
		m.onReload(rs)
	}
	return nil
}

// Stats returns the current reload statistics.
func (m *Manager) Stats() ReloadStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	if stats.LastError != nil {
		stats.LastErrorStr = stats.LastError.Error()
	}
	return stats
}

// Close stops the file watcher. Safe to call multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watcher.Add(m.externalPath); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch file: %w", err)
	}

	m.watcher = watcher

	m.wg.Add(1)
	go m.watchFile()

	return nil
}

// watchFile reloads on write or create events, coalescing bursts.
func (m *Manager) watchFile() {
	defer m.wg.Done()

	const debounceDelay = 100 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			log.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("Rules file changed")

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				if err := m.Reload(); err != nil {
					log.Warn().
						Err(err).
						Str("path", m.externalPath).
						Msg("Hot-reload failed, keeping previous rules")
				}
			})

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("File watcher error")

		case <-m.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}
