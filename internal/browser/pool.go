// Package browser provides the rod-backed pieces of the interception engine:
// a pool of launched browsers, a per-page interception driver and device
// emulation.
package browser

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/trafficwarden/internal/config"
	"github.com/Rorqualx/trafficwarden/internal/metrics"
	"github.com/Rorqualx/trafficwarden/internal/types"
)

const (
	statusInterval      = 30 * time.Second
	browserCloseTimeout = 10 * time.Second
	maxAcquireRetries   = 5
)

// Pool manages a fixed set of reusable browser instances.
// Each browser serves one session at a time.
//
// Lock ordering: mu must be acquired before any browser entry locks.
// Never hold mu while performing slow I/O operations.
type Pool struct {
	mu        sync.Mutex
	browsers  []*browserEntry
	available chan *rod.Browser
	config    *config.Config
	closed    atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	availableCount atomic.Int32
	stats          PoolStats
}

type browserEntry struct {
	browser   *rod.Browser
	createdAt time.Time
	useCount  atomic.Int64
}

// PoolStats provides statistics about pool usage.
type PoolStats struct {
	Acquired atomic.Int64
	Released atomic.Int64
	Recycled atomic.Int64
	Errors   atomic.Int64
}

// PoolStatsSnapshot holds a point-in-time snapshot of pool statistics.
type PoolStatsSnapshot struct {
	Size      int   `json:"size"`
	Available int   `json:"available"`
	Acquired  int64 `json:"acquired"`
	Released  int64 `json:"released"`
	Recycled  int64 `json:"recycled"`
	Errors    int64 `json:"errors"`
}

// NewPool launches cfg.BrowserPoolSize browsers and blocks until all are
// ready. If any browser fails to launch the pool is torn down.
func NewPool(cfg *config.Config) (*Pool, error) {
	log.Info().
		Int("pool_size", cfg.BrowserPoolSize).
		Bool("headless", cfg.Headless).
		Str("browser_path", cfg.BrowserPath).
		Msg("Initializing browser pool")

	pool := &Pool{
		config:    cfg,
		available: make(chan *rod.Browser, cfg.BrowserPoolSize),
		browsers:  make([]*browserEntry, 0, cfg.BrowserPoolSize),
		stopCh:    make(chan struct{}),
	}

	for i := 0; i < cfg.BrowserPoolSize; i++ {
		browser, err := pool.spawnBrowser(context.Background())
		if err != nil {
			log.Error().Err(err).Int("browser_index", i).Msg("Failed to spawn browser during pool initialization")
			if closeErr := pool.Close(); closeErr != nil {
				log.Error().Err(closeErr).Msg("Failed to close pool during cleanup")
			}
			return nil, fmt.Errorf("failed to spawn browser %d: %w", i, err)
		}

		pool.browsers = append(pool.browsers, &browserEntry{browser: browser, createdAt: time.Now()})
		pool.available <- browser
		log.Debug().Int("browser_index", i).Msg("Browser spawned and added to pool")
	}
	pool.availableCount.Store(int32(cfg.BrowserPoolSize))
	pool.publishMetrics()

	pool.wg.Add(1)
	go func() {
		defer pool.wg.Done()
		pool.statusRoutine()
	}()

	log.Info().
		Int("pool_size", cfg.BrowserPoolSize).
		Msg("Browser pool initialized successfully")

	return pool, nil
}

// createLauncher builds a launcher for one browser process. Launchers can
// only launch once.
func (p *Pool) createLauncher() *launcher.Launcher {
	l := launcher.New()

	if p.config.BrowserPath != "" {
		l = l.Bin(p.config.BrowserPath)
	}

	if p.config.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	// Container flags
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	// Cached responses would bypass interception and skew byte counts.
	l = l.Set("disk-cache-size", "1").
		Set("disable-background-networking").
		Set("disable-component-update").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("safebrowsing-disable-auto-update")

	l = l.Set("disable-blink-features", "AutomationControlled").
		Delete("enable-automation")

	l = l.Set("js-flags", "--max-old-space-size=256").
		Set("disable-renderer-backgrounding").
		Set("disable-gpu-sandbox")

	if isARM() {
		l = l.Set("disable-gpu-compositing")
		log.Debug().Msg("ARM detected: using software compositing")
	}

	return l
}

// spawnBrowser launches and connects a new browser instance.
func (p *Pool) spawnBrowser(ctx context.Context) (*rod.Browser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	log.Debug().Msg("Spawning new browser instance")

	url, err := p.createLauncher().Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	log.Debug().Str("url", url).Msg("Browser spawned successfully")
	return browser, nil
}

// Acquire obtains a browser from the pool. It blocks until a browser is
// available, ctx is canceled or the pool timeout elapses.
//
// The caller MUST call Release when done with the browser.
func (p *Pool) Acquire(ctx context.Context) (*rod.Browser, error) {
	if p.closed.Load() {
		return nil, types.ErrBrowserPoolClosed
	}

	timer := time.NewTimer(p.config.BrowserPoolTimeout)
	defer timer.Stop()

	for retry := 0; retry < maxAcquireRetries; retry++ {
		select {
		case browser, ok := <-p.available:
			if !ok || p.closed.Load() {
				if browser != nil {
					_ = browser.Close()
				}
				return nil, types.ErrBrowserPoolClosed
			}

			p.stats.Acquired.Add(1)
			metrics.BrowserPoolAcquired.Inc()

			if !p.isHealthy(browser) {
				log.Warn().Int("retry", retry).Msg("Acquired unhealthy browser, recycling")
				p.stats.Errors.Add(1)
				p.availableCount.Add(-1)
				go p.recycleBrowser(browser)
				continue
			}

			p.availableCount.Add(-1)
			p.publishMetrics()

			p.mu.Lock()
			for _, entry := range p.browsers {
				if entry.browser == browser {
					entry.useCount.Add(1)
					break
				}
			}
			p.mu.Unlock()

			log.Debug().
				Int64("total_acquired", p.stats.Acquired.Load()).
				Msg("Browser acquired from pool")
			return browser, nil

		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", types.ErrContextCanceled, ctx.Err())

		case <-timer.C:
			p.stats.Errors.Add(1)
			return nil, types.ErrBrowserPoolTimeout
		}
	}

	p.stats.Errors.Add(1)
	return nil, fmt.Errorf("%w: all browsers unhealthy after %d retries", types.ErrBrowserUnhealthy, maxAcquireRetries)
}

// Release closes the browser's pages and returns it to the pool.
// It is safe to call with a nil browser.
func (p *Pool) Release(browser *rod.Browser) {
	if browser == nil {
		return
	}

	if p.closed.Load() {
		if err := browser.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing browser during release (pool closed)")
		}
		return
	}
	p.stats.Released.Add(1)

	cleanupFailed := false
	pages, err := browser.Pages()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to get pages for cleanup, browser may be unhealthy")
		cleanupFailed = true
	} else {
		for _, page := range pages {
			if err := page.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close page during cleanup")
				cleanupFailed = true
			}
		}
	}

	if cleanupFailed {
		log.Warn().Msg("Page cleanup failed, recycling browser instead of returning to pool")
		go p.recycleBrowser(browser)
		return
	}

	p.addBrowserToPool(browser)
}

// isHealthy checks that a browser still answers CDP calls.
func (p *Pool) isHealthy(browser *rod.Browser) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := (proto.BrowserGetVersion{}).Call(browser.Context(ctx)); err != nil {
		log.Debug().Err(err).Msg("Browser health check failed")
		return false
	}
	return true
}

// recycleBrowser replaces a broken browser with a fresh one.
// Must never be called while holding p.mu.
func (p *Pool) recycleBrowser(old *rod.Browser) {
	p.stats.Recycled.Add(1)
	p.closeBrowserWithTimeout(old, browserCloseTimeout)

	if p.closed.Load() {
		p.removeBrowserEntry(old)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.config.BrowserPoolTimeout)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	fresh, err := p.spawnBrowser(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to spawn replacement browser")
		p.stats.Errors.Add(1)
		p.removeBrowserEntry(old)
		p.publishMetrics()
		return
	}

	if !p.updateBrowserEntry(old, &browserEntry{browser: fresh, createdAt: time.Now()}) {
		p.mu.Lock()
		p.browsers = append(p.browsers, &browserEntry{browser: fresh, createdAt: time.Now()})
		p.mu.Unlock()
	}
	log.Info().Msg("Browser recycled")
	p.addBrowserToPool(fresh)
}

// closeBrowserWithTimeout closes a browser without blocking longer than
// timeout. Returns true if the browser closed in time.
func (p *Pool) closeBrowserWithTimeout(browser *rod.Browser, timeout time.Duration) bool {
	done := make(chan error, 1)
	go func() {
		done <- browser.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Debug().Err(err).Msg("Error closing browser")
		}
		return true
	case <-time.After(timeout):
		log.Warn().Dur("timeout", timeout).Msg("Timed out closing browser")
		return false
	}
}

// addBrowserToPool puts a browser back on the available channel, or closes
// it when the pool has shut down meanwhile.
func (p *Pool) addBrowserToPool(browser *rod.Browser) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Load() {
		if err := browser.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing browser during release (pool closed during cleanup)")
		}
		return
	}

	select {
	case p.available <- browser:
		p.availableCount.Add(1)
		log.Debug().
			Int64("total_released", p.stats.Released.Load()).
			Msg("Browser released to pool")
	default:
		log.Warn().Msg("Pool is full, closing excess browser")
		if err := browser.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing excess browser")
		}
	}
	p.publishMetricsLocked()
}

// statusRoutine periodically reports pool gauges until the pool stops.
func (p *Pool) statusRoutine() {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.publishMetrics()
			log.Debug().
				Int("size", p.Size()).
				Int("available", p.Available()).
				Msg("Browser pool status")
		}
	}
}

func (p *Pool) publishMetrics() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishMetricsLocked()
}

func (p *Pool) publishMetricsLocked() {
	metrics.UpdatePoolMetrics(len(p.browsers), int(p.availableCount.Load()))
}

// Size returns the number of browsers the pool tracks.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.browsers)
}

// Available returns the number of browsers currently available in the pool.
func (p *Pool) Available() int {
	return int(p.availableCount.Load())
}

// Stats returns a snapshot of the current pool statistics.
func (p *Pool) Stats() PoolStatsSnapshot {
	return PoolStatsSnapshot{
		Size:      p.Size(),
		Available: p.Available(),
		Acquired:  p.stats.Acquired.Load(),
		Released:  p.stats.Released.Load(),
		Recycled:  p.stats.Recycled.Load(),
		Errors:    p.stats.Errors.Load(),
	}
}

// Close shuts down the pool and closes every browser in parallel.
// Acquire fails afterwards. Safe to call multiple times.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed.Swap(true) {
		p.mu.Unlock()
		return nil
	}
	close(p.stopCh)
	close(p.available)
	entries := p.browsers
	p.browsers = nil
	p.mu.Unlock()

	log.Info().Int("browsers", len(entries)).Msg("Closing browser pool")

	// Drain idle browsers; they are also tracked in entries.
	for range p.available {
	}
	p.availableCount.Store(0)

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, entry := range entries {
		entry := entry
		eg.Go(func() error {
			p.closeBrowserWithTimeout(entry.browser, browserCloseTimeout)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		log.Error().Err(err).Msg("Browser pool shutdown encountered errors")
	}

	p.wg.Wait()
	metrics.UpdatePoolMetrics(0, 0)

	log.Info().Msg("Browser pool closed")
	return nil
}

func (p *Pool) removeBrowserEntry(old *rod.Browser) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, entry := range p.browsers {
		if entry.browser == old {
			last := len(p.browsers) - 1
			p.browsers[i] = p.browsers[last]
			p.browsers = p.browsers[:last]
			return
		}
	}
}

func (p *Pool) updateBrowserEntry(old *rod.Browser, fresh *browserEntry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, entry := range p.browsers {
		if entry.browser == old {
			p.browsers[i] = fresh
			return true
		}
	}
	return false
}

func isARM() bool {
	return runtime.GOARCH == "arm64" || runtime.GOARCH == "arm"
}
