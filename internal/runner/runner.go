// Package runner loads URLs through pooled browsers, one intercepted session
// per URL.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/trafficwarden/internal/browser"
	"github.com/Rorqualx/trafficwarden/internal/config"
	"github.com/Rorqualx/trafficwarden/internal/decision"
	"github.com/Rorqualx/trafficwarden/internal/devices"
	"github.com/Rorqualx/trafficwarden/internal/report"
	"github.com/Rorqualx/trafficwarden/internal/rules"
	"github.com/Rorqualx/trafficwarden/internal/security"
	"github.com/Rorqualx/trafficwarden/internal/session"
	"github.com/Rorqualx/trafficwarden/internal/types"
)

// RuleSource yields the rule set a new session should use.
type RuleSource interface {
	Get() *rules.RuleSet
}

// Opener provides a driver for one session. release is called after the
// session has closed the driver.
type Opener interface {
	Open(ctx context.Context, device *types.DeviceProfile) (drv session.Driver, release func(), err error)
}

// Runner runs sessions for URLs with a fixed configuration.
type Runner struct {
	cfg       *config.Config
	rules     RuleSource
	opener    Opener
	extractor session.Extractor
	sessions  *session.Manager
	device    *types.DeviceProfile
}

// Option configures a Runner.
type Option func(*Runner)

// WithExtractor sets the page content extractor. Without one, summaries carry
// no extracted data.
func WithExtractor(e session.Extractor) Option {
	return func(r *Runner) { r.extractor = e }
}

// WithOpener replaces the pool-backed opener.
func WithOpener(o Opener) Option {
	return func(r *Runner) { r.opener = o }
}

// New creates a Runner. The configured device is resolved here so that an
// unknown name fails before any navigation.
func New(cfg *config.Config, pool *browser.Pool, rs RuleSource, opts ...Option) (*Runner, error) {
	r := &Runner{
		cfg:      cfg,
		rules:    rs,
		sessions: session.NewManager(cfg.MaxSessions),
	}
	if pool != nil {
		r.opener = &poolOpener{pool: pool, stealth: cfg.Stealth}
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.opener == nil {
		return nil, types.NewConfigurationError("browser", "", "a browser pool or opener is required")
	}

	if cfg.DeviceProfile != "" {
		profile, err := devices.Resolve(cfg.DeviceProfile)
		if err != nil {
			return nil, err
		}
		r.device = &profile
	}
	return r, nil
}

// Device returns the resolved device profile, or nil when none is emulated.
func (r *Runner) Device() *types.DeviceProfile {
	return r.device
}

// Run loads one URL and returns its summary. A summary may come with an error
// when the session recorded protocol violations.
func (r *Runner) Run(ctx context.Context, rawURL string) (*types.SessionSummary, error) {
	if err := security.ValidateTarget(rawURL); err != nil {
		return nil, types.NewConfigurationError("url", security.RedactURL(rawURL), err.Error())
	}

	engine, err := decision.New(r.rules.Get(), decision.WithMobilePolicy(r.cfg.MobileStrict))
	if err != nil {
		return nil, err
	}

	drv, release, err := r.opener.Open(ctx, r.device)
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	defer release()

	start := time.Now()
	summary, err := r.sessions.Run(ctx, drv, engine, r.extractor, session.Options{
		URL:               rawURL,
		Device:            r.device,
		NavigationTimeout: r.cfg.NavigationTimeout,
		WaitPolicy:        r.cfg.WaitPolicy,
		BlockedEstimates:  r.cfg.BlockedEstimates,
	})

	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("url", security.RedactURL(rawURL)).
		Dur("elapsed", time.Since(start)).
		Bool("summary", summary != nil).
		Msg("URL processed")

	return summary, err
}

// RunAll loads urls concurrently, at most one per pooled browser, and returns
// the results in input order. Failures are reported per result.
func (r *Runner) RunAll(ctx context.Context, urls []string) []report.Result {
	results := make([]report.Result, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.cfg.BrowserPoolSize, 1))
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			summary, err := r.Run(gctx, u)
			results[i] = report.Result{URL: u, Summary: summary, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Close closes any live sessions.
func (r *Runner) Close() error {
	return r.sessions.Close()
}

// poolOpener opens emulated pages on browsers borrowed from a Pool.
type poolOpener struct {
	pool    *browser.Pool
	stealth bool
}

func (o *poolOpener) Open(ctx context.Context, device *types.DeviceProfile) (session.Driver, func(), error) {
	b, err := o.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}

	drv, err := o.openPage(b, device)
	if err != nil {
		o.pool.Release(b)
		return nil, nil, err
	}
	return drv, func() { o.pool.Release(b) }, nil
}

func (o *poolOpener) openPage(b *rod.Browser, device *types.DeviceProfile) (*browser.PageDriver, error) {
	page, err := browser.NewPage(b, o.stealth)
	if err != nil {
		return nil, err
	}

	if device != nil {
		if err := browser.ApplyDevice(page, *device); err != nil {
			_ = page.Close()
			return nil, fmt.Errorf("failed to emulate %s: %w", device.Name, err)
		}
	}

	drv, err := browser.NewPageDriver(page)
	if err != nil {
		_ = page.Close()
		return nil, err
	}
	return drv, nil
}
