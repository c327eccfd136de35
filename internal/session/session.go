// Package session orchestrates one intercepted page load: it attaches to the
// driver's request stream, applies exactly one decision per request, feeds the
// traffic ledger and reports a summary when the session closes.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/trafficwarden/internal/ledger"
	"github.com/Rorqualx/trafficwarden/internal/metrics"
	"github.com/Rorqualx/trafficwarden/internal/security"
	"github.com/Rorqualx/trafficwarden/internal/types"
)

// Driver is the browser automation surface a session consumes.
// Callbacks may be invoked concurrently.
type Driver interface {
	OnRequest(fn func(types.PendingRequest)) error
	OnResponse(fn func(requestID string, bytes int64)) error
	ApplyDecision(ctx context.Context, requestID string, d types.Decision) error
	Navigate(ctx context.Context, url string, policy types.WaitPolicy) error
	Page() types.PageHandle
	Close() error
}

// Decider produces the decision for a pending request.
type Decider interface {
	Decide(req types.PendingRequest, dev types.DeviceContext) types.Decision
}

// Extractor turns a loaded page into structured data.
type Extractor interface {
	Extract(ctx context.Context, page types.PageHandle) (*types.ExtractedData, error)
}

// State is a session lifecycle state.
type State int32

// Session states in lifecycle order.
const (
	StateCreated State = iota
	StateNavigating
	StateLoaded
	StateExtracting
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateNavigating:
		return "navigating"
	case StateLoaded:
		return "loaded"
	case StateExtracting:
		return "extracting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a session.
type Options struct {
	URL               string
	Device            *types.DeviceProfile // nil means no emulation
	NavigationTimeout time.Duration        // 0 means only the caller's deadline applies; either yields a partial page
	WaitPolicy        types.WaitPolicy
	BlockedEstimates  map[types.ResourceCategory]int64 // Estimated size of aborted requests; default 0
	Ledger            *ledger.Ledger                   // Optional; a fresh ledger is created when nil
}

// record is the decided state of one request id.
type record struct {
	url       string
	kind      types.DecisionKind
	responded bool
	rejected  bool // The driver refused the decision; nothing is credited
}

// Session drives one navigation through Created, Navigating, Loaded,
// Extracting and Closed.
type Session struct {
	id        string
	driver    Driver
	engine    Decider
	extractor Extractor
	opts      Options
	dev       types.DeviceContext
	ledger    *ledger.Ledger

	state     atomic.Int32
	closed    atomic.Bool
	closeOnce sync.Once

	ctx      context.Context // Governs ApplyDecision calls; set by Start
	started  time.Time
	finished time.Time

	mu         sync.Mutex
	requests   map[string]*record
	violations []error
}

// New creates a session in the Created state. Nothing is attached to the
// driver until Start.
func New(id string, driver Driver, engine Decider, extractor Extractor, opts Options) *Session {
	if opts.WaitPolicy == "" {
		opts.WaitPolicy = types.WaitNetworkIdle
	}
	l := opts.Ledger
	if l == nil {
		l = ledger.New()
	}

	s := &Session{
		id:        id,
		driver:    driver,
		engine:    engine,
		extractor: extractor,
		opts:      opts,
		ledger:    l,
		ctx:       context.Background(),
		requests:  make(map[string]*record),
	}
	if opts.Device != nil {
		s.dev = opts.Device.Context()
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// URL returns the navigation target.
func (s *Session) URL() string { return s.opts.URL }

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Ledger returns the session's traffic ledger.
func (s *Session) Ledger() *ledger.Ledger { return s.ledger }

// Start attaches the interception callbacks and moves the session to
// Navigating. It must be called exactly once, before any navigation.
func (s *Session) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateNavigating)) {
		return &types.LateAttachError{SessionID: s.id, State: s.State().String()}
	}

	s.ctx = ctx
	s.ledger.Reset()
	s.started = time.Now()

	if err := s.driver.OnRequest(s.handleRequest); err != nil {
		return s.attachError(err)
	}
	if err := s.driver.OnResponse(s.handleResponse); err != nil {
		return s.attachError(err)
	}

	log.Debug().
		Str("session_id", s.id).
		Str("url", security.RedactURL(s.opts.URL)).
		Msg("Interception attached")
	return nil
}

func (s *Session) attachError(err error) error {
	if errors.Is(err, types.ErrLateAttach) {
		return &types.LateAttachError{SessionID: s.id, State: StateNavigating.String()}
	}
	return fmt.Errorf("session %s: failed to attach interception: %w", s.id, err)
}

// Run executes the whole lifecycle and always closes the session.
// Navigation failure returns a *types.NavigationError and no summary.
// A navigation timeout or an expired caller deadline yields a partial summary.
// Extraction failures are recorded in the summary. Protocol violations are
// returned joined together with the summary.
func (s *Session) Run(ctx context.Context) (*types.SessionSummary, error) {
	defer s.Close()

	if err := s.Start(ctx); err != nil {
		metrics.RecordSession("attach_error", 0)
		return nil, err
	}

	partial, err := s.navigate(ctx)
	if err != nil {
		s.Close()
		metrics.RecordSession("navigation_error", s.elapsed())
		return nil, err
	}
	s.state.Store(int32(StateLoaded))

	s.state.Store(int32(StateExtracting))
	data, extractErr := s.extract(ctx)

	s.Close()
	summary := s.summary(partial, data, extractErr)

	result := "ok"
	switch {
	case partial:
		result = "partial"
	case extractErr != nil:
		result = "extraction_error"
	}
	metrics.RecordSession(result, s.elapsed())

	log.Info().
		Str("session_id", s.id).
		Str("url", security.RedactURL(s.opts.URL)).
		Int64("bytes_allowed", summary.BytesAllowed).
		Int64("requests", summary.TotalRequests()).
		Bool("partial", partial).
		Int64("elapsed_ms", summary.ElapsedMs).
		Msg("Session finished")

	if len(summary.ProtocolViolations) > 0 {
		return summary, errors.Join(s.Violations()...)
	}
	return summary, nil
}

// navigate issues the navigation and waits for the load signal. Hitting the
// navigation timeout or the caller's deadline is reported as partial;
// cancellation is a navigation failure.
func (s *Session) navigate(ctx context.Context) (partial bool, err error) {
	navCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.opts.NavigationTimeout > 0 {
		navCtx, cancel = context.WithTimeout(ctx, s.opts.NavigationTimeout)
	}
	defer cancel()

	err = s.driver.Navigate(navCtx, s.opts.URL, s.opts.WaitPolicy)
	if err == nil {
		return false, nil
	}

	// Either deadline, ours or the caller's, degrades to a partial page.
	if errors.Is(navCtx.Err(), context.DeadlineExceeded) {
		log.Warn().
			Str("session_id", s.id).
			Str("url", security.RedactURL(s.opts.URL)).
			Dur("timeout", s.opts.NavigationTimeout).
			Msg("Navigation timed out, continuing with partial page")
		return true, nil
	}

	if ctx.Err() != nil {
		err = ctx.Err()
	}
	log.Error().
		Err(err).
		Str("session_id", s.id).
		Str("url", security.RedactURL(s.opts.URL)).
		Msg("Navigation failed")
	return false, &types.NavigationError{URL: s.opts.URL, Err: err}
}

func (s *Session) extract(ctx context.Context) (*types.ExtractedData, error) {
	if s.extractor == nil {
		return nil, nil
	}

	extractCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.opts.NavigationTimeout > 0 {
		extractCtx, cancel = context.WithTimeout(ctx, s.opts.NavigationTimeout)
	}
	defer cancel()

	data, err := s.extractor.Extract(extractCtx, s.driver.Page())
	if err != nil {
		var ee *types.ExtractionError
		if !errors.As(err, &ee) {
			err = &types.ExtractionError{URL: s.opts.URL, Message: "extractor failed", Err: err}
		}
		log.Warn().
			Err(err).
			Str("session_id", s.id).
			Msg("Extraction failed")
		return nil, err
	}
	return data, nil
}

// Close releases the driver exactly once. Later request and response events
// are ignored. Calling Close again is a no-op.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		prev := State(s.state.Swap(int32(StateClosed)))
		s.finished = time.Now()

		err = s.driver.Close()
		if err != nil {
			log.Warn().Err(err).Str("session_id", s.id).Msg("Error releasing driver")
		}

		log.Debug().
			Str("session_id", s.id).
			Str("from_state", prev.String()).
			Msg("Session closed")
	})
	return err
}

// Violations returns the protocol violations detected so far.
func (s *Session) Violations() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.violations...)
}

func (s *Session) elapsed() time.Duration {
	if s.started.IsZero() {
		return 0
	}
	end := s.finished
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.started)
}

func (s *Session) summary(partial bool, data *types.ExtractedData, extractErr error) *types.SessionSummary {
	snap := s.ledger.Snapshot()

	summary := &types.SessionSummary{
		ID:                   s.id,
		URL:                  s.opts.URL,
		BytesAllowed:         snap.BytesAllowed,
		BytesBlockedEstimate: snap.BytesBlockedEstimate,
		BytesSubstituted:     snap.BytesSubstituted,
		RequestsByOutcome:    snap.RequestsByOutcome,
		BlockedByReason:      snap.BlockedByReason,
		BytesBySite:          snap.BytesBySite,
		ElapsedMs:            s.elapsed().Milliseconds(),
		Partial:              partial,
		Data:                 data,
	}
	if s.opts.Device != nil {
		summary.Device = s.opts.Device.Name
	}
	if extractErr != nil {
		msg := extractErr.Error()
		summary.ExtractionError = &msg
	}
	for _, v := range s.Violations() {
		summary.ProtocolViolations = append(summary.ProtocolViolations, v.Error())
	}
	return summary
}

// handleRequest decides a paused request exactly once.
func (s *Session) handleRequest(req types.PendingRequest) {
	if s.closed.Load() {
		return
	}

	s.mu.Lock()
	if _, seen := s.requests[req.ID]; seen {
		s.mu.Unlock()
		s.violation(&types.ProtocolError{RequestID: req.ID, Message: "request observed twice; not decided again"})
		return
	}
	d := s.engine.Decide(req, s.dev)
	invalid := d.Validate()
	if invalid != nil {
		d = types.Continue()
	}
	s.requests[req.ID] = &record{url: req.URL, kind: d.Kind}
	s.mu.Unlock()

	if invalid != nil {
		s.violation(&types.ProtocolError{RequestID: req.ID, Message: "invalid decision replaced by continue: " + invalid.Error()})
	}

	if err := s.driver.ApplyDecision(s.ctx, req.ID, d); err != nil {
		s.rejected(req.ID, d, err)
		return
	}

	s.ledger.RecordDecision(d)
	metrics.RecordDecision(d.Kind.String(), d.Reason, string(req.Category))

	switch d.Kind {
	case types.DecisionAbort:
		est := s.opts.BlockedEstimates[req.Category]
		s.ledger.RecordBlocked(est)
		metrics.RecordBytes("blocked_estimate", est)
		log.Debug().
			Str("session_id", s.id).
			Str("url", security.RedactURL(req.URL)).
			Str("reason", d.Reason).
			Str("rule", d.MatchedRule).
			Msg("Request blocked")
	case types.DecisionRespond:
		n := int64(len(d.Body))
		s.ledger.RecordSubstituted(n)
		metrics.RecordBytes("substituted", n)
		log.Debug().
			Str("session_id", s.id).
			Str("url", security.RedactURL(req.URL)).
			Str("rule", d.MatchedRule).
			Int("status", d.StatusCode).
			Msg("Request answered locally")
	}
}

// handleResponse credits response bytes to a continued request, once.
func (s *Session) handleResponse(requestID string, bytes int64) {
	if s.closed.Load() {
		return
	}

	s.mu.Lock()
	rec, ok := s.requests[requestID]
	var problem string
	switch {
	case !ok:
		problem = "response for unknown request"
	case rec.rejected:
		problem = "response for request whose decision was rejected"
	case rec.kind != types.DecisionContinue:
		problem = "response for request decided " + rec.kind.String()
	case rec.responded:
		problem = "second response for request"
	default:
		rec.responded = true
	}
	s.mu.Unlock()

	if problem != "" {
		s.violation(&types.ProtocolError{RequestID: requestID, Message: problem})
		return
	}

	s.ledger.RecordAllowedFor(rec.url, bytes)
	metrics.RecordBytes("allowed", bytes)
}

// rejected handles a decision the driver refused. Nothing is credited to the
// ledger. A refusal after close or after the caller's context ended is
// expected while the page shuts down.
func (s *Session) rejected(id string, d types.Decision, err error) {
	s.mu.Lock()
	if rec, ok := s.requests[id]; ok {
		rec.rejected = true
	}
	s.mu.Unlock()

	if s.closed.Load() || s.ctx.Err() != nil {
		log.Debug().
			Err(err).
			Str("session_id", s.id).
			Str("request_id", id).
			Msg("Decision not applied after shutdown")
		return
	}
	s.violation(&types.ProtocolError{RequestID: id, Message: "driver rejected " + d.Kind.String() + " decision", Err: err})
}

func (s *Session) violation(err error) {
	s.mu.Lock()
	s.violations = append(s.violations, err)
	s.mu.Unlock()

	metrics.RecordProtocolViolation()
	log.Error().
		Err(err).
		Str("session_id", s.id).
		Msg("Driver protocol violation")
}
