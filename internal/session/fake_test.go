package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Rorqualx/trafficwarden/internal/types"
)

// step is one request the fake browser issues during navigation. Continued
// requests get a response of the given size.
type step struct {
	req   types.PendingRequest
	bytes int64
}

// fakeDriver scripts a page load for session tests.
type fakeDriver struct {
	mu         sync.Mutex
	onRequest  func(types.PendingRequest)
	onResponse func(string, int64)
	decisions  map[string][]types.Decision
	navigating bool

	traffic  []step
	hang     bool  // Block after the traffic until ctx is done
	navErr   error // Returned by Navigate after the traffic
	applyErr error // Returned by ApplyDecision; the decision is not recorded
	closeErr error

	navigateCalls atomic.Int32
	closeCalls    atomic.Int32
}

func newFakeDriver(traffic ...step) *fakeDriver {
	return &fakeDriver{traffic: traffic, decisions: make(map[string][]types.Decision)}
}

func (f *fakeDriver) OnRequest(fn func(types.PendingRequest)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.navigating {
		return types.ErrLateAttach
	}
	f.onRequest = fn
	return nil
}

func (f *fakeDriver) OnResponse(fn func(string, int64)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.navigating {
		return types.ErrLateAttach
	}
	f.onResponse = fn
	return nil
}

func (f *fakeDriver) ApplyDecision(_ context.Context, id string, d types.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.decisions[id] = append(f.decisions[id], d)
	return nil
}

func (f *fakeDriver) decided(id string) (types.Decision, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds := f.decisions[id]
	if len(ds) == 0 {
		return types.Decision{}, false
	}
	return ds[len(ds)-1], true
}

func (f *fakeDriver) decisionCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.decisions[id])
}

func (f *fakeDriver) emitRequest(req types.PendingRequest) {
	f.mu.Lock()
	fn := f.onRequest
	f.mu.Unlock()
	if fn != nil {
		fn(req)
	}
}

func (f *fakeDriver) emitResponse(id string, bytes int64) {
	f.mu.Lock()
	fn := f.onResponse
	f.mu.Unlock()
	if fn != nil {
		fn(id, bytes)
	}
}

func (f *fakeDriver) Navigate(ctx context.Context, _ string, _ types.WaitPolicy) error {
	f.navigateCalls.Add(1)
	f.mu.Lock()
	f.navigating = true
	f.mu.Unlock()

	for _, s := range f.traffic {
		f.emitRequest(s.req)
		if d, ok := f.decided(s.req.ID); ok && d.Kind == types.DecisionContinue {
			f.emitResponse(s.req.ID, s.bytes)
		}
	}

	if f.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.navErr
}

func (f *fakeDriver) Page() types.PageHandle {
	return fakePage{url: "https://example.com/", html: "<html><title>Example</title></html>"}
}

func (f *fakeDriver) Close() error {
	f.closeCalls.Add(1)
	return f.closeErr
}

type fakePage struct {
	url  string
	html string
}

func (p fakePage) URL() string { return p.url }

func (p fakePage) HTML(context.Context) (string, error) { return p.html, nil }

// fakeExtractor returns fixed data or an error.
type fakeExtractor struct {
	err   error
	calls atomic.Int32
}

func (e *fakeExtractor) Extract(_ context.Context, page types.PageHandle) (*types.ExtractedData, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	return &types.ExtractedData{URL: page.URL(), Title: "Example"}, nil
}
