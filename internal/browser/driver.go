package browser

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/trafficwarden/internal/types"
)

const listenerShutdownTimeout = 5 * time.Second

// PageDriver intercepts every request of one rod page through the CDP Fetch
// domain. Paused requests are handed to the request callback and released by
// ApplyDecision. Request ids are Fetch request ids.
type PageDriver struct {
	page   *rod.Page
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	onRequest  func(types.PendingRequest)
	onResponse func(string, int64)
	navigating bool
	fetchIDs   map[proto.NetworkRequestID]string

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPageDriver enables interception on page and starts listening for paused
// requests. Requests paused before a callback is attached are continued.
func NewPageDriver(page *rod.Page) (*PageDriver, error) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &PageDriver{
		page:     page,
		ctx:      ctx,
		cancel:   cancel,
		fetchIDs: make(map[proto.NetworkRequestID]string),
	}

	err := proto.FetchEnable{
		Patterns: []*proto.FetchRequestPattern{{
			URLPattern:   "*",
			RequestStage: proto.FetchRequestStageRequest,
		}},
	}.Call(page)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to enable request interception: %w", err)
	}
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to enable network events: %w", err)
	}
	if err := (proto.PageSetLifecycleEventsEnabled{Enabled: true}).Call(page); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to enable lifecycle events: %w", err)
	}

	wait := page.Context(ctx).EachEvent(
		func(e *proto.FetchRequestPaused) {
			d.paused(e)
		},
		func(e *proto.NetworkLoadingFinished) {
			d.finished(e)
		},
	)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		wait()
	}()

	return d, nil
}

// OnRequest registers the paused-request callback.
func (d *PageDriver) OnRequest(fn func(types.PendingRequest)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.navigating {
		return types.ErrLateAttach
	}
	d.onRequest = fn
	return nil
}

// OnResponse registers the response-size callback.
func (d *PageDriver) OnResponse(fn func(string, int64)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.navigating {
		return types.ErrLateAttach
	}
	d.onResponse = fn
	return nil
}

// paused runs on the event loop. The network id mapping is recorded before
// the callback is dispatched so the response can never arrive unmapped.
func (d *PageDriver) paused(e *proto.FetchRequestPaused) {
	id := string(e.RequestID)

	d.mu.Lock()
	fn := d.onRequest
	if e.NetworkID != "" {
		d.fetchIDs[e.NetworkID] = id
	}
	d.mu.Unlock()

	if fn == nil {
		if err := d.ApplyDecision(d.ctx, id, types.Continue()); err != nil {
			log.Debug().Err(err).Str("request_id", id).Msg("Failed to continue unobserved request")
		}
		return
	}

	req := types.PendingRequest{
		ID:       id,
		URL:      e.Request.URL,
		Category: types.ParseCategory(string(e.ResourceType)),
		Headers:  flattenHeaders(e.Request.Headers),
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn(req)
	}()
}

func (d *PageDriver) finished(e *proto.NetworkLoadingFinished) {
	d.mu.Lock()
	fn := d.onResponse
	id, ok := d.fetchIDs[e.RequestID]
	delete(d.fetchIDs, e.RequestID)
	d.mu.Unlock()

	// Requests the Fetch domain never paused (data: URLs, served from
	// memory) have no id and are not part of the ledger.
	if !ok || fn == nil {
		return
	}
	fn(id, int64(e.EncodedDataLength))
}

// ApplyDecision releases a paused request.
func (d *PageDriver) ApplyDecision(ctx context.Context, requestID string, dec types.Decision) error {
	page := d.page.Context(ctx)
	id := proto.FetchRequestID(requestID)

	if dec.Kind != types.DecisionContinue {
		d.forget(requestID)
	}

	switch dec.Kind {
	case types.DecisionContinue:
		return proto.FetchContinueRequest{RequestID: id}.Call(page)
	case types.DecisionAbort:
		return proto.FetchFailRequest{
			RequestID:   id,
			ErrorReason: proto.NetworkErrorReasonBlockedByClient,
		}.Call(page)
	case types.DecisionRespond:
		return proto.FetchFulfillRequest{
			RequestID:       id,
			ResponseCode:    dec.StatusCode,
			ResponseHeaders: headerEntries(dec.Headers),
			Body:            dec.Body,
		}.Call(page)
	default:
		return fmt.Errorf("unknown decision kind %v", dec.Kind)
	}
}

// forget drops the network mapping of a request that will not reach the
// network. Fulfilled requests still report loading finished.
func (d *PageDriver) forget(requestID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for networkID, id := range d.fetchIDs {
		if id == requestID {
			delete(d.fetchIDs, networkID)
			return
		}
	}
}

// Navigate loads url and waits for the signal named by policy. The wait is
// bounded only by ctx.
func (d *PageDriver) Navigate(ctx context.Context, url string, policy types.WaitPolicy) error {
	d.mu.Lock()
	d.navigating = true
	d.mu.Unlock()

	page := d.page.Context(ctx)

	// Subscribe before navigating; events are buffered until wait runs.
	var loaderID proto.NetworkLoaderID
	var wait func()
	switch policy {
	case types.WaitDOMReady:
		wait = page.WaitEvent(&proto.PageDomContentEventFired{})
	default:
		wait = page.EachEvent(func(e *proto.PageLifecycleEvent) bool {
			return e.Name == "networkIdle" && e.LoaderID == loaderID
		})
	}

	res, err := proto.PageNavigate{URL: url}.Call(page)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if res.ErrorText != "" {
		return errors.New(res.ErrorText)
	}
	if res.LoaderID == "" && policy != types.WaitDOMReady {
		// Same-document navigation; no new lifecycle follows.
		return nil
	}
	loaderID = res.LoaderID

	wait()
	return ctx.Err()
}

// Page returns a handle to the live page for extraction.
func (d *PageDriver) Page() types.PageHandle {
	return pageHandle{page: d.page}
}

// Close stops the listeners, releases any still-paused requests and closes
// the page. Only the first call does anything.
func (d *PageDriver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.cancel()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(listenerShutdownTimeout):
			log.Warn().Msg("Timeout waiting for interception listeners to stop")
		}

		if disableErr := (proto.FetchDisable{}).Call(d.page); disableErr != nil {
			log.Debug().Err(disableErr).Msg("Failed to disable request interception")
		}
		err = d.page.Close()
	})
	return err
}

type pageHandle struct {
	page *rod.Page
}

func (h pageHandle) URL() string {
	info, err := h.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (h pageHandle) HTML(ctx context.Context) (string, error) {
	return h.page.Context(ctx).HTML()
}

// flattenHeaders converts CDP header values to strings.
func flattenHeaders(h proto.NetworkHeaders) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, v := range h {
		out[name] = v.Str()
	}
	return out
}

// headerEntries converts decision headers into CDP entries in name order.
func headerEntries(h map[string]string) []*proto.FetchHeaderEntry {
	if len(h) == 0 {
		return nil
	}
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*proto.FetchHeaderEntry, 0, len(names))
	for _, name := range names {
		out = append(out, &proto.FetchHeaderEntry{Name: name, Value: h[name]})
	}
	return out
}
