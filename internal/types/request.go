package types

import (
	"fmt"
	"strings"
)

// ResourceCategory classifies a request by the kind of asset it fetches.
type ResourceCategory string

// Resource category values. The driver attaches one to every request.
const (
	CategoryDocument    ResourceCategory = "document"
	CategoryScript      ResourceCategory = "script"
	CategoryStylesheet  ResourceCategory = "stylesheet"
	CategoryImage       ResourceCategory = "image"
	CategoryFont        ResourceCategory = "font"
	CategoryMedia       ResourceCategory = "media"
	CategoryXHR         ResourceCategory = "xhr"
	CategoryFetch       ResourceCategory = "fetch"
	CategoryWebSocket   ResourceCategory = "websocket"
	CategoryEventSource ResourceCategory = "eventsource"
	CategoryManifest    ResourceCategory = "manifest"
	CategoryPrefetch    ResourceCategory = "prefetch"
	CategoryPreflight   ResourceCategory = "preflight"
	CategoryOther       ResourceCategory = "other"
)

// Categories lists every known category in declaration order.
var Categories = []ResourceCategory{
	CategoryDocument, CategoryScript, CategoryStylesheet, CategoryImage,
	CategoryFont, CategoryMedia, CategoryXHR, CategoryFetch,
	CategoryWebSocket, CategoryEventSource, CategoryManifest,
	CategoryPrefetch, CategoryPreflight, CategoryOther,
}

// ParseCategory maps a driver resource type to a category.
// Matching is case-insensitive so CDP spellings ("XHR", "EventSource") work.
// Anything unrecognized is classified as CategoryOther.
func ParseCategory(s string) ResourceCategory {
	c, ok := LookupCategory(s)
	if !ok {
		return CategoryOther
	}
	return c
}

// LookupCategory is like ParseCategory but reports whether s was recognized.
func LookupCategory(s string) (ResourceCategory, bool) {
	want := ResourceCategory(strings.ToLower(strings.TrimSpace(s)))
	for _, c := range Categories {
		if c == want {
			return c, true
		}
	}
	return CategoryOther, false
}

// PendingRequest is an outgoing request observed by the driver and awaiting
// a decision. It is discarded once the decision has been applied.
type PendingRequest struct {
	ID       string            // Driver-assigned, unique per in-flight request
	URL      string            // Absolute URL
	Category ResourceCategory  // Immutable per request
	Headers  map[string]string // Request headers
}

// DecisionKind tags the variant held by a Decision.
type DecisionKind int

// Decision kinds.
const (
	DecisionContinue DecisionKind = iota
	DecisionAbort
	DecisionRespond
)

// String returns the lowercase name of the kind.
func (k DecisionKind) String() string {
	switch k {
	case DecisionContinue:
		return "continue"
	case DecisionAbort:
		return "abort"
	case DecisionRespond:
		return "respond"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText lets DecisionKind be used as a JSON map key.
func (k DecisionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Abort reasons produced by the decision engine.
const (
	ReasonBlockedCategory = "blocked-category"
	ReasonBlockedDomain   = "blocked-domain"
	ReasonBlockedPath     = "blocked-path"
	ReasonBlockedKeyword  = "blocked-keyword"
)

// Decision is the terminal verdict for one PendingRequest.
type Decision struct {
	Kind        DecisionKind
	Reason      string            // Abort only
	StatusCode  int               // Respond only
	Body        []byte            // Respond only
	Headers     map[string]string // Respond only
	MatchedRule string            // Rule or override that produced the decision, if any
}

// Continue lets the request proceed to the network unchanged.
func Continue() Decision {
	return Decision{Kind: DecisionContinue}
}

// Abort fails the request with the given reason.
func Abort(reason, rule string) Decision {
	return Decision{Kind: DecisionAbort, Reason: reason, MatchedRule: rule}
}

// Respond fulfills the request locally with the given status, body and headers.
func Respond(statusCode int, body []byte, headers map[string]string, rule string) Decision {
	return Decision{
		Kind:        DecisionRespond,
		StatusCode:  statusCode,
		Body:        body,
		Headers:     headers,
		MatchedRule: rule,
	}
}

// Validate checks the variant-specific fields of the decision.
func (d Decision) Validate() error {
	switch d.Kind {
	case DecisionContinue:
		return nil
	case DecisionAbort:
		if d.Reason == "" {
			return NewConfigurationError("decision", d.Kind.String(), "abort requires a reason")
		}
		return nil
	case DecisionRespond:
		if d.StatusCode < 100 || d.StatusCode > 599 {
			return NewConfigurationError("decision", fmt.Sprint(d.StatusCode), "respond status must be in 100..599")
		}
		if d.Body == nil {
			return NewConfigurationError("decision", d.Kind.String(), "respond requires a body")
		}
		return nil
	default:
		return NewConfigurationError("decision", d.Kind.String(), "unknown decision kind")
	}
}

// WaitPolicy selects the driver signal that ends the Navigating state.
type WaitPolicy string

// Wait policies.
const (
	WaitDOMReady    WaitPolicy = "domReady"
	WaitNetworkIdle WaitPolicy = "networkIdle"
)

// ParseWaitPolicy accepts the policy names case-insensitively.
func ParseWaitPolicy(s string) (WaitPolicy, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "domready", "dom_ready", "domcontentloaded":
		return WaitDOMReady, true
	case "networkidle", "network_idle":
		return WaitNetworkIdle, true
	default:
		return "", false
	}
}

// DeviceProfile is a named bundle of viewport and user-agent emulation settings.
type DeviceProfile struct {
	Name              string  `json:"name" yaml:"name"`
	ViewportWidth     int     `json:"viewportWidth" yaml:"viewport_width"`
	ViewportHeight    int     `json:"viewportHeight" yaml:"viewport_height"`
	DeviceScaleFactor float64 `json:"deviceScaleFactor" yaml:"device_scale_factor"`
	IsMobile          bool    `json:"isMobile" yaml:"is_mobile"`
	HasTouch          bool    `json:"hasTouch" yaml:"has_touch"`
	IsLandscape       bool    `json:"isLandscape" yaml:"is_landscape"`
	UserAgent         string  `json:"userAgent" yaml:"user_agent"`
}

// Context returns the per-request view of the profile.
func (p DeviceProfile) Context() DeviceContext {
	return DeviceContext{IsMobile: p.IsMobile}
}

// DeviceContext is the part of a device profile visible to rule evaluation.
type DeviceContext struct {
	IsMobile bool
}
