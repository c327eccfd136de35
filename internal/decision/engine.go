// Package decision turns a pending request into exactly one intercept decision.
package decision

import (
	"fmt"

	"github.com/Rorqualx/trafficwarden/internal/rules"
	"github.com/Rorqualx/trafficwarden/internal/types"
)

// Override is an explicit opt-in rule that answers matching requests locally.
type Override = rules.Override

// Engine evaluates requests against an immutable RuleSet.
// It holds no mutable state and is safe for concurrent use.
type Engine struct {
	rules        *rules.RuleSet
	overrides    []Override
	mobilePolicy bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithOverrides adds Respond overrides evaluated after those of the rule set.
func WithOverrides(overrides ...Override) Option {
	return func(e *Engine) {
		e.overrides = append(e.overrides, overrides...)
	}
}

// WithMobilePolicy enables the mobile lists of the rule set for requests made
// under a mobile device profile.
func WithMobilePolicy(enabled bool) Option {
	return func(e *Engine) {
		e.mobilePolicy = enabled
	}
}

// New creates an Engine. Overrides are validated here so that a malformed
// override fails before any session starts.
func New(rs *rules.RuleSet, opts ...Option) (*Engine, error) {
	if rs == nil {
		return nil, types.NewConfigurationError("rules", "", "rule set is required")
	}

	e := &Engine{
		rules:     rs,
		overrides: rs.Overrides(),
	}
	for _, opt := range opts {
		opt(e)
	}

	for i, o := range e.overrides {
		if err := o.Validate(fmt.Sprintf("overrides[%d]", i)); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Rules returns the rule set the engine evaluates.
func (e *Engine) Rules() *rules.RuleSet {
	return e.rules
}

// Decide returns the decision for req. The first match wins: overrides,
// then category, domain, path and keyword rules. Mobile lists are consulted
// after the base lists when the mobile policy is on and dev is mobile.
func (e *Engine) Decide(req types.PendingRequest, dev types.DeviceContext) types.Decision {
	for _, o := range e.overrides {
		if o.Matches(req.Category, req.URL) {
			return types.Respond(o.StatusCode, []byte(o.Body), o.Headers, overrideRule(o))
		}
	}

	if m, blocked := e.rules.Evaluate(req.Category, req.URL); blocked {
		return types.Abort(m.Group.Reason(), string(m.ID()))
	}

	if e.mobilePolicy && dev.IsMobile {
		if m, blocked := e.rules.EvaluateMobile(req.Category, req.URL); blocked {
			return types.Abort(m.Group.Reason(), "mobile."+string(m.ID()))
		}
	}

	return types.Continue()
}

func overrideRule(o Override) string {
	if o.Name != "" {
		return "override:" + o.Name
	}
	return "override:" + o.URLContains
}
