// Package ledger provides the per-session traffic counters.
package ledger

import (
	"math"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"

	"github.com/Rorqualx/trafficwarden/internal/types"
)

// DefaultMaxSites bounds the per-site breakdown. Bytes for sites beyond the
// limit are accumulated under OtherSite.
const DefaultMaxSites = 500

// OtherSite is the breakdown key for sites past the limit.
const OtherSite = "(other)"

// unknownSite is the breakdown key for URLs without a host.
const unknownSite = "(unknown)"

// Snapshot is a point-in-time copy of the ledger counters.
type Snapshot struct {
	BytesAllowed         int64                        `json:"bytesAllowed"`
	BytesBlockedEstimate int64                        `json:"bytesBlockedEstimate"`
	BytesSubstituted     int64                        `json:"bytesSubstituted"`
	RequestsByOutcome    map[types.DecisionKind]int64 `json:"requestsByOutcome"`
	BlockedByReason      map[string]int64             `json:"blockedByReason,omitempty"`
	BytesBySite          map[string]int64             `json:"bytesBySite,omitempty"`
}

// Ledger accumulates byte counts and decision outcomes for one session.
// All methods are safe for concurrent use. Counters only grow until Reset.
type Ledger struct {
	mu               sync.Mutex
	bytesAllowed     int64
	bytesBlocked     int64
	bytesSubstituted int64
	outcomes         map[types.DecisionKind]int64
	reasons          map[string]int64
	sites            map[string]int64
	maxSites         int
	saturated        bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMaxSites sets the per-site breakdown limit. Values below 1 disable the
// breakdown entirely.
func WithMaxSites(n int) Option {
	return func(l *Ledger) { l.maxSites = n }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{maxSites: DefaultMaxSites}
	for _, opt := range opts {
		opt(l)
	}
	l.resetLocked()
	return l
}

// RecordAllowed adds response bytes of a request that reached the network.
func (l *Ledger) RecordAllowed(bytes int64) {
	bytes = clamp("allowed", bytes)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.bytesAllowed = l.add(l.bytesAllowed, bytes)
}

// RecordAllowedFor is like RecordAllowed and also attributes the bytes to the
// registrable domain of rawURL.
func (l *Ledger) RecordAllowedFor(rawURL string, bytes int64) {
	bytes = clamp("allowed", bytes)
	site := SiteOf(rawURL)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.bytesAllowed = l.add(l.bytesAllowed, bytes)

	if l.maxSites < 1 {
		return
	}
	if _, ok := l.sites[site]; !ok && len(l.sites) >= l.maxSites {
		site = OtherSite
	}
	l.sites[site] = l.add(l.sites[site], bytes)
}

// RecordBlocked adds the estimated size of a request that was aborted.
// Callers pass 0 when no estimate is known.
func (l *Ledger) RecordBlocked(estimatedBytes int64) {
	estimatedBytes = clamp("blocked", estimatedBytes)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.bytesBlocked = l.add(l.bytesBlocked, estimatedBytes)
}

// RecordSubstituted adds the size of a body served locally in place of the
// network response.
func (l *Ledger) RecordSubstituted(bytes int64) {
	bytes = clamp("substituted", bytes)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.bytesSubstituted = l.add(l.bytesSubstituted, bytes)
}

// RecordOutcome counts one decision of the given kind.
func (l *Ledger) RecordOutcome(kind types.DecisionKind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes[kind] = l.add(l.outcomes[kind], 1)
}

// RecordDecision counts the decision's kind and, for aborts, its reason.
func (l *Ledger) RecordDecision(d types.Decision) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes[d.Kind] = l.add(l.outcomes[d.Kind], 1)
	if d.Kind == types.DecisionAbort && d.Reason != "" {
		l.reasons[d.Reason] = l.add(l.reasons[d.Reason], 1)
	}
}

// Snapshot returns a copy of the current counters.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Snapshot{
		BytesAllowed:         l.bytesAllowed,
		BytesBlockedEstimate: l.bytesBlocked,
		BytesSubstituted:     l.bytesSubstituted,
		RequestsByOutcome:    make(map[types.DecisionKind]int64, len(l.outcomes)),
		BlockedByReason:      make(map[string]int64, len(l.reasons)),
		BytesBySite:          make(map[string]int64, len(l.sites)),
	}
	for k, v := range l.outcomes {
		s.RequestsByOutcome[k] = v
	}
	for k, v := range l.reasons {
		s.BlockedByReason[k] = v
	}
	for k, v := range l.sites {
		s.BytesBySite[k] = v
	}
	return s
}

// Reset zeroes all counters. It is called only at session start.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked()
}

func (l *Ledger) resetLocked() {
	l.bytesAllowed = 0
	l.bytesBlocked = 0
	l.bytesSubstituted = 0
	l.outcomes = make(map[types.DecisionKind]int64, 3)
	l.reasons = make(map[string]int64)
	l.sites = make(map[string]int64)
	l.saturated = false
}

// add returns a+b, saturating at math.MaxInt64. Must hold l.mu.
func (l *Ledger) add(a, b int64) int64 {
	if b > math.MaxInt64-a {
		if !l.saturated {
			l.saturated = true
			log.Warn().Msg("Traffic ledger counter saturated")
		}
		return math.MaxInt64
	}
	return a + b
}

func clamp(counter string, n int64) int64 {
	if n < 0 {
		log.Warn().
			Str("counter", counter).
			Int64("bytes", n).
			Msg("Negative byte count clamped to zero")
		return 0
	}
	return n
}

// SiteOf returns the registrable domain (eTLD+1) of rawURL. IP addresses and
// hosts without a registrable domain are returned as is, URLs without a host
// as "(unknown)".
func SiteOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return unknownSite
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return unknownSite
	}
	if net.ParseIP(host) != nil {
		return host
	}
	site, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return site
}
