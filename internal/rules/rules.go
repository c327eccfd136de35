// Package rules provides the immutable blocking rule set and its loading and
// hot-reload management.
package rules

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"unicode"

	"github.com/Rorqualx/trafficwarden/internal/types"
)

// Group identifies which list of a rule set produced a match.
// Groups are evaluated in declaration order.
type Group int

// Rule groups in precedence order.
const (
	GroupNone Group = iota
	GroupCategory
	GroupDomain
	GroupPath
	GroupKeyword
)

// String returns the group name used in rule ids.
func (g Group) String() string {
	switch g {
	case GroupCategory:
		return "category"
	case GroupDomain:
		return "domain"
	case GroupPath:
		return "path"
	case GroupKeyword:
		return "keyword"
	default:
		return "none"
	}
}

// Reason returns the abort reason reported for a match in this group.
func (g Group) Reason() string {
	switch g {
	case GroupCategory:
		return types.ReasonBlockedCategory
	case GroupDomain:
		return types.ReasonBlockedDomain
	case GroupPath:
		return types.ReasonBlockedPath
	case GroupKeyword:
		return types.ReasonBlockedKeyword
	default:
		return ""
	}
}

// RuleID names the group and entry of a matched rule, e.g. "domain:google-analytics.com".
type RuleID string

// Match describes the rule that blocked a request.
type Match struct {
	Group Group
	Entry string
}

// ID returns the rule id of the match.
func (m Match) ID() RuleID {
	return RuleID(m.Group.String() + ":" + m.Entry)
}

// Lists holds the four blocking lists of a rule group.
type Lists struct {
	Categories []string `yaml:"categories"`
	Domains    []string `yaml:"domains"`
	Paths      []string `yaml:"paths"`
	Keywords   []string `yaml:"keywords"`
}

// Empty reports whether all lists are empty.
func (l Lists) Empty() bool {
	return len(l.Categories) == 0 && len(l.Domains) == 0 && len(l.Paths) == 0 && len(l.Keywords) == 0
}

// Config is the declarative input of a RuleSet.
type Config struct {
	Lists     `yaml:",inline"`
	Mobile    Lists      `yaml:"mobile"`    // Consulted only by the mobile policy hook
	Overrides []Override `yaml:"overrides"` // Explicit opt-in Respond rules
}

// Override substitutes a local response for requests whose URL contains
// URLContains and, when set, whose category equals Category.
type Override struct {
	Name        string            `yaml:"name"`
	URLContains string            `yaml:"url_contains"`
	Category    string            `yaml:"category"`
	StatusCode  int               `yaml:"status"`
	Body        string            `yaml:"body"`
	Headers     map[string]string `yaml:"headers"`
}

// Validate checks the override. field names the override in errors.
func (o Override) Validate(field string) error {
	if strings.TrimSpace(o.URLContains) == "" {
		return types.NewConfigurationError(field, o.Name, "url_contains is required")
	}
	if o.Category != "" {
		if _, ok := types.LookupCategory(o.Category); !ok {
			return types.NewConfigurationError(field, o.Category, "unknown resource category")
		}
	}
	if o.StatusCode < 100 || o.StatusCode > 599 {
		return types.NewConfigurationError(field, fmt.Sprint(o.StatusCode), "status must be in 100..599")
	}
	if o.Body == "" && o.StatusCode != 204 {
		return types.NewConfigurationError(field, o.Name, "body is required")
	}
	return nil
}

// Matches reports whether the override applies to the request.
func (o Override) Matches(category types.ResourceCategory, rawURL string) bool {
	if o.Category != "" && types.ParseCategory(o.Category) != category {
		return false
	}
	return strings.Contains(rawURL, o.URLContains)
}

// RuleSet is an immutable, compiled rule configuration. It is safe to share
// between sessions and goroutines.
type RuleSet struct {
	base      compiled
	mobile    compiled
	overrides []Override
	config    Config
}

type compiled struct {
	categories map[types.ResourceCategory]struct{}
	domains    []string
	paths      []string
	keywords   []string
}

// New validates cfg and compiles it into a RuleSet.
// Malformed entries fail with *types.ConfigurationError.
func New(cfg Config) (*RuleSet, error) {
	base, err := compile("", cfg.Lists)
	if err != nil {
		return nil, err
	}
	mobile, err := compile("mobile.", cfg.Mobile)
	if err != nil {
		return nil, err
	}
	for i, o := range cfg.Overrides {
		if err := o.Validate(fmt.Sprintf("overrides[%d]", i)); err != nil {
			return nil, err
		}
	}

	return &RuleSet{
		base:      base,
		mobile:    mobile,
		overrides: append([]Override(nil), cfg.Overrides...),
		config:    cfg,
	}, nil
}

// MustNew is like New but panics on invalid configuration.
func MustNew(cfg Config) *RuleSet {
	rs, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return rs
}

func compile(prefix string, l Lists) (compiled, error) {
	for _, list := range []*[]string{&l.Categories, &l.Domains, &l.Paths, &l.Keywords} {
		if isClear(*list) {
			*list = nil
		}
	}
	c := compiled{categories: make(map[types.ResourceCategory]struct{}, len(l.Categories))}

	for _, raw := range l.Categories {
		entry, err := cleanEntry(prefix+"categories", raw)
		if err != nil {
			return c, err
		}
		cat, ok := types.LookupCategory(entry)
		if !ok {
			return c, types.NewConfigurationError(prefix+"categories", raw, "unknown resource category")
		}
		if cat == types.CategoryOther {
			return c, types.NewConfigurationError(prefix+"categories", raw, "category other cannot be blocked")
		}
		c.categories[cat] = struct{}{}
	}

	var err error
	if c.domains, err = cleanList(prefix+"domains", l.Domains, true); err != nil {
		return c, err
	}
	for _, d := range c.domains {
		if strings.Contains(d, "/") {
			return c, types.NewConfigurationError(prefix+"domains", d, "domain must not contain a path")
		}
		if strings.IndexFunc(d, func(r rune) bool { return !isHostChar(r) && r != '_' }) >= 0 {
			return c, types.NewConfigurationError(prefix+"domains", d, "domain may only contain letters, digits, dots, hyphens and underscores")
		}
	}
	if c.paths, err = cleanList(prefix+"paths", l.Paths, false); err != nil {
		return c, err
	}
	if c.keywords, err = cleanList(prefix+"keywords", l.Keywords, true); err != nil {
		return c, err
	}
	return c, nil
}

// cleanEntry trims an entry and rejects empty or whitespace-containing values.
func cleanEntry(field, raw string) (string, error) {
	entry := strings.TrimSpace(raw)
	if entry == "" {
		return "", types.NewConfigurationError(field, raw, "entry must not be empty")
	}
	if strings.IndexFunc(entry, unicode.IsSpace) >= 0 {
		return "", types.NewConfigurationError(field, raw, "entry must not contain whitespace")
	}
	return entry, nil
}

func cleanList(field string, raw []string, lower bool) ([]string, error) {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		entry, err := cleanEntry(field, r)
		if err != nil {
			return nil, err
		}
		if lower {
			entry = strings.ToLower(entry)
		}
		if _, dup := seen[entry]; dup {
			continue
		}
		seen[entry] = struct{}{}
		out = append(out, entry)
	}
	return out, nil
}

// Evaluate reports whether a request of the given category to rawURL is
// blocked by the base lists, and by which rule. Groups are checked in the
// order category, domain, path, keyword and the first match wins.
func (rs *RuleSet) Evaluate(category types.ResourceCategory, rawURL string) (Match, bool) {
	return rs.base.evaluate(category, rawURL)
}

// EvaluateMobile is like Evaluate but consults the mobile lists.
func (rs *RuleSet) EvaluateMobile(category types.ResourceCategory, rawURL string) (Match, bool) {
	return rs.mobile.evaluate(category, rawURL)
}

// Overrides returns the configured Respond overrides.
func (rs *RuleSet) Overrides() []Override {
	return append([]Override(nil), rs.overrides...)
}

// Config returns the configuration the rule set was built from.
func (rs *RuleSet) Config() Config {
	return rs.config
}

// Categories returns the blocked base categories in sorted order.
func (rs *RuleSet) Categories() []types.ResourceCategory {
	out := make([]types.ResourceCategory, 0, len(rs.base.categories))
	for c := range rs.base.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Size returns the number of base and mobile entries.
func (rs *RuleSet) Size() int {
	return rs.base.size() + rs.mobile.size()
}

func (c compiled) size() int {
	return len(c.categories) + len(c.domains) + len(c.paths) + len(c.keywords)
}

func (c compiled) evaluate(category types.ResourceCategory, rawURL string) (Match, bool) {
	if category != types.CategoryOther {
		if _, ok := c.categories[category]; ok {
			return Match{Group: GroupCategory, Entry: string(category)}, true
		}
	}

	host, path := splitURL(rawURL)

	if host != "" {
		for _, d := range c.domains {
			if matchDomain(host, d) {
				return Match{Group: GroupDomain, Entry: d}, true
			}
		}
	}

	for _, p := range c.paths {
		if strings.Contains(path, p) {
			return Match{Group: GroupPath, Entry: p}, true
		}
	}

	if len(c.keywords) > 0 {
		lowered := strings.ToLower(rawURL)
		for _, k := range c.keywords {
			if strings.Contains(lowered, k) {
				return Match{Group: GroupKeyword, Entry: k}, true
			}
		}
	}

	return Match{}, false
}

// splitURL returns the lowercase host and the path plus query of rawURL.
// An unparseable URL has no host and is matched on its raw text for paths.
func splitURL(rawURL string) (host, path string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", rawURL
	}
	return strings.ToLower(u.Hostname()), u.RequestURI()
}

// matchDomain matches a bare hostname entry on a label boundary and any other
// entry (a fragment such as "doubleclick" or ".ads.") by containment.
func matchDomain(host, entry string) bool {
	if isHostname(entry) {
		return host == entry || strings.HasSuffix(host, "."+entry)
	}
	return strings.Contains(host, entry)
}

func isHostname(s string) bool {
	if !strings.Contains(s, ".") || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") {
		return false
	}
	for _, r := range s {
		if !isHostChar(r) {
			return false
		}
	}
	return true
}

// isHostChar reports whether r may appear in a lower-cased ASCII hostname.
func isHostChar(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '.' || r == '-'
}
