// Package domainfilter decides whether a candidate URL's host may be followed
// given a job's allow-list or block-list of host patterns.
package domainfilter

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrInvalidPattern is matched by every configuration error returned by New.
var ErrInvalidPattern = errors.New("invalid domain pattern")

// ErrConflictingLists reports a config carrying both an allow-list and a block-list.
var ErrConflictingLists = fmt.Errorf("%w: allow and block lists are mutually exclusive", ErrInvalidPattern)

// PatternError describes a single rejected pattern.
type PatternError struct {
	Pattern string
	Reason  string
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("%s %q: %s", ErrInvalidPattern, e.Pattern, e.Reason)
}

// Is lets errors.Is(err, ErrInvalidPattern) match.
func (e *PatternError) Is(target error) bool { return target == ErrInvalidPattern }

// Config holds the two disjoint pattern lists. A pattern is a bare host
// ("domain.org", matching the host and its subdomains) or a dotted host
// (".domain.org", matching subdomains only).
type Config struct {
	Allow []string `json:"allow,omitempty" mapstructure:"allow"`
	Block []string `json:"block,omitempty" mapstructure:"block"`
}

// Decision is the filter verdict for a URL.
type Decision int

// Filter verdicts.
const (
	Drop Decision = iota
	Follow
)

func (d Decision) String() string {
	if d == Follow {
		return "follow"
	}
	return "drop"
}

type mode int

const (
	modeAll mode = iota
	modeAllow
	modeBlock
)

// Filter is an immutable, validated matcher. The zero value follows everything.
type Filter struct {
	mode     mode
	exact    map[string]struct{}
	suffixes []string
}

// New validates cfg and builds a Filter.
func New(cfg Config) (*Filter, error) {
	if len(cfg.Allow) > 0 && len(cfg.Block) > 0 {
		return nil, ErrConflictingLists
	}
	f := &Filter{exact: make(map[string]struct{})}
	patterns := cfg.Block
	f.mode = modeBlock
	if len(cfg.Allow) > 0 {
		patterns = cfg.Allow
		f.mode = modeAllow
	}
	if len(patterns) == 0 {
		f.mode = modeAll
		return f, nil
	}
	for _, raw := range patterns {
		if err := Validate(raw); err != nil {
			return nil, err
		}
		f.add(normalizeHost(raw))
	}
	return f, nil
}

// Validate checks a single pattern.
func Validate(pattern string) error {
	value := strings.TrimSpace(pattern)
	switch {
	case value == "":
		return &PatternError{Pattern: pattern, Reason: "empty pattern"}
	case strings.ContainsAny(value, "/:?#"):
		return &PatternError{Pattern: pattern, Reason: "expected a bare host, not a URL"}
	case value == ".":
		return &PatternError{Pattern: pattern, Reason: "missing host after leading dot"}
	case strings.ContainsAny(value, " \t"):
		return &PatternError{Pattern: pattern, Reason: "contains whitespace"}
	}
	return nil
}

func (f *Filter) add(pattern string) {
	if strings.HasPrefix(pattern, ".") {
		for _, existing := range f.suffixes {
			if existing == pattern {
				return
			}
		}
		f.suffixes = append(f.suffixes, pattern)
		return
	}
	f.exact[pattern] = struct{}{}
}

// Matches reports whether any configured pattern covers host.
func (f *Filter) Matches(host string) bool {
	if f == nil {
		return false
	}
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	if _, ok := f.exact[host]; ok {
		return true
	}
	for bare := range f.exact {
		if strings.HasSuffix(host, "."+bare) {
			return true
		}
	}
	for _, suffix := range f.suffixes {
		// suffix keeps its leading dot, so the apex never matches.
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// AllowHost applies the allow/block mode to a bare host.
func (f *Filter) AllowHost(host string) bool {
	if f == nil {
		return true
	}
	switch f.mode {
	case modeAllow:
		return f.Matches(host)
	case modeBlock:
		return !f.Matches(host)
	default:
		return true
	}
}

// Decide returns Follow or Drop for rawURL. dontFilter bypasses the lists
// entirely; it is the escape hatch used for seed URLs.
func (f *Filter) Decide(rawURL string, dontFilter bool) Decision {
	if dontFilter {
		return Follow
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		if f == nil || f.mode == modeAll {
			return Follow
		}
		return Drop
	}
	if f.AllowHost(u.Hostname()) {
		return Follow
	}
	return Drop
}

// Allow is shorthand for Decide(...) == Follow.
func (f *Filter) Allow(rawURL string, dontFilter bool) bool {
	return f.Decide(rawURL, dontFilter) == Follow
}

// Enabled reports whether any list is configured.
func (f *Filter) Enabled() bool {
	return f != nil && f.mode != modeAll
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(host, ".")
}
