package engine

import (
	"fmt"
	"time"

	"github.com/spf13/cast"
)

// Config keys read from Spec.Config. Other keys are ignored.
const (
	KeyMaxDepth       = "max_depth"
	KeyMaxPages       = "max_pages"
	KeyUserAgent      = "user_agent"
	KeyDelay          = "delay"
	KeyParallelism    = "parallelism"
	KeyRequestTimeout = "request_timeout"
	KeyRate           = "rate"
	KeyBurst          = "burst"
	KeyObeyRobots     = "obey_robots"
)

// Options controls a crawl.
type Options struct {
	// MaxDepth bounds link depth below the seeds; zero means unlimited.
	MaxDepth int
	// MaxPages bounds the requests issued in one run; zero means unlimited.
	MaxPages       int
	UserAgent      string
	Delay          time.Duration
	Parallelism    int
	RequestTimeout time.Duration
	// Rate caps requests per second per host; zero means no cap.
	Rate  float64
	Burst int
	// ObeyRobots skips URLs disallowed by the host's robots.txt.
	ObeyRobots bool
}

// DefaultOptions are used for keys absent from the job config.
func DefaultOptions() Options {
	return Options{
		UserAgent:      "crawl-supervisor/1.0",
		Parallelism:    2,
		RequestTimeout: 30 * time.Second,
	}
}

// ParseOptions coerces the job's string config into Options.
func ParseOptions(cfg map[string]string) (Options, error) {
	opts := DefaultOptions()
	var err error
	if v, ok := cfg[KeyMaxDepth]; ok {
		if opts.MaxDepth, err = cast.ToIntE(v); err != nil || opts.MaxDepth < 0 {
			return Options{}, fmt.Errorf("%s: invalid value %q", KeyMaxDepth, v)
		}
	}
	if v, ok := cfg[KeyMaxPages]; ok {
		if opts.MaxPages, err = cast.ToIntE(v); err != nil || opts.MaxPages < 0 {
			return Options{}, fmt.Errorf("%s: invalid value %q", KeyMaxPages, v)
		}
	}
	if v, ok := cfg[KeyUserAgent]; ok && v != "" {
		opts.UserAgent = v
	}
	if v, ok := cfg[KeyDelay]; ok {
		if opts.Delay, err = cast.ToDurationE(v); err != nil || opts.Delay < 0 {
			return Options{}, fmt.Errorf("%s: invalid value %q", KeyDelay, v)
		}
	}
	if v, ok := cfg[KeyParallelism]; ok {
		if opts.Parallelism, err = cast.ToIntE(v); err != nil || opts.Parallelism < 1 {
			return Options{}, fmt.Errorf("%s: invalid value %q", KeyParallelism, v)
		}
	}
	if v, ok := cfg[KeyRequestTimeout]; ok {
		if opts.RequestTimeout, err = cast.ToDurationE(v); err != nil || opts.RequestTimeout <= 0 {
			return Options{}, fmt.Errorf("%s: invalid value %q", KeyRequestTimeout, v)
		}
	}
	if v, ok := cfg[KeyRate]; ok {
		if opts.Rate, err = cast.ToFloat64E(v); err != nil || opts.Rate < 0 {
			return Options{}, fmt.Errorf("%s: invalid value %q", KeyRate, v)
		}
	}
	if v, ok := cfg[KeyBurst]; ok {
		if opts.Burst, err = cast.ToIntE(v); err != nil || opts.Burst < 0 {
			return Options{}, fmt.Errorf("%s: invalid value %q", KeyBurst, v)
		}
	}
	if v, ok := cfg[KeyObeyRobots]; ok {
		if opts.ObeyRobots, err = cast.ToBoolE(v); err != nil {
			return Options{}, fmt.Errorf("%s: invalid value %q", KeyObeyRobots, v)
		}
	}
	return opts, nil
}
