package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"go.uber.org/zap"
)

const (
	// DefaultSchedulerPort is used when the scheduler address is a bare IP.
	DefaultSchedulerPort = 3000
	// PersistForever makes the supervisor restart the fuzzer without limit.
	PersistForever uint8 = 255
)

// ErrConfiguration is matched by every ConfigurationError.
var ErrConfiguration = errors.New("configuration error")

// ConfigurationError reports an invalid or missing job parameter.
type ConfigurationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// WorkerOptions is the raw job description as handed over by the command line.
type WorkerOptions struct {
	Address    string
	Language   string
	Engine     string
	Persistent uint8
	Args       string
	Jobs       int
}

// WorkerConfig is the immutable job assignment of this process.
// It is built once at startup and shared read-only by every worker.
type WorkerConfig struct {
	schedulerAddress netip.AddrPort
	language         string
	engine           string
	persistent       uint8
	args             string
	jobs             int
}

// NewWorkerConfig validates the options and freezes them into a WorkerConfig.
func NewWorkerConfig(opts WorkerOptions) (*WorkerConfig, error) {
	addr, err := ParseAddress(opts.Address)
	if err != nil {
		return nil, err
	}

	language := strings.ToLower(strings.TrimSpace(opts.Language))
	if language == "" {
		return nil, &ConfigurationError{"language", opts.Language, "must not be empty"}
	}
	if opts.Engine == "" {
		return nil, &ConfigurationError{"engine", opts.Engine, "must not be empty"}
	}

	jobs := opts.Jobs
	if jobs == 0 {
		jobs = 1
	}
	if jobs < 0 {
		return nil, &ConfigurationError{"jobs", fmt.Sprint(opts.Jobs), "must be positive"}
	}

	return &WorkerConfig{
		schedulerAddress: addr,
		language:         language,
		engine:           opts.Engine,
		persistent:       opts.Persistent,
		args:             opts.Args,
		jobs:             jobs,
	}, nil
}

func (c *WorkerConfig) SchedulerAddress() netip.AddrPort { return c.schedulerAddress }
func (c *WorkerConfig) Language() string                 { return c.language }
func (c *WorkerConfig) Engine() string                   { return c.engine }
func (c *WorkerConfig) Persistent() uint8                { return c.persistent }
func (c *WorkerConfig) Args() string                     { return c.args }
func (c *WorkerConfig) Jobs() int                        { return c.jobs }

// HasScheduler is false when the address was left empty (0.0.0.0:0).
func (c *WorkerConfig) HasScheduler() bool {
	return c.schedulerAddress.Port() != 0 || !c.schedulerAddress.Addr().IsUnspecified()
}

// Restarts returns the number of restarts allowed after the first run and
// whether the budget is unlimited.
func (c *WorkerConfig) Restarts() (int, bool) {
	if c.persistent == PersistForever {
		return 0, true
	}
	return int(c.persistent), false
}

func (c *WorkerConfig) Fields() []zap.Field {
	return []zap.Field{
		zap.String("scheduler", c.schedulerAddress.String()),
		zap.String("language", c.language),
		zap.String("engine", c.engine),
		zap.Uint8("persistent", c.persistent),
		zap.String("args", c.args),
		zap.Int("jobs", c.jobs),
	}
}

// ParseAddress accepts "ip:port", a bare IP (port DefaultSchedulerPort) or the
// empty string, which yields the unspecified address 0.0.0.0:0.
func ParseAddress(s string) (netip.AddrPort, error) {
	if s == "" {
		return netip.AddrPortFrom(netip.IPv4Unspecified(), 0), nil
	}
	if addrPort, err := netip.ParseAddrPort(s); err == nil {
		return addrPort, nil
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return netip.AddrPortFrom(addr, DefaultSchedulerPort), nil
	}
	return netip.AddrPort{}, &ConfigurationError{"address", s, "expected ip, ip:port or empty"}
}
