package skein

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/phroun/skein/internal/logging"
)

// EvictionPolicy selects how the region cache chooses victims.
type EvictionPolicy int

const (
	// EvictLRU evicts the least recently used region.
	EvictLRU EvictionPolicy = iota

	// EvictTinyLFU admits and evicts by estimated access frequency.
	EvictTinyLFU
)

// String returns the policy name as used in configuration.
func (p EvictionPolicy) String() string {
	switch p {
	case EvictLRU:
		return "lru"
	case EvictTinyLFU:
		return "tinylfu"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseEvictionPolicy maps a configuration name to a policy.
func ParseEvictionPolicy(name string) (EvictionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "lru":
		return EvictLRU, nil
	case "tinylfu", "lfu":
		return EvictTinyLFU, nil
	default:
		return 0, fmt.Errorf("%w: unknown eviction policy %q", ErrInvalidOptions, name)
	}
}

// Defaults
const (
	DefaultCacheBudget        = 64 << 20
	DefaultWindowSize         = 4096
	DefaultLargeFileThreshold = 8 << 20
)

// Options configures a Handle.
type Options struct {
	// CacheBudget is the maximum number of bytes held by the region cache.
	// Zero disables caching.
	CacheBudget int64

	// EvictionPolicy selects the cache replacement strategy.
	EvictionPolicy EvictionPolicy

	// WindowSize is the number of bytes a cursor buffers per refill.
	WindowSize int

	// LargeFileThreshold is the file size above which OpenFile keeps the
	// file open and reads it lazily. Zero or less always loads into memory.
	LargeFileThreshold int64

	// Logger receives debug-level diagnostics. Nil discards them.
	Logger *log.Logger
}

// DefaultOptions returns the recommended configuration.
func DefaultOptions() Options {
	return Options{
		CacheBudget:        DefaultCacheBudget,
		EvictionPolicy:     EvictLRU,
		WindowSize:         DefaultWindowSize,
		LargeFileThreshold: DefaultLargeFileThreshold,
	}
}

// validate checks o and fills unset fields.
func (o Options) validate() (Options, error) {
	if o.CacheBudget < 0 {
		return o, fmt.Errorf("%w: negative cache budget %d", ErrInvalidOptions, o.CacheBudget)
	}
	if o.WindowSize < 0 {
		return o, fmt.Errorf("%w: negative window size %d", ErrInvalidOptions, o.WindowSize)
	}
	if o.EvictionPolicy != EvictLRU && o.EvictionPolicy != EvictTinyLFU {
		return o, fmt.Errorf("%w: %v", ErrInvalidOptions, o.EvictionPolicy)
	}
	if o.WindowSize == 0 {
		o.WindowSize = DefaultWindowSize
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	return o, nil
}
