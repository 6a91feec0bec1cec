package gcarena

import (
	"errors"
	"flag"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

// DefaultCapacity is the default arena capacity (1 MiB).
const DefaultCapacity = 1 << 20

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("gcarena: invalid config")

// Backing selects where the arena region lives.
type Backing string

const (
	// BackingHeap allocates the region as a Go byte slice.
	BackingHeap Backing = "heap"
	// BackingMmap maps the region anonymously, outside the Go heap.
	BackingMmap Backing = "mmap"
)

// ByteSize is a size in bytes that reads and prints human-readable values
// such as "64KiB" or "1 MB".
type ByteSize uint64

// String implements flag.Value.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Set implements flag.Value.
func (b *ByteSize) Set(s string) error {
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	*b = ByteSize(v)
	return nil
}

// UnmarshalYAML accepts either a human-readable string or a plain integer.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return b.Set(s)
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

// Config holds the arena settings.
type Config struct {
	Capacity ByteSize `yaml:"capacity"`
	Backing  Backing  `yaml:"backing"`
}

// DefaultConfig returns the configuration used when no flags or file are given.
func DefaultConfig() Config {
	return Config{Capacity: DefaultCapacity, Backing: BackingHeap}
}

// RegisterFlags registers the arena flags on f and sets the defaults.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("arena.", f)
}

// RegisterFlagsWithPrefix registers the arena flags with the given prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	*cfg = DefaultConfig()
	f.Var(&cfg.Capacity, prefix+"capacity", "Fixed size of the arena region, for example 64KiB or 16MB. Rounded down to the alignment unit.")
	f.StringVar((*string)(&cfg.Backing), prefix+"backing", string(BackingHeap), "Where the arena region lives: heap or mmap.")
}

// Validate checks the configuration.
func (cfg Config) Validate() error {
	if cfg.Capacity < HeaderSize+Alignment {
		return fmt.Errorf("%w: capacity %s is below the minimum of %d bytes", ErrInvalidConfig, cfg.Capacity, HeaderSize+Alignment)
	}
	if cfg.Capacity > MaxCapacity {
		return fmt.Errorf("%w: capacity %s exceeds the maximum of %s", ErrInvalidConfig, cfg.Capacity, ByteSize(MaxCapacity))
	}
	switch cfg.Backing {
	case "", BackingHeap, BackingMmap:
	default:
		return fmt.Errorf("%w: unknown backing %q", ErrInvalidConfig, cfg.Backing)
	}
	return nil
}

// Option configures an Arena.
type Option func(*Arena)

// WithLogger sets the logger used for allocation failures and collection
// summaries.
func WithLogger(logger log.Logger) Option {
	return func(a *Arena) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithRegisterer registers the arena's metrics with reg. The collector is
// unregistered on Close.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *Arena) {
		a.registerer = reg
	}
}
