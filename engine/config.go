package engine

const (
	defaultMaxReplans = 3
	maxReplans        = 10

	defaultMaxDepth = 4096
	maxDepth        = 1 << 16
)

// Config holds configuration for the Engine.
type Config struct {
	// MaxReplans is how many times a mutation re-reads and re-locks when the
	// item changed scope between planning and acquiring its locks. After that
	// the mutation fails with store.ErrConcurrencyTimeout.
	// Default: 3
	// Max: 10
	MaxReplans int

	// MaxDepth bounds the ancestor walk of the cycle check. A chain longer
	// than this is reported as corrupt.
	// Default: 4096
	// Max: 65536
	MaxDepth int

	// ExternalEvents is set when committed mutations reach observers through
	// the store's change stream. The engine then publishes only no-op moves,
	// which commit nothing and never appear on the stream.
	// Default: false
	ExternalEvents bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxReplans: defaultMaxReplans,
		MaxDepth:   defaultMaxDepth,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.MaxReplans < 0 {
		c.MaxReplans = defaultMaxReplans
	}
	if c.MaxReplans > maxReplans {
		c.MaxReplans = maxReplans
	}
	if c.MaxDepth < 1 {
		c.MaxDepth = defaultMaxDepth
	}
	if c.MaxDepth > maxDepth {
		c.MaxDepth = maxDepth
	}
}
