package buffer

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Policy selects the replacement algorithm used when the pool has no empty
// frame left.
type Policy int

const (
	// PolicyLRU evicts the unpinned frame with the oldest access.
	PolicyLRU Policy = iota
	// PolicyClock sweeps a rotating hand, giving recently pinned frames a
	// second chance.
	PolicyClock
)

func (p Policy) String() string {
	switch p {
	case PolicyLRU:
		return "lru"
	case PolicyClock:
		return "clock"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy maps "lru" or "clock" (any case) to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lru":
		return PolicyLRU, nil
	case "clock":
		return PolicyClock, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// Config holds the construction-time settings of a Manager. None of them
// can change once the pool exists.
type Config struct {
	Capacity int
	Policy   Policy
	// Logger receives flush and read failures. Nil means a "buffer: "
	// prefixed logger on stderr.
	Logger *log.Logger
}

func DefaultConfig() Config {
	return Config{
		Capacity: 8,
		Policy:   PolicyLRU,
	}
}

func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPoolSize, c.Capacity)
	}
	switch c.Policy {
	case PolicyLRU, PolicyClock:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownPolicy, c.Policy)
	}
}

func (c Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.New(os.Stderr, "buffer: ", log.LstdFlags)
}
