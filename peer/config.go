package peer

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"go.dedis.ch/onion/types"
	"golang.org/x/xerrors"
)

const (
	defaultCircWindow      = 1000
	defaultCircIncrement   = 100
	defaultStreamWindow    = 500
	defaultStreamIncrement = 50
	defaultBuildTimeout    = 60 * time.Second
	defaultRetryBudget     = 3
	defaultPathLength      = 3
	defaultGuardSample     = 3
	defaultMaxFailures     = 3
	defaultFallbackRetry   = 5 * time.Minute
	defaultLogLevel        = "info"

	// StoreBolt keeps documents in a bbolt file.
	StoreBolt = "bolt"
	// StoreRedis keeps documents in redis.
	StoreRedis = "redis"
)

// Logging is the logging configuration.
type Logging struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `toml:"level"`
}

// CircuitConfig holds the flow control and build parameters.
type CircuitConfig struct {
	CircWindow      uint16        `toml:"circ_window"`
	CircIncrement   uint16        `toml:"circ_increment"`
	StreamWindow    uint16        `toml:"stream_window"`
	StreamIncrement uint16        `toml:"stream_increment"`
	BuildTimeout    time.Duration `toml:"build_timeout"`
	// RetryBudget is the number of path attempts made for one request.
	RetryBudget int `toml:"retry_budget"`
}

// PathConfig controls path selection.
type PathConfig struct {
	// Length is the number of hops of exit circuits.
	Length int `toml:"length"`
}

// GuardConfig controls the guard and fallback trust bookkeeping.
type GuardConfig struct {
	SampleSize int `toml:"sample_size"`
	// MaxFailures is the number of consecutive failures after which a guard
	// is demoted.
	MaxFailures   int           `toml:"max_failures"`
	FallbackRetry time.Duration `toml:"fallback_retry"`
}

// FallbackConfig describes a hard-coded directory cache used before any
// consensus is available.
type FallbackConfig struct {
	Ed25519 string   `toml:"ed25519"`
	Rsa     string   `toml:"rsa"`
	Addrs   []string `toml:"addrs"`
}

// IDs parses the configured identities.
func (f FallbackConfig) IDs() (types.RelayIDs, error) {
	var ed *types.Ed25519Identity
	var rsa *types.RsaIdentity

	if f.Ed25519 != "" {
		id, err := types.ParseRelayID("ed25519:" + f.Ed25519)
		if err != nil {
			return types.RelayIDs{}, err
		}
		var key types.Ed25519Identity
		copy(key[:], id.Bytes())
		ed = &key
	}
	if f.Rsa != "" {
		id, err := types.ParseRelayID("$" + f.Rsa)
		if err != nil {
			return types.RelayIDs{}, err
		}
		var key types.RsaIdentity
		copy(key[:], id.Bytes())
		rsa = &key
	}
	return types.NewRelayIDs(ed, rsa), nil
}

// StoreConfig selects the document store backend.
type StoreConfig struct {
	Backend     string `toml:"backend"`
	BoltPath    string `toml:"bolt_path"`
	RedisAddr   string `toml:"redis_addr"`
	RedisPrefix string `toml:"redis_prefix"`
}

// MetricsConfig configures the prometheus endpoint. An empty address
// disables it.
type MetricsConfig struct {
	Address string `toml:"address"`
}

// Configuration is the client configuration.
type Configuration struct {
	Logging   Logging          `toml:"logging"`
	Circuit   CircuitConfig    `toml:"circuit"`
	Path      PathConfig       `toml:"path"`
	Guards    GuardConfig      `toml:"guards"`
	Fallbacks []FallbackConfig `toml:"fallback"`
	Store     StoreConfig      `toml:"store"`
	Metrics   MetricsConfig    `toml:"metrics"`
}

// FixupAndValidate applies defaults to unset fields and rejects invalid
// values.
func (c *Configuration) FixupAndValidate() error {
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}

	cc := &c.Circuit
	if cc.CircWindow == 0 {
		cc.CircWindow = defaultCircWindow
	}
	if cc.CircIncrement == 0 {
		cc.CircIncrement = defaultCircIncrement
	}
	if cc.StreamWindow == 0 {
		cc.StreamWindow = defaultStreamWindow
	}
	if cc.StreamIncrement == 0 {
		cc.StreamIncrement = defaultStreamIncrement
	}
	if cc.BuildTimeout == 0 {
		cc.BuildTimeout = defaultBuildTimeout
	}
	if cc.RetryBudget == 0 {
		cc.RetryBudget = defaultRetryBudget
	}
	if cc.CircIncrement > cc.CircWindow {
		return xerrors.Errorf("circ_increment %d exceeds circ_window %d", cc.CircIncrement, cc.CircWindow)
	}
	if cc.StreamIncrement > cc.StreamWindow {
		return xerrors.Errorf("stream_increment %d exceeds stream_window %d", cc.StreamIncrement, cc.StreamWindow)
	}
	if cc.BuildTimeout < 0 || cc.RetryBudget < 0 {
		return xerrors.New("build_timeout and retry_budget must be positive")
	}

	if c.Path.Length == 0 {
		c.Path.Length = defaultPathLength
	}
	if c.Path.Length < 1 || c.Path.Length > 8 {
		return xerrors.Errorf("path length %d out of range [1, 8]", c.Path.Length)
	}

	if c.Guards.SampleSize == 0 {
		c.Guards.SampleSize = defaultGuardSample
	}
	if c.Guards.MaxFailures == 0 {
		c.Guards.MaxFailures = defaultMaxFailures
	}
	if c.Guards.FallbackRetry == 0 {
		c.Guards.FallbackRetry = defaultFallbackRetry
	}
	if c.Guards.SampleSize < 0 || c.Guards.MaxFailures < 0 {
		return xerrors.New("guard sample_size and max_failures must be positive")
	}

	for i, f := range c.Fallbacks {
		ids, err := f.IDs()
		if err != nil {
			return xerrors.Errorf("fallback %d: %w", i, err)
		}
		if ids.IsEmpty() {
			return xerrors.Errorf("fallback %d has no identity", i)
		}
		if len(f.Addrs) == 0 {
			return xerrors.Errorf("fallback %d has no address", i)
		}
	}

	switch c.Store.Backend {
	case "":
		c.Store.Backend = StoreBolt
		fallthrough
	case StoreBolt:
		if c.Store.BoltPath == "" {
			c.Store.BoltPath = "onion.db"
		}
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return xerrors.New("redis store requires redis_addr")
		}
		if c.Store.RedisPrefix == "" {
			c.Store.RedisPrefix = "onion"
		}
	default:
		return xerrors.Errorf("unknown store backend %q", c.Store.Backend)
	}

	return nil
}

// LoadConfig parses and validates a TOML configuration.
func LoadConfig(b []byte) (*Configuration, error) {
	cfg := new(Configuration)

	err := toml.Unmarshal(b, cfg)
	if err != nil {
		return nil, xerrors.Errorf("failed to parse config: %v", err)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile loads, parses, and validates the provided file.
func LoadConfigFile(f string) (*Configuration, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return LoadConfig(b)
}
