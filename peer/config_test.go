package peer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	require.Equal(t, uint16(1000), cfg.Circuit.CircWindow)
	require.Equal(t, uint16(100), cfg.Circuit.CircIncrement)
	require.Equal(t, uint16(500), cfg.Circuit.StreamWindow)
	require.Equal(t, uint16(50), cfg.Circuit.StreamIncrement)
	require.Equal(t, 60*time.Second, cfg.Circuit.BuildTimeout)
	require.Equal(t, 3, cfg.Path.Length)
	require.Equal(t, StoreBolt, cfg.Store.Backend)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestConfig_File(t *testing.T) {
	data := `
[logging]
level = "debug"

[circuit]
build_timeout = "5s"
retry_budget = 5

[path]
length = 2

[[fallback]]
rsa = "000102030405060708090A0B0C0D0E0F10111213"
addrs = ["127.0.0.1:9001"]

[store]
backend = "redis"
redis_addr = "127.0.0.1:6379"
`
	path := filepath.Join(t.TempDir(), "onion.toml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 5*time.Second, cfg.Circuit.BuildTimeout)
	require.Equal(t, 5, cfg.Circuit.RetryBudget)
	require.Equal(t, 2, cfg.Path.Length)
	require.Equal(t, "onion", cfg.Store.RedisPrefix)

	require.Len(t, cfg.Fallbacks, 1)
	ids, err := cfg.Fallbacks[0].IDs()
	require.NoError(t, err)
	rsa, ok := ids.Rsa()
	require.True(t, ok)
	require.Equal(t, byte(0x13), rsa[19])
	_, ok = ids.Ed25519()
	require.False(t, ok)
}

func TestConfig_Invalid(t *testing.T) {
	cases := []string{
		"[circuit]\ncirc_window = 10\ncirc_increment = 20\n",
		"[path]\nlength = 12\n",
		"[store]\nbackend = \"sqlite\"\n",
		"[store]\nbackend = \"redis\"\n",
		"[[fallback]]\nrsa = \"zz\"\naddrs = [\"127.0.0.1:1\"]\n",
		"[[fallback]]\naddrs = [\"127.0.0.1:1\"]\n",
	}

	for _, c := range cases {
		_, err := LoadConfig([]byte(c))
		require.Error(t, err, c)
	}
}
