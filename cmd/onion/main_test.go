package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/onion/peer"
	"go.dedis.ch/onion/peer/impl"
	"go.dedis.ch/onion/storage"
)

func randomB64(t *testing.T, n int) string {
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(buf)
}

func TestImport(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "onion.db")

	confPath := filepath.Join(dir, "onion.toml")
	conf := fmt.Sprintf("[logging]\nlevel = \"warn\"\n\n[store]\nbackend = \"bolt\"\nbolt_path = %q\n", db)
	require.NoError(t, os.WriteFile(confPath, []byte(conf), 0o600))

	relaysPath := filepath.Join(dir, "relays.toml")
	relays := ""
	for i, flags := range []string{`["Guard"]`, `[]`, `["Exit"]`} {
		relays += fmt.Sprintf("[[relay]]\nnickname = \"r%d\"\ned25519 = %q\nonion_key = %q\naddrs = [\"127.0.0.1:%d\"]\npolicy = \"accept 80,443\"\nflags = %s\n\n",
			i, randomB64(t, 32), randomB64(t, 32), 9001+i, flags)
	}
	require.NoError(t, os.WriteFile(relaysPath, []byte(relays), 0o600))

	err := newApp().Run([]string{"onion", "--config", confPath, "import", relaysPath})
	require.NoError(t, err)

	store, err := storage.Open(peer.StoreConfig{Backend: peer.StoreBolt, BoltPath: db})
	require.NoError(t, err)
	defer store.Close()

	netdir, err := impl.LoadNetDir(store)
	require.NoError(t, err)
	require.Len(t, netdir.Relays(), 3)
	require.Len(t, netdir.Guards(), 1)
	require.True(t, netdir.Relays()[2].ExitPolicy().Allows(443))
	require.Nil(t, netdir.Relays()[1].ExitPolicy())
}

func TestReadRelays_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relays.toml")
	entry := fmt.Sprintf("[[relay]]\nnickname = \"short\"\ned25519 = %q\nonion_key = %q\naddrs = [\"x:1\"]\n",
		randomB64(t, 32), randomB64(t, 4))
	require.NoError(t, os.WriteFile(path, []byte(entry), 0o600))

	_, err := readRelays(path)
	require.Error(t, err)
}

func TestImport_MissingFile(t *testing.T) {
	err := newApp().Run([]string{"onion", "import"})
	require.Error(t, err)
}
