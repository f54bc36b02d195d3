package main

import (
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"go.dedis.ch/onion/internal/instrument"
	"go.dedis.ch/onion/peer"
	"go.dedis.ch/onion/peer/impl"
	"go.dedis.ch/onion/storage"
	"go.dedis.ch/onion/transport/tcp"
	"golang.org/x/xerrors"
)

// dialTimeout bounds the TCP and TLS setup of one channel.
const dialTimeout = 10 * time.Second

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

func main() {
	err := newApp().Run(os.Args)
	if err != nil {
		log.Fatal().Err(err).Msg("failed")
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "onion",
		Usage: "anonymity network client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "onion.toml",
				Usage:   "path of the TOML configuration",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "import",
				Usage:     "store the relays listed in a TOML file as the current directory",
				ArgsUsage: "<relays.toml>",
				Action:    importRelays,
			},
			{
				Name:   "bootstrap",
				Usage:  "build a directory circuit, through a fallback when no directory is stored",
				Action: bootstrap,
			},
			{
				Name:      "connect",
				Usage:     "open a stream through an exit circuit and pipe it to stdin and stdout",
				ArgsUsage: "<host> <port>",
				Action:    connect,
			},
		},
	}
}

func loadConfig(c *cli.Context) (*peer.Configuration, error) {
	conf, err := peer.LoadConfigFile(c.String("config"))
	if err != nil {
		return nil, err
	}
	err = impl.SetLogLevel(conf.Logging.Level)
	if err != nil {
		return nil, err
	}
	return conf, nil
}

func importRelays(c *cli.Context) error {
	if c.NArg() != 1 {
		return xerrors.New("expected one relay file")
	}

	conf, err := loadConfig(c)
	if err != nil {
		return err
	}

	relays, err := readRelays(c.Args().First())
	if err != nil {
		return err
	}

	store, err := storage.Open(conf.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	err = impl.StoreNetDir(store, relays)
	if err != nil {
		return err
	}

	log.Info().Int("relays", len(relays)).Msg("directory imported")
	return nil
}

// client wires the configured store, dialer and circuit manager.
func client(c *cli.Context) (*impl.CircMgr, func(), error) {
	conf, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}

	store, err := storage.Open(conf.Store)
	if err != nil {
		return nil, nil, err
	}

	chans := impl.NewChanMgr(tcp.NewDialer(dialTimeout), rand.Reader)
	mgr, err := impl.NewCircMgr(*conf, chans, store, rand.Reader)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	err = mgr.RefreshDirectory()
	if err != nil && !xerrors.Is(err, impl.ErrNeedConsensus) {
		store.Close()
		return nil, nil, err
	}

	var srv *http.Server
	if conf.Metrics.Address != "" {
		srv = &http.Server{Addr: conf.Metrics.Address, Handler: instrument.Handler()}
		go func() {
			err := srv.ListenAndServe()
			if err != nil && !xerrors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	cleanup := func() {
		mgr.Close()
		store.Close()
		if srv != nil {
			srv.Close()
		}
	}
	return mgr, cleanup, nil
}

func bootstrap(c *cli.Context) error {
	mgr, cleanup, err := client(c)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt)
	defer cancel()

	circ, err := mgr.BuildDirCircuit(ctx)
	if err != nil {
		return err
	}
	defer circ.Close()

	fmt.Printf("directory circuit %s to %s\n", circ.ID(), circ.Channel().Target())
	return nil
}

func connect(c *cli.Context) error {
	if c.NArg() != 2 {
		return xerrors.New("expected a host and a port")
	}
	var port uint16
	_, err := fmt.Sscan(c.Args().Get(1), &port)
	if err != nil {
		return xerrors.Errorf("bad port %q: %v", c.Args().Get(1), err)
	}

	mgr, cleanup, err := client(c)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt)
	defer cancel()

	s, err := mgr.OpenStream(ctx, c.Args().First(), port)
	if err != nil {
		return err
	}
	defer s.Close()

	go func() {
		_, err := io.Copy(s, os.Stdin)
		if err != nil {
			log.Warn().Err(err).Msg("write failed")
		}
	}()

	_, err = io.Copy(os.Stdout, s)
	return err
}
