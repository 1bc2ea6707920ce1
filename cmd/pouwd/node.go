package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"pouw/blobstore"
	"pouw/core"
	"pouw/core/config"
	"pouw/miner"
	pouwnet "pouw/net"
	"pouw/problem"
	"pouw/problem/subsetsum"
	"pouw/validator"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Start the node",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "mine",
			Usage: "Mine blocks on the local tip",
		},
		&cli.StringFlag{
			Name:  "miner-address",
			Usage: "Hex `ADDRESS` credited in mined blocks",
		},
		&cli.StringFlag{
			Name:  "miner-tier",
			Usage: "Problem size tier to mine in",
		},
		&cli.StringSliceFlag{
			Name:  "listen",
			Usage: "libp2p listen multiaddrs",
		},
		&cli.StringSliceFlag{
			Name:  "peer",
			Usage: "Bootstrap peer multiaddr including /p2p/<id>",
		},
		&cli.StringFlag{
			Name:  "metrics",
			Usage: "Serve prometheus metrics on `ADDR`",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		if cctx.IsSet("mine") {
			cfg.Node.Mine = cctx.Bool("mine")
		}
		if cctx.IsSet("miner-address") {
			cfg.Node.MinerAddress = cctx.String("miner-address")
		}
		if cctx.IsSet("miner-tier") {
			cfg.Node.MinerTier = cctx.String("miner-tier")
		}
		if cctx.IsSet("listen") {
			cfg.Network.ListenAddrs = cctx.StringSlice("listen")
		}
		if cctx.IsSet("peer") {
			cfg.Network.Peers = cctx.StringSlice("peer")
		}
		if cctx.IsSet("metrics") {
			cfg.Metrics.ListenAddr = cctx.String("metrics")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		n, err := openNode(cctx.Context, cfg)
		if err != nil {
			return err
		}
		return multierr.Append(n.run(cctx.Context), n.Close())
	},
}

// registry lists the problem families this build understands.
func registry() *problem.Registry {
	return problem.NewRegistry(subsetsum.New())
}

func expand(path string) (string, error) {
	return homedir.Expand(path)
}

// store holds the on-disk state shared by run and inspect.
type store struct {
	index *core.Index
	blobs *blobstore.BadgerStore
}

func openStore(cfg *config.Config) (*store, string, error) {
	dataDir, err := cfg.ExpandDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, "", err
	}
	ix, err := core.OpenIndex(dataDir)
	if err != nil {
		return nil, "", err
	}
	blobs, err := blobstore.OpenBadger(dataDir)
	if err != nil {
		return nil, "", multierr.Append(err, ix.Close())
	}
	return &store{index: ix, blobs: blobs}, dataDir, nil
}

func (s *store) engine(cfg *config.Config) (*core.Engine, error) {
	return core.NewEngine(core.Options{
		Consensus: cfg.Consensus,
		Orphans:   cfg.Orphans,
		Index:     s.index,
		Blobs:     s.blobs,
		Verifier:  validator.NewVerifier(registry(), cfg.Consensus),
	})
}

func (s *store) Close() error {
	return multierr.Append(s.blobs.Close(), s.index.Close())
}

type node struct {
	cfg       *config.Config
	store     *store
	engine    *core.Engine
	transport *pouwnet.Libp2pTransport
	gossip    *pouwnet.Gossip
	miner     *miner.Miner
	metrics   *prometheus.Registry
}

func openNode(ctx context.Context, cfg *config.Config) (_ *node, err error) {
	st, dataDir, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	n := &node{cfg: cfg, store: st}
	defer func() {
		if err != nil {
			err = multierr.Append(err, n.Close())
		}
	}()

	if n.engine, err = st.engine(cfg); err != nil {
		return nil, err
	}
	key, err := pouwnet.LoadOrCreateIdentity(filepath.Join(dataDir, "identity.key"))
	if err != nil {
		return nil, xerrors.Errorf("node identity: %w", err)
	}
	n.transport, err = pouwnet.NewLibp2pTransport(ctx,
		pouwnet.WithListenAddrs(cfg.Network.ListenAddrs...),
		pouwnet.WithIdentity(key))
	if err != nil {
		return nil, err
	}
	n.gossip = pouwnet.NewGossip(cfg.Gossip, n.transport, n.engine, st.blobs,
		pouwnet.WithBeaconInterval(cfg.Network.BeaconInterval.Std()))
	n.engine.RequestBlockByHash = n.gossip.RequestBlock

	if cfg.Node.Mine {
		if n.miner, err = miner.New(n.engine, registry(), st.blobs, cfg.Node.MinerAddress, cfg.Node.MinerTier, nil); err != nil {
			return nil, err
		}
	}

	n.metrics = prometheus.NewRegistry()
	n.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	n.metrics.MustRegister(core.Collectors()...)
	n.metrics.MustRegister(pouwnet.Collectors()...)
	n.metrics.MustRegister(miner.Collectors()...)
	return n, nil
}

func (n *node) run(ctx context.Context) error {
	tip := n.engine.Tip()
	log.Infow("node started",
		"peer", n.transport.Self(),
		"genesis", n.engine.Genesis().Short(),
		"height", tip.Height,
		"work", tip.CumulativeWork)
	if addrs, err := n.transport.Addrs(); err == nil {
		for _, a := range addrs {
			log.Infow("listening", "addr", a)
		}
	}
	if len(n.cfg.Network.Peers) > 0 {
		if err := n.transport.Connect(ctx, n.cfg.Network.Peers...); err != nil {
			log.Warnw("bootstrap peers", "err", err)
		}
	}

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return n.engine.Run(ctx) })
	grp.Go(func() error { return n.gossip.Run(ctx) })
	if n.miner != nil {
		grp.Go(func() error { return n.miner.Run(ctx) })
	}
	if addr := n.cfg.Metrics.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(n.metrics, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		grp.Go(func() error {
			log.Infow("serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		grp.Go(func() error {
			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdown)
		})
	}
	err := grp.Wait()
	log.Infow("node stopped", "height", n.engine.Tip().Height)
	return err
}

func (n *node) Close() error {
	var err error
	if n.transport != nil {
		err = multierr.Append(err, n.transport.Close())
	}
	return multierr.Append(err, n.store.Close())
}
