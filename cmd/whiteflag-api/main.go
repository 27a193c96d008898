package main

// cmd/whiteflag-api wires the core subsystem together for a single process:
// load config, open the State Store, start a listener per configured chain,
// and connect the Authentication and Management planes to the event bus.
// HTTP/OpenAPI routing is out of scope for this core and is left to a
// separate gateway process that would import this package's wiring.

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/whiteflagprotocol/whiteflag-api-core/core"
	"github.com/whiteflagprotocol/whiteflag-api-core/pkg/config"
	"github.com/whiteflagprotocol/whiteflag-api-core/pkg/utils"
)

func main() {
	logger := log.StandardLogger()

	cfg, err := config.Load(utils.EnvOrDefault("WFAPI_ENV", ""))
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	if level, lerr := log.ParseLevel(cfg.Logging.Level); lerr == nil {
		logger.SetLevel(level)
	}

	store, err := newStateStore(cfg, logger)
	if err != nil {
		logger.Fatalf("state store: %v", err)
	}
	if err := store.InitState(); err != nil {
		logger.Fatalf("state store init: %v", err)
	}
	defer func() {
		if err := store.CloseState(); err != nil {
			logger.WithError(err).Warn("state store close failed")
		}
	}()

	rx := core.NewBus()
	tx := core.NewBus()
	auth := core.NewAuthPlane(store, nil)
	core.NewManagementPlane(store, auth, noopRetrieve{}, noopSender{}, noopEncoder{}, rx, tx, logger, cfg.Auth.ValidDomains)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One listener per chain known to the state store. Extracted messages
	// land on rx as messageReceived; the Management Plane picks them up
	// from there.
	var listeners []*core.Listener
	for name, cs := range store.GetBlockchains() {
		lcfg := listenerConfig(cfg, name)
		lcfg.OnAdvance = func(cursor, highest uint64) {
			c, err := store.GetBlockchainData(name)
			if err != nil {
				return
			}
			c.Status.CurrentBlock = cursor
			c.Status.HighestBlock = highest
			c.Status.Updated = time.Now().UTC()
			if err := store.UpdateBlockchainData(name, c); err != nil {
				logger.WithError(err).WithField("blockchain", name).Warn("sync status persist failed")
			}
		}
		l := core.NewListener(lcfg, noopChainClient{}, noopCodec{}, rx, logger, cs.Status.CurrentBlock)
		l.Start(ctx)
		listeners = append(listeners, l)
		logger.WithField("blockchain", name).Info("listener started")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	logger.Info("whiteflag-api core started")
	<-sigCh
	logger.Info("shutting down")
	cancel()
	for _, l := range listeners {
		l.Stop()
	}
	time.Sleep(100 * time.Millisecond) // let in-flight handlers drain
}

func newStateStore(cfg *config.Config, logger *log.Logger) (*core.StateStore, error) {
	var opts []core.StateStoreOption
	opts = append(opts, core.WithLogger(logger))
	if cfg.State.FileMirror != "" {
		opts = append(opts, core.WithFileMirror(cfg.State.FileMirror))
	}
	if !cfg.State.Encryption {
		opts = append(opts, core.WithoutEncryption())
	}
	ds := &core.FileMirror{Path: utils.EnvOrDefault("WFAPI_STATE_PATH", "state.json")}
	return core.NewStateStore(ds, cfg.State.MasterKeyHex, opts...)
}

func listenerConfig(cfg *config.Config, chain string) core.ListenerConfig {
	interval, _ := time.ParseDuration(cfg.Listener.Interval)
	rpcTimeout, _ := time.ParseDuration(cfg.Listener.RPCTimeout)
	return core.ListenerConfig{
		Blockchain: chain,
		Interval:   interval,
		Restart:    cfg.Listener.Restart,
		MaxRetries: cfg.Listener.MaxRetries,
		BatchSize:  cfg.Listener.BatchSize,
		TraceRaw:   cfg.Listener.TraceRaw,
		RPCTimeout: rpcTimeout,
	}
}

// The following stand-ins take the place of the chain-specific RPC client,
// message codec and retrieve facade a real deployment supplies; wiring
// them concretely is outside this core's scope. A deployment substitutes
// its own ChainClient/MessageCodec per chain when constructing listeners.

type noopChainClient struct{}

func (noopChainClient) GetHighestBlock(context.Context) (uint64, error) { return 0, nil }

func (noopChainClient) GetBlockByNumber(context.Context, uint64, bool) (*core.ChainBlock, error) {
	return nil, core.ErrNotImplemented
}

func (noopChainClient) SendRawTransaction(context.Context, []byte) (string, error) {
	return "", core.ErrNotImplemented
}

func (noopChainClient) GetRawTransaction(context.Context, string) ([]byte, error) {
	return nil, core.ErrNotImplemented
}

type noopCodec struct{}

func (noopCodec) ExtractMessage(core.ChainElement, uint64, time.Time) (*core.WFMessage, error) {
	return nil, core.ErrNoData
}

type noopRetrieve struct{}

func (noopRetrieve) GetMessage(context.Context, string, string) (*core.WFMessage, error) {
	return nil, core.ErrNoData
}

type noopSender struct{}

func (noopSender) SendRawTransaction(context.Context, string, []byte) (string, error) {
	return "", core.ErrNotImplemented
}

type noopEncoder struct{}

func (noopEncoder) EncodeMessage(*core.WFMessage) ([]byte, error) {
	return nil, core.ErrNotImplemented
}
