package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/uhyunpark/shadowswap/params"
	"github.com/uhyunpark/shadowswap/pkg/api"
	"github.com/uhyunpark/shadowswap/pkg/app/core"
	"github.com/uhyunpark/shadowswap/pkg/app/core/matching"
	"github.com/uhyunpark/shadowswap/pkg/app/core/orderbook"
	"github.com/uhyunpark/shadowswap/pkg/app/core/settlement"
	"github.com/uhyunpark/shadowswap/pkg/crypto"
	"github.com/uhyunpark/shadowswap/pkg/custody"
	"github.com/uhyunpark/shadowswap/pkg/events"
	"github.com/uhyunpark/shadowswap/pkg/keeper"
	"github.com/uhyunpark/shadowswap/pkg/p2p"
	"github.com/uhyunpark/shadowswap/pkg/storage"
	"github.com/uhyunpark/shadowswap/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var logger *zap.Logger
	if cfg.Log.File != "" {
		logger, err = util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	} else {
		logger, err = util.NewLogger(cfg.Log.Level)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "level", cfg.Log.Level, "log_file", cfg.Log.File)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage & custody ----
	openStore := storage.NewStore
	if cfg.Engine.ReadOnly {
		openStore = storage.OpenReadOnly
		sugar.Infow("store_read_only", "dir", cfg.Engine.DataDir)
	}
	store, err := openStore(filepath.Join(cfg.Engine.DataDir, "db"))
	if err != nil {
		sugar.Fatalw("store_open_failed", "dir", cfg.Engine.DataDir, "err", err)
	}
	defer store.Close()
	vault := custody.NewCustodian(store, logger)

	// ---- Boundary ----
	var boundaryKeys *crypto.KeyPair
	if cfg.Node.BoundaryKeyHex != "" {
		boundaryKeys, err = crypto.KeyPairFromHex(cfg.Node.BoundaryKeyHex)
	} else {
		boundaryKeys, err = crypto.GenerateKeyPair()
		sugar.Warn("BOUNDARY_KEY_HEX not set; generated an ephemeral boundary key, sealed orders will not survive a restart")
	}
	if err != nil {
		sugar.Fatalw("boundary_key_failed", "err", err)
	}
	boundary := crypto.NewHPKEBoundary(boundaryKeys)
	sugar.Infow("boundary_ready", "public_key", boundaryKeys.PublicHex())

	// ---- Metrics ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// ---- Event sinks ----
	hub := api.NewHub(logger)
	fanout := events.NewFanout(logger, hub)

	if cfg.Events.JournalPath != "" {
		journal, err := events.NewJournal(cfg.Events.JournalPath)
		if err != nil {
			sugar.Fatalw("journal_open_failed", "path", cfg.Events.JournalPath, "err", err)
		}
		defer journal.Close()
		fanout.Add(journal)
		sugar.Infow("journal_enabled", "path", cfg.Events.JournalPath)
	}

	if len(cfg.Events.KafkaBrokers) > 0 {
		ks := events.NewKafkaSink(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		defer ks.Close()
		fanout.Add(ks)
		sugar.Infow("kafka_enabled", "brokers", cfg.Events.KafkaBrokers, "topic", cfg.Events.KafkaTopic)
	}

	if cfg.Events.GossipListen != "" {
		g, err := p2p.NewGossip(ctx, p2p.GossipConfig{
			ListenAddr: cfg.Events.GossipListen,
			Bootstrap:  cfg.Events.GossipBootstrap,
			Topic:      cfg.Events.GossipTopic,
			Logger:     sugar,
		})
		if err != nil {
			sugar.Fatalw("libp2p_init_failed", "err", err)
		}
		defer g.Close()
		g.SetHandler(func(_ context.Context, env p2p.Envelope) {
			ev, err := events.DecodeEnvelope(env)
			if err != nil {
				sugar.Warnw("peer_event_invalid", "origin", env.Origin, "err", err)
				return
			}
			sugar.Debugw("peer_event", "origin", env.Origin, "seq", env.Seq, "kind", ev.Kind, "book", ev.Book)
		})
		fanout.Add(events.NewGossipSink(g))
	}

	// ---- Engine ----
	engine := settlement.NewEngine(store, vault, boundary,
		settlement.WithSink(fanout),
		settlement.WithLogger(logger),
		settlement.WithMetrics(settlement.NewMetrics(reg)),
		settlement.WithMaxCipherPayload(cfg.Engine.MaxCipherPayload))

	keeperSigner := loadSigner(sugar, "KEEPER_KEY_HEX", cfg.Keeper.KeyHex)
	adminSigner := loadSigner(sugar, "NODE_ADMIN_KEY_HEX", cfg.Node.AdminKeyHex)

	books := cfg.Keeper.Books
	if cfg.Node.BootstrapBook {
		id, err := bootstrap(ctx, cfg, engine, vault, adminSigner, keeperSigner, sugar)
		if err != nil {
			sugar.Fatalw("bootstrap_failed", "err", err)
		}
		if len(books) == 0 {
			books = []string{id}
		}
	}

	// ---- Keeper ----
	if cfg.Keeper.Enabled {
		kcfg := keeper.DefaultConfig()
		kcfg.Books = books
		kcfg.Interval = cfg.Keeper.Interval
		kcfg.Mode = matching.Mode(cfg.Keeper.MatchMode)
		kcfg.MaxRetries = cfg.Keeper.MaxRetries
		kcfg.RetryDelay = cfg.Keeper.RetryDelay

		k := keeper.New(engine, boundary, keeperSigner.Address(), kcfg, logger, keeper.NewMetrics(reg))
		cancelKeeper := k.Start(ctx)
		defer cancelKeeper()
	} else {
		sugar.Info("keeper_disabled")
	}

	// ---- API ----
	srv := api.NewServer(engine, vault, hub, api.Config{
		CORSOrigins: cfg.API.CORSOrigins,
		BoundaryKey: boundaryKeys.PublicBytes(),
		MaxPayload:  cfg.Engine.MaxCipherPayload,
		Gatherer:    reg,
		Logger:      logger,
	})

	sugar.Infow("node_starting",
		"api", cfg.API.ListenAddr,
		"books", books,
		"keeper", cfg.Keeper.Enabled,
		"keeper_authority", keeperSigner.Address().Hex(),
		"match_mode", cfg.Keeper.MatchMode)

	if err := srv.Start(ctx, cfg.API.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		sugar.Errorw("api_server_failed", "err", err)
	}
	sugar.Info("node_stopped")
}

func loadSigner(sugar *zap.SugaredLogger, name, keyHex string) *crypto.Signer {
	if keyHex != "" {
		s, err := crypto.FromPrivateKeyHex(keyHex)
		if err != nil {
			sugar.Fatalw("signer_load_failed", "var", name, "err", err)
		}
		return s
	}
	s, err := crypto.GenerateKey()
	if err != nil {
		sugar.Fatalw("signer_generate_failed", "var", name, "err", err)
	}
	sugar.Warnw("signer_generated", "var", name, "address", s.Address().Hex())
	return s
}

// bootstrap creates the configured book if missing, authorizes the keeper on
// it and funds the admin account for manual testing.
func bootstrap(ctx context.Context, cfg params.Config, engine *settlement.Engine, vault *custody.Custodian, admin, keeperSigner *crypto.Signer, sugar *zap.SugaredLogger) (string, error) {
	bcfg := orderbook.Config{
		Pair:             core.Pair{Base: cfg.Book.Base, Quote: cfg.Book.Quote},
		FeeBps:           cfg.Book.FeeBps,
		MinBaseOrderSize: cfg.Book.MinBaseOrderSize,
		BaseDecimals:     cfg.Book.BaseDecimals,
		FeeCollector:     admin.Address(),
	}
	id := bcfg.Pair.ID()

	_, err := engine.CreateBook(ctx, admin.Address(), bcfg)
	switch {
	case err == nil:
		for _, asset := range []string{cfg.Book.Base, cfg.Book.Quote} {
			if err := vault.Credit(ctx, admin.Address(), asset, 1_000_000_000_000); err != nil {
				return "", err
			}
		}
		sugar.Infow("book_bootstrapped", "book", id, "admin", admin.Address().Hex())
	case errors.Is(err, core.ErrAlreadyExists):
		sugar.Infow("book_exists", "book", id)
	default:
		return "", err
	}

	expiresAt := time.Now().Add(cfg.Keeper.AuthTTL).UnixMilli()
	if _, err := engine.IssueAuthorization(ctx, id, admin.Address(), keeperSigner.Address(), expiresAt); err != nil {
		if errors.Is(err, core.ErrUnauthorized) {
			sugar.Warnw("keeper_not_authorized", "book", id, "reason", "admin key does not own the existing book")
			return id, nil
		}
		return "", err
	}
	sugar.Infow("keeper_authorized", "book", id, "authority", keeperSigner.Address().Hex(), "expires_at", expiresAt)
	return id, nil
}
