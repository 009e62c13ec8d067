// orderflow is the order-execution core: Smart Order Executor,
// Exchange Failover Controller, State Reconciler and Execution Quality
// Monitor wired together behind the account queue, rate limiter and
// nonce coordinator.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/orderflow/internal/accountqueue"
	"github.com/web3guy0/orderflow/internal/adapter"
	"github.com/web3guy0/orderflow/internal/config"
	"github.com/web3guy0/orderflow/internal/efc"
	"github.com/web3guy0/orderflow/internal/eqm"
	"github.com/web3guy0/orderflow/internal/events"
	"github.com/web3guy0/orderflow/internal/nonce"
	"github.com/web3guy0/orderflow/internal/notify"
	"github.com/web3guy0/orderflow/internal/persistence"
	"github.com/web3guy0/orderflow/internal/ratelimit"
	"github.com/web3guy0/orderflow/internal/reconciler"
	"github.com/web3guy0/orderflow/internal/soe"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, reading environment directly")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Info().Str("version", version).Msg("🚀 orderflow starting...")

	bus := events.NewBus()

	store, err := openStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open persistence store")
	}
	wireAudit(bus, store)

	accounts := accountqueue.NewManager(accountqueue.Config{
		MaxConcurrentPerAccount: cfg.AccountQueue.MaxConcurrentPerAccount,
		MaxConcurrentGlobal:     cfg.AccountQueue.MaxConcurrentGlobal,
		QueueTimeout:            cfg.AccountQueue.QueueTimeout,
		IdleReapAfter:           cfg.AccountQueue.IdleReapAfter,
	})
	limiter := ratelimit.New(ratelimit.Config{
		InitialWait:       cfg.RateLimit.InitialWait,
		MaxWait:           cfg.RateLimit.MaxWait,
		BackoffMultiplier: cfg.RateLimit.BackoffMultiplier,
		MaxRaises:         cfg.RateLimit.MaxRaises,
	})
	nonces := nonce.New()

	failover := efc.New(cfg.EFC, bus)
	registerEndpoints(failover)
	failover.Start()
	defer failover.Stop()

	executor := soe.New(cfg.SOE, cfg.Nonce, accounts, limiter, nonces, failover, bus)

	recon := reconciler.New(cfg.SR, failover, bus)
	recon.Start()
	defer recon.Stop()

	monitor := eqm.New(cfg.EQM, bus)
	monitor.Start()
	defer monitor.Stop()
	wireEQMTracking(bus, monitor)

	notifier, err := notify.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID, bus)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telegram notifier")
	}
	notifier.Start()
	defer notifier.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("🛑 shutdown signal received")
		cancel()
	}()

	log.Info().Msg("✅ orderflow ready")
	// executor.Submit is called by the upstream strategy/API layer,
	// which is out of scope for this core (spec's Out of scope list).
	_ = executor

	<-ctx.Done()
	log.Info().Msg("shutting down...")
	accounts.Stop()
}

// registerEndpoints wires the CLOB adapters named by the environment.
// A primary endpoint is required; a secondary is optional and only
// registered if its env vars are present.
func registerEndpoints(failover *efc.Controller) {
	primary, err := newCLOBFromEnv("PRIMARY")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize primary exchange adapter")
	}
	failover.Register(efc.RegisterOptions{ID: "primary", Adapter: primary, Priority: 1, IsPrimary: true})

	if os.Getenv("SECONDARY_PRIVATE_KEY") != "" {
		secondary, err := newCLOBFromEnv("SECONDARY")
		if err != nil {
			log.Error().Err(err).Msg("failed to initialize secondary exchange adapter, continuing without it")
			return
		}
		failover.Register(efc.RegisterOptions{ID: "secondary", Adapter: secondary, Priority: 2})
	}
}

func newCLOBFromEnv(prefix string) (adapter.Adapter, error) {
	chainID, _ := strconv.ParseInt(os.Getenv(prefix+"_CHAIN_ID"), 10, 64)
	if chainID == 0 {
		chainID = 137
	}
	base, err := adapter.NewCLOBAdapter(adapter.CLOBConfig{
		ID:                prefix,
		BaseURL:           os.Getenv(prefix + "_BASE_URL"),
		VerifyingContract: os.Getenv(prefix + "_VERIFYING_CONTRACT"),
		ChainID:           chainID,
		PrivateKeyHex:     os.Getenv(prefix + "_PRIVATE_KEY"),
		APIKey:            os.Getenv(prefix + "_API_KEY"),
		APISecret:         os.Getenv(prefix + "_API_SECRET"),
		Passphrase:        os.Getenv(prefix + "_PASSPHRASE"),
		HTTPTimeout:        10 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	if wsURL := os.Getenv(prefix + "_WS_URL"); wsURL != "" {
		streaming := adapter.NewStreamingAdapter(base, wsURL)
		streaming.Start()
		return streaming, nil
	}
	return base, nil
}

func openStore(dbURL string) (persistence.ExecutionSink, error) {
	if dbURL == "" {
		log.Warn().Msg("DATABASE_URL not set, persistence disabled")
		return persistence.NoopStore{}, nil
	}
	return persistence.Open(dbURL)
}

// wireAudit persists terminal order events, failovers and repairs as
// they cross the bus, so operators have a queryable trail independent
// of in-memory state.
func wireAudit(bus *events.Bus, store persistence.ExecutionSink) {
	filled := bus.Subscribe(events.TopicOrderFilled)
	failed := bus.Subscribe(events.TopicOrderFailed)
	canceled := bus.Subscribe(events.TopicOrderCanceled)
	failovers := bus.Subscribe(events.TopicEndpointFailover)
	repaired := bus.Subscribe(events.TopicReconcileRepaired)

	go func() {
		for {
			select {
			case e := <-filled:
				persistOrder(store, e)
			case e := <-failed:
				persistOrder(store, e)
			case e := <-canceled:
				persistOrder(store, e)
			case e := <-failovers:
				if f, ok := e.Payload.(efc.Failover); ok {
					if err := store.SaveFailover(&persistence.FailoverRecord{
						From: f.From, To: f.To, Reason: string(f.Reason), Timestamp: f.Timestamp,
					}); err != nil {
						log.Error().Err(err).Msg("failed to persist failover")
					}
				}
			case e := <-repaired:
				if r, ok := e.Payload.(reconciler.RepairResult); ok {
					if err := store.SaveRepair(&persistence.RepairRecord{
						Kind: string(r.Inconsistency.Kind), Key: r.Inconsistency.Key,
						Severity: string(r.Inconsistency.Severity), Action: string(r.Action),
						Success: r.Success, ErrMessage: r.Error, At: r.At,
					}); err != nil {
						log.Error().Err(err).Msg("failed to persist repair")
					}
				}
			}
		}
	}()
}

func persistOrder(store persistence.ExecutionSink, e events.Event) {
	o, ok := e.Payload.(soe.Order)
	if !ok {
		return
	}
	rec := &persistence.OrderRecord{
		ClientID: o.ClientID, RemoteID: o.RemoteID, EndpointID: o.EndpointID, AccountID: o.AccountID,
		Symbol: o.Symbol, Side: string(o.Side), Type: string(o.Type), State: string(o.State),
		Requested: o.RequestedAmount, Filled: o.FilledAmount, AvgFillPrice: o.AvgFillPrice,
		ResubmitCount: o.ResubmitCount, LastError: o.LastError, CreatedAt: o.CreatedAt, UpdatedAt: o.UpdatedAt,
	}
	if err := store.SaveOrder(rec); err != nil {
		log.Error().Err(err).Str("client_id", o.ClientID).Msg("failed to persist order")
	}
}

// wireEQMTracking feeds the quality monitor from the same order
// lifecycle events SOE publishes, so every submitted order is scored
// without the executor needing a direct eqm dependency.
func wireEQMTracking(bus *events.Bus, monitor *eqm.Monitor) {
	submitted := bus.Subscribe(events.TopicOrderSubmitted)
	filled := bus.Subscribe(events.TopicOrderFilled)
	failed := bus.Subscribe(events.TopicOrderFailed)
	canceled := bus.Subscribe(events.TopicOrderCanceled)

	go func() {
		for {
			select {
			case e := <-submitted:
				if o, ok := e.Payload.(soe.Order); ok {
					monitor.StartTracking(o.ClientID, o.Symbol, eqm.Side(o.Side), o.OriginalPrice, o.RequestedAmount)
				}
			case e := <-filled:
				if o, ok := e.Payload.(soe.Order); ok {
					monitor.RecordFill(o.ClientID, o.AvgFillPrice, o.FilledAmount)
					monitor.CompleteTracking(o.ClientID)
				}
			case e := <-failed:
				if o, ok := e.Payload.(soe.Order); ok {
					monitor.RecordFill(o.ClientID, o.AvgFillPrice, o.FilledAmount)
					monitor.CompleteTracking(o.ClientID)
				}
			case e := <-canceled:
				if o, ok := e.Payload.(soe.Order); ok {
					monitor.RecordFill(o.ClientID, o.AvgFillPrice, o.FilledAmount)
					monitor.CompleteTracking(o.ClientID)
				}
			}
		}
	}()
}
