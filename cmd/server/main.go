package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/nooterra/substrate/internal/agents"
	"github.com/nooterra/substrate/internal/api"
	"github.com/nooterra/substrate/internal/arbitration"
	"github.com/nooterra/substrate/internal/config"
	"github.com/nooterra/substrate/internal/core"
	"github.com/nooterra/substrate/internal/escrow"
	"github.com/nooterra/substrate/internal/eventchain"
	"github.com/nooterra/substrate/internal/events"
	"github.com/nooterra/substrate/internal/grants"
	"github.com/nooterra/substrate/internal/idempotency"
	"github.com/nooterra/substrate/internal/middleware"
	"github.com/nooterra/substrate/internal/negotiation"
	"github.com/nooterra/substrate/internal/proofbundle"
	"github.com/nooterra/substrate/internal/reputation"
	"github.com/nooterra/substrate/internal/reserve"
	"github.com/nooterra/substrate/internal/signing"
	"github.com/nooterra/substrate/internal/store"
)

func main() {
	_ = godotenv.Load()
	logger := log.New(os.Stdout, "", log.LstdFlags)
	logger.Println("[Server] starting substrate settlement server")

	cfg, err := config.Load(os.Getenv("SUBSTRATE_CONFIG"))
	if err != nil {
		logger.Fatalf("[Server] config: %v", err)
	}

	clock := core.SystemClock{}
	key, err := loadServerKey()
	if err != nil {
		logger.Fatalf("[Server] signing key: %v", err)
	}
	logger.Printf("[Server] signer key %s", key.KeyID)

	sealer := eventchain.NewSealer(key, clock)
	registry := eventchain.NewRegistry()

	st, locker, err := buildStore(cfg, sealer, registry, clock, logger)
	if err != nil {
		logger.Fatalf("[Server] store: %v", err)
	}

	keyring := signing.NewKeyring()
	if err := bootstrapGovernance(st, keyring, key); err != nil {
		logger.Fatalf("[Server] governance bootstrap: %v", err)
	}

	bus := events.NewBus()
	wireNotifier(st, keyring)

	escrowMetrics := escrow.NewMetrics()
	arbMetrics := arbitration.NewMetrics()

	reputationSvc := reputation.NewService(st)
	grantsSvc := grants.NewService(st, clock, logger)
	escrowSvc := escrow.NewService(st, grantsSvc, reputationSvc, clock, escrowMetrics, bus, logger)
	arbitrationSvc := arbitration.NewService(st, reputationSvc, clock, arbMetrics, bus, locker, logger)
	negotiationSvc := negotiation.NewService(st, escrowSvc, clock, bus, logger)
	agentsSvc := agents.NewService(st, reserve.NewStub(clock, logger), clock, bus, logger)
	exporter := proofbundle.NewExporter(st, keyring, key, clock)
	guard := idempotency.NewGuard(st, clock)

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxCallsPerMinute: cfg.RateLimit.MaxCallsPerMinute,
		BurstSize:         cfg.RateLimit.BurstSize,
	}, clock, nil)
	stop := make(chan struct{})
	rateLimiter.StartCleanup(5*time.Minute, stop)

	server := api.NewServer(api.Deps{
		Agents:             agentsSvc,
		Grants:             grantsSvc,
		Escrow:             escrowSvc,
		Arbitration:        arbitrationSvc,
		Negotiation:        negotiationSvc,
		Reputation:         reputationSvc,
		Exporter:           exporter,
		Guard:              guard,
		Bus:                bus,
		RateLimiter:        rateLimiter,
		OpsTokenBcryptHash: cfg.Server.OpsTokenBcryptHash,
		BundleDir:          cfg.Bundles.Dir,
		Logger:             logger,
	})

	if cfg.Maintenance.Enabled {
		go maintenanceLoop(arbitrationSvc, cfg, stop, logger)
	}

	go func() {
		if err := server.Start(":" + cfg.Server.Port); err != nil {
			logger.Fatalf("[Server] listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Println("[Server] shutting down")
	close(stop)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Printf("[Server] shutdown: %v", err)
	}
}

// loadServerKey rebuilds the signer from SUBSTRATE_SIGNING_KEY_SEED (base64,
// 32 bytes) or mints an ephemeral one for dev.
func loadServerKey() (*signing.KeyPair, error) {
	if seedB64 := os.Getenv("SUBSTRATE_SIGNING_KEY_SEED"); seedB64 != "" {
		seed, err := base64.StdEncoding.DecodeString(seedB64)
		if err != nil {
			return nil, err
		}
		return signing.KeyPairFromSeed(seed)
	}
	return signing.GenerateKeyPair()
}

type configuredStore interface {
	store.Store
	SetNotifier(store.Notifier)
}

func buildStore(cfg *config.Config, sealer *eventchain.Sealer, registry *eventchain.Registry, clock core.Clock, logger *log.Logger) (configuredStore, arbitration.Locker, error) {
	var st configuredStore
	switch cfg.Store.Driver {
	case "postgres":
		db, err := sql.Open("postgres", cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		pg := store.NewPostgres(db, cfg.Store.Schema, sealer, registry, clock)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		logger.Printf("[Server] postgres store schema=%s", cfg.Store.Schema)
		st = pg
	default:
		logger.Println("[Server] in-memory store")
		st = store.NewMemory(sealer, registry, clock)
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		logger.Printf("[Server] redis maintenance locker addr=%s", cfg.Redis.Addr)
		return st, arbitration.NewRedisLocker(client, 2*time.Minute), nil
	}
	return st, arbitration.StoreLocker{Store: st}, nil
}

// bootstrapGovernance appends the server key to the governance stream on
// first boot and rebuilds the keyring from the full stream.
func bootstrapGovernance(st store.Store, keyring *signing.Keyring, key *signing.KeyPair) error {
	ctx := context.Background()
	govEvents, err := st.StreamEvents(ctx, store.SystemTenant, core.GovernanceStream)
	if err != nil {
		return err
	}
	known := false
	for _, ev := range govEvents {
		if ev.Type == core.EventKeyAdded && strings.Contains(string(ev.Payload), key.KeyID) {
			known = true
			break
		}
	}
	if !known {
		if _, err := st.CommitTx(ctx, store.SystemTenant, []store.Op{
			store.EventOp(eventchain.Draft{
				StreamID: core.GovernanceStream,
				Type:     core.EventKeyAdded,
				Actor:    "system",
				Payload: map[string]interface{}{
					"keyId":        key.KeyID,
					"publicKeyPem": key.PublicKeyPEM,
				},
			}),
		}); err != nil {
			return err
		}
		govEvents, err = st.StreamEvents(ctx, store.SystemTenant, core.GovernanceStream)
		if err != nil {
			return err
		}
	}
	return keyring.Rebuild(govEvents)
}

// wireNotifier keeps the keyring current as governance events commit.
func wireNotifier(st configuredStore, keyring *signing.Keyring) {
	st.SetNotifier(func(evs []core.Event) {
		for _, ev := range evs {
			if ev.StreamID != core.GovernanceStream {
				continue
			}
			_ = keyring.ApplyGovernanceEvent(ev.Type, ev.Payload, time.UnixMilli(ev.At))
		}
	})
}

// maintenanceLoop sweeps holdbacks for the configured tenants.
func maintenanceLoop(svc *arbitration.Service, cfg *config.Config, stop <-chan struct{}, logger *log.Logger) {
	tenants := strings.Split(os.Getenv("SUBSTRATE_MAINTENANCE_TENANTS"), ",")
	interval := time.Duration(cfg.Maintenance.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, tenantID := range tenants {
				tenantID = strings.TrimSpace(tenantID)
				if tenantID == "" {
					continue
				}
				report, err := svc.RunMaintenance(context.Background(), tenantID)
				if err != nil {
					if ce, ok := core.AsError(err); ok && ce.Code == core.CodeMaintenanceRunning {
						continue
					}
					logger.Printf("[Server] maintenance tenant=%s: %v", tenantID, err)
					continue
				}
				if report.ReleasedCount > 0 || report.BlockedCount > 0 {
					logger.Printf("[Server] maintenance tenant=%s released=%d blocked=%d",
						tenantID, report.ReleasedCount, report.BlockedCount)
				}
			}
		}
	}
}
