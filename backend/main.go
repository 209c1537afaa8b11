package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhilfond/domo/backend/breaker"
	"github.com/zhilfond/domo/backend/credentials"
	"github.com/zhilfond/domo/backend/discovery"
	"github.com/zhilfond/domo/backend/dispatch"
	"github.com/zhilfond/domo/backend/fallback"
	"github.com/zhilfond/domo/backend/middleware"
	"github.com/zhilfond/domo/backend/notify"
	"github.com/zhilfond/domo/backend/optimizer"
	"github.com/zhilfond/domo/backend/ratelimit"
	"github.com/zhilfond/domo/backend/requestnum"
	"github.com/zhilfond/domo/backend/servicemode"
	"github.com/zhilfond/domo/backend/statemachine"
	"github.com/zhilfond/domo/backend/store"
	"github.com/zhilfond/domo/backend/streaming"
	"github.com/zhilfond/domo/backend/webhooks"
)

func main() {
	cfg := LoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Shared stores. Redis is required: rate limits, allocation counters
	// and the revocation cache all live there.
	redisStore, err := store.NewRedisStore(cfg.RedisAddr, "", cfg.RedisDB)
	if err != nil {
		log.Fatalf("connect redis at %s: %v", cfg.RedisAddr, err)
	}
	defer redisStore.Close()
	log.Printf("connected to redis at %s", cfg.RedisAddr)

	var db store.Store
	if cfg.PostgresDSN != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer pg.Close()
		db = pg
		log.Println("using postgres store")
	} else {
		db = store.NewMemoryStore()
		log.Println("POSTGRES_DSN not set, using in-memory store (dev only)")
	}

	// Process-wide state: service mode and the breaker registry.
	modes := servicemode.NewController()
	breakers := breaker.NewRegistry(breaker.DefaultConfig())

	limiter := ratelimit.New(redisStore)
	fb := fallback.NewManager(breakers, modes, fallback.DefaultConfig())

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Printf("[CONFIG] unknown timezone %q, using local", cfg.Timezone)
		loc = time.Local
	}
	allocator := requestnum.New(redisStore, loc)

	bus := streaming.NewRedisPublisher(redisStore, "requests")
	machine := statemachine.New(db, bus)

	creds := credentials.NewStore(db, redisStore, credentials.DefaultConfig([]byte(cfg.MasterSecret)))

	directory := discovery.NewHTTPDirectory(cfg.DirectoryURL, cfg.ServiceName, cfg.ServiceKey)
	finder := discovery.NewService(directory, limiter, fb, discovery.DefaultServiceConfig())

	optCfg := optimizer.DefaultConfig()
	optCfg.Seed = cfg.OptimizerSeed
	engine := optimizer.NewEngine(optCfg, modes)

	notifier := buildNotifier(cfg)

	dispCfg := dispatch.DefaultConfig()
	dispCfg.Mode = dispatch.Mode(cfg.DispatchMode)
	dispCfg.Threshold = cfg.DispatchThreshold
	dispCfg.BatchAlgorithm = cfg.BatchAlgorithm
	dispCfg.MaxWaitMinutes = cfg.MaxWaitMinutes
	dispatcher := dispatch.New(db, finder, engine, fb, modes, machine, notifier, nil, dispCfg)

	ingestor := webhooks.NewIngestor(db, redisStore, webhookSources(cfg))
	registerWebhookHandlers(ingestor, machine)

	opsHub := NewOpsHub(db, breakers, modes)
	go opsHub.Run(ctx)

	go webhooks.NewRetryWorker(ingestor, cfg.WebhookRetryEvery).Run(ctx)
	go NewPendingSweeper(dispatcher, cfg.SweepInterval, cfg.MaxWaitMinutes,
		dispCfg.Mode == dispatch.ModeAutoAssign || dispCfg.Mode == dispatch.ModeBatchOptimize).Run(ctx)

	api := NewAPI(db, allocator, machine, dispatcher, creds, ingestor, modes, opsHub)
	handler := buildRouter(api, creds, limiter, cfg)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("dispatch core listening on %s (mode=%s, algorithm=%s)",
		cfg.ListenAddr, dispCfg.Mode, dispCfg.BatchAlgorithm)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server: %v", err)
	}
}

func buildRouter(api *API, creds *credentials.Store, limiter *ratelimit.Limiter, cfg Config) http.Handler {
	mux := http.NewServeMux()

	auth := middleware.ServiceAuth(creds)
	rated := middleware.RateLimit(limiter, "api", cfg.APIRateLimit, cfg.APIRateWindow)
	protect := func(h http.HandlerFunc) http.Handler { return auth(rated(h)) }
	admin := func(h http.HandlerFunc) http.Handler {
		return auth(middleware.RequirePermission("admin:credentials")(h))
	}

	// Requests and transitions
	mux.Handle("POST /requests", protect(api.handleCreateRequest))
	mux.Handle("GET /requests/{number}", protect(api.handleGetRequest))
	mux.Handle("POST /requests/{number}/transition", protect(api.handleTransition))
	mux.Handle("GET /requests/{number}/comments", protect(api.handleListComments))

	// Dispatch
	mux.Handle("POST /dispatch/batch", protect(api.handleDispatchBatch))
	mux.Handle("GET /dispatch/pending", protect(api.handlePendingAssignments))
	mux.Handle("POST /dispatch/{number}", protect(api.handleDispatchOne))
	mux.Handle("POST /dispatch/{number}/confirm", protect(api.handleConfirmAssignment))

	// Webhooks authenticate by signature, not service headers
	mux.Handle("POST /webhooks/{source}", rated(http.HandlerFunc(api.handleWebhook)))

	// Admin
	mux.Handle("POST /admin/credentials", admin(api.handleIssueCredential))
	mux.Handle("POST /admin/credentials/{service}/revoke", admin(api.handleRevokeCredential))
	mux.Handle("POST /admin/credentials/{service}/restore", admin(api.handleRestoreCredential))
	mux.Handle("GET /admin/credentials/status", admin(api.handleCredentialStatus))
	mux.Handle("GET /admin/credentials/audit", admin(api.handleCredentialAudit))
	mux.Handle("/admin/service-mode", admin(api.handleServiceMode))

	// Retired token endpoint answers 410 for every method
	mux.HandleFunc("/auth/token", api.handleLegacyToken)

	// Ops surface
	mux.HandleFunc("GET /health", api.handleHealth)
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /ops/stream", auth(http.HandlerFunc(api.opsHub.HandleStream)))

	return middleware.CORS(cfg.CORSOrigins)(mux)
}

func buildNotifier(cfg Config) notify.Notifier {
	if cfg.NotifierURL == "" {
		return notify.LogNotifier{}
	}
	return notify.NewHTTPNotifier(cfg.NotifierURL, cfg.ServiceName, cfg.ServiceKey)
}

func webhookSources(cfg Config) map[string]webhooks.SourceConfig {
	sources := make(map[string]webhooks.SourceConfig)
	if cfg.WebhookSecret != "" {
		// payment provider deliveries carry the id in event_id
		sources["payments"] = webhooks.SourceConfig{
			Secret:         cfg.WebhookSecret,
			IDField:        "event_id",
			EventTypeField: "event_type",
			RequireValid:   true,
			MaxRetries:     5,
		}
		sources["telegram"] = webhooks.SourceConfig{
			Secret:         cfg.WebhookSecret,
			IDField:        "update_id",
			EventTypeField: "type",
			RequireValid:   false,
			MaxRetries:     3,
		}
	}
	return sources
}

// registerWebhookHandlers binds inbound events to request transitions.
func registerWebhookHandlers(in *webhooks.Ingestor, machine *statemachine.Machine) {
	in.RegisterHandler("payments", "payment.completed", func(ctx context.Context, ev *store.WebhookEvent) ([]byte, error) {
		var payload struct {
			RequestNumber string `json:"request_number"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return nil, err
		}
		err := machine.Transition(ctx, statemachine.TransitionInput{
			RequestNumber: payload.RequestNumber,
			To:            statemachine.StatusCompleted,
			Actor:         statemachine.Actor{ID: "payments-webhook", Permissions: []string{"requests:work"}},
			Comment:       "payment received",
		})
		if err != nil {
			return nil, err
		}
		return []byte(`{"ok":true}`), nil
	})
}
