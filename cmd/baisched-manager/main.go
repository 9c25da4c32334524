// Command baisched-manager runs the long-lived scheduling process: one
// Scheduler per resource group and a single Reconciler sweeping every
// group, fronted by a gin HTTP
// surface for the northbound operations. Mirrors the teacher's
// cmd/agent-manager/main.go wiring order: config -> logger -> storage ->
// event bus -> domain services -> HTTP server -> signal-driven graceful
// shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/lablup/baisched/internal/accounting"
	"github.com/lablup/baisched/internal/api"
	"github.com/lablup/baisched/internal/config"
	"github.com/lablup/baisched/internal/db"
	"github.com/lablup/baisched/internal/db/repo"
	"github.com/lablup/baisched/internal/dispatch"
	"github.com/lablup/baisched/internal/dispatch/dockeragent"
	"github.com/lablup/baisched/internal/domain"
	"github.com/lablup/baisched/internal/events/bus"
	"github.com/lablup/baisched/internal/leaderlock"
	"github.com/lablup/baisched/internal/leaderlock/filelock"
	"github.com/lablup/baisched/internal/leaderlock/pglock"
	"github.com/lablup/baisched/internal/leaderlock/raftlock"
	"github.com/lablup/baisched/internal/logging"
	"github.com/lablup/baisched/internal/manager"
	"github.com/lablup/baisched/internal/placement"
	"github.com/lablup/baisched/internal/reconciler"
	"github.com/lablup/baisched/internal/resourceslot"
	"github.com/lablup/baisched/internal/scheduler"
	"github.com/lablup/baisched/internal/session/queue"
	"github.com/lablup/baisched/internal/statemachine"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.NewLogger(logging.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetDefault(log)
	log.Info("starting baisched-manager", zap.String("database.driver", cfg.Database.Driver))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer, reader, err := openStorage(cfg.Database)
	if err != nil {
		log.Fatal("failed to open storage", zap.Error(err))
	}
	defer writer.Close()
	if reader != writer {
		defer reader.Close()
	}
	if _, err := writer.ExecContext(ctx, repo.Schema); err != nil {
		log.Fatal("failed to apply schema", zap.Error(err))
	}

	sessions := repo.NewSessionRepository(writer, reader)
	kernels := repo.NewKernelRepository(writer, reader)
	agents := repo.NewAgentRepository(writer, reader)

	eventBus, err := openEventBus(cfg.NATS, log)
	if err != nil {
		log.Fatal("failed to connect event bus", zap.Error(err))
	}

	store := statemachine.NewSQLStore(writer)
	machine := statemachine.New(store, eventBus)

	ledger := accounting.NewLedger()

	coordinator := dispatch.NewCoordinator(log, cfg.RPC.RetryLimit, cfg.RPC.RetryCooldown)
	if err := registerLocalDockerAgent(ctx, coordinator, agents, cfg, log); err != nil {
		log.Warn("local docker agent not registered, dispatch has no backing agent", zap.Error(err))
	}
	dispatcher := dispatch.NewSessionDispatcher(coordinator, kernels, sessions, machine, cfg.RPC.CreateTimeout, log)

	lock, err := newLeaderLock(cfg.LeaderLock, writer, log)
	if err != nil {
		log.Fatal("failed to construct leader lock", zap.Error(err))
	}

	groups, err := discoverResourceGroups(ctx, writer)
	if err != nil {
		log.Fatal("failed to discover resource groups", zap.Error(err))
	}
	if len(groups) == 0 {
		groups = []string{"default"}
		log.Warn("no resource groups found in storage, defaulting to 'default'")
	}

	sessionPolicy, agentPolicy := policiesFromConfig(cfg.Scheduler, log)

	schedulers := make([]*scheduler.Scheduler, 0, len(groups))
	for _, rg := range groups {
		schedCfg := scheduler.Config{
			ResourceGroup:     rg,
			ProcessInterval:   cfg.Scheduler.TickInterval,
			MaxCycleDuration:  cfg.Scheduler.MaxCycleDuration,
			HolBlockThreshold: cfg.Scheduler.HolBlockThreshold,
			SessionPolicy:     sessionPolicy,
			AgentPolicy:       agentPolicy,
		}
		sched := scheduler.New(schedCfg, sessions, agents, agents, sessions, machine, ledger, lock, dispatcher, eventBus, log)
		if err := sched.Start(ctx); err != nil {
			log.Fatal("failed to start scheduler", zap.String("resource_group", rg), zap.Error(err))
		}
		schedulers = append(schedulers, sched)
	}

	deadlines := reconciler.Deadlines{
		Default:  durationsByStatus(cfg.Reconciler.StateDeadlines),
		PerGroup: perGroupDurationsByStatus(cfg.Reconciler.PerGroupOverrides),
	}
	recon := reconciler.New(
		reconciler.Config{Interval: cfg.Reconciler.Interval, Deadlines: deadlines},
		sessions, kernels, coordinator, machine, log,
	)
	if err := recon.Start(ctx); err != nil {
		log.Fatal("failed to start reconciler", zap.Error(err))
	}

	core := manager.New(sessions, kernels, machine, coordinator, log)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(api.Recovery(log), api.RequestLogger(log))
	router.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "healthy"}) })
	v1 := router.Group("/api/v1")
	api.SetupRoutes(v1, core, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	if err := recon.Stop(); err != nil {
		log.Error("reconciler stop error", zap.Error(err))
	}
	for _, sched := range schedulers {
		if err := sched.Stop(); err != nil {
			log.Error("scheduler stop error", zap.Error(err))
		}
	}
	cancel()
	log.Info("baisched-manager stopped")
}

// openStorage opens the writer/reader database handles per the configured
// driver, matching the teacher's WAL-mode single-writer/multi-reader split
// for SQLite and the single shared pool for Postgres.
func openStorage(cfg config.DatabaseConfig) (writer, reader *sqlx.DB, err error) {
	if cfg.Driver == "postgres" {
		rawDB, err := db.OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, nil, err
		}
		sqlxDB := sqlx.NewDb(rawDB, "pgx")
		return sqlxDB, sqlxDB, nil
	}

	rawWriter, err := db.OpenSQLite(cfg.Path)
	if err != nil {
		return nil, nil, err
	}
	rawReader, err := db.OpenSQLiteReader(cfg.Path)
	if err != nil {
		return nil, nil, err
	}
	return sqlx.NewDb(rawWriter, "sqlite3"), sqlx.NewDb(rawReader, "sqlite3"), nil
}

// openEventBus selects NATS for multi-replica deployments or the in-memory
// bus for single-node/test, exactly the teacher's own fallback rule.
func openEventBus(cfg config.NATSConfig, log *logging.Logger) (bus.EventBus, error) {
	if cfg.URL == "" {
		return bus.NewMemoryEventBus(log), nil
	}
	return bus.NewNATSEventBus(cfg, log)
}

// newLeaderLock selects the configured mutual-exclusion backing.
func newLeaderLock(cfg config.LeaderLockConfig, writer *sqlx.DB, log *logging.Logger) (leaderlock.Lock, error) {
	lockCfg := leaderlock.Config{TTL: cfg.TTL, RenewInterval: cfg.TTL / 3}
	switch cfg.Backend {
	case "raft":
		hostname, _ := os.Hostname()
		return raftlock.New(hostname, cfg.RaftBind, cfg.RaftDir, lockCfg, log), nil
	case "postgres":
		return pglock.New(writer, lockCfg), nil
	default:
		return filelock.New(cfg.FilePath, lockCfg), nil
	}
}

// registerLocalDockerAgent wires the reference dockeragent.Client as a
// single dev/test agent named after the local hostname, seeding its row in
// the agents table if it does not already exist. Production deployments
// register real worker-node RPC clients through the (not yet built)
// heartbeat ingestion path instead of this dev shortcut.
func registerLocalDockerAgent(ctx context.Context, coordinator *dispatch.Coordinator, agentsRepo *repo.AgentRepository, cfg *config.Config, log *logging.Logger) error {
	client, err := dockeragent.NewClient(dockeragent.Config{}, log)
	if err != nil {
		return err
	}
	agentClient := dockeragent.NewDockerAgentClient(client, log)

	hostname, _ := os.Hostname()
	agentID := "local-docker-" + hostname
	coordinator.RegisterAgent(agentID, agentClient, cfg.Agent.ConcurrencyBudget)

	return agentsRepo.Upsert(ctx, domain.Agent{
		ID:                agentID,
		Address:           "unix:///var/run/docker.sock",
		ResourceGroup:     "default",
		Architecture:      "x86_64",
		TotalSlots:        resourceslot.New(map[string]int64{"cpu": 8, "mem": 32 * 1024 * 1024 * 1024}),
		OccupiedSlots:     resourceslot.New(map[string]int64{}),
		LastHeartbeat:     time.Now(),
		Status:            domain.AgentStatusAlive,
		ComputePlugins:    []string{"cuda"},
		ConcurrencyBudget: cfg.Agent.ConcurrencyBudget,
	})
}

// discoverResourceGroups returns every distinct resource_group with at
// least one registered agent, so the manager starts one scheduler per
// group instead of requiring an explicit static list in config.
func discoverResourceGroups(ctx context.Context, reader *sqlx.DB) ([]string, error) {
	var groups []string
	err := reader.SelectContext(ctx, &groups, reader.Rebind(`SELECT DISTINCT resource_group FROM agents ORDER BY resource_group`))
	return groups, err
}

func policiesFromConfig(cfg config.SchedulerConfig, log *logging.Logger) (queue.SelectionPolicy, placement.Policy) {
	var sessionPolicy queue.SelectionPolicy
	switch cfg.SessionPolicy {
	case "priority":
		sessionPolicy = queue.PriorityPolicy{}
	case "drf":
		log.Warn("scheduler.sessionPolicy=drf requires live per-cycle usage snapshots; falling back to fifo for the static queue.SelectionPolicy wired at startup")
		sessionPolicy = queue.FIFOPolicy{HolBlockThreshold: cfg.HolBlockThreshold}
	default:
		sessionPolicy = queue.FIFOPolicy{HolBlockThreshold: cfg.HolBlockThreshold}
	}

	var agentPolicy placement.Policy
	switch cfg.AgentPolicy {
	case "dispersed":
		agentPolicy = placement.DispersedPolicy{}
	case "custom":
		log.Warn("scheduler.agentPolicy=custom has no deployment-specific hook registered; falling back to concentrated")
		agentPolicy = placement.ConcentratedPolicy{}
	default:
		agentPolicy = placement.ConcentratedPolicy{}
	}

	return sessionPolicy, agentPolicy
}

func durationsByStatus(in map[string]time.Duration) map[domain.SessionStatus]time.Duration {
	out := make(map[domain.SessionStatus]time.Duration, len(in))
	for k, v := range in {
		out[domain.SessionStatus(k)] = v
	}
	return out
}

func perGroupDurationsByStatus(in map[string]map[string]time.Duration) map[string]map[domain.SessionStatus]time.Duration {
	out := make(map[string]map[domain.SessionStatus]time.Duration, len(in))
	for group, overrides := range in {
		out[group] = durationsByStatus(overrides)
	}
	return out
}
