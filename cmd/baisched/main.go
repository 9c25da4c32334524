// Command baisched is the operator CLI for inspecting and correcting
// scheduler state out of band: recomputing accounting ledgers, forcing a
// stuck session to terminate, draining an agent ahead of maintenance, and
// inspecting a resource group's pending queue. Built with spf13/cobra,
// grounded on the teacher's own cmd/warren cobra tree (cuemby-warren).
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/lablup/baisched/internal/config"
	"github.com/lablup/baisched/internal/db"
	"github.com/lablup/baisched/internal/db/repo"
	"github.com/lablup/baisched/internal/dispatch"
	"github.com/lablup/baisched/internal/events/bus"
	"github.com/lablup/baisched/internal/logging"
	"github.com/lablup/baisched/internal/manager"
	"github.com/lablup/baisched/internal/statemachine"
)

// Exit codes named in the CLI surface: 0 success, 1 generic error, 2
// not-found, 3 conflict.
const (
	exitOK           = 0
	exitGenericError = 1
	exitNotFound     = 2
	exitConflict     = 3
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return exitNotFound
	case errors.Is(err, statemachine.ErrStale):
		return exitConflict
	default:
		return exitGenericError
	}
}

var rootCmd = &cobra.Command{
	Use:   "baisched",
	Short: "Operator CLI for the session scheduler",
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Directory holding config.yaml (defaults to ./ and /etc/baisched/)")

	rootCmd.AddCommand(recalcUsageCmd)
	rootCmd.AddCommand(rescanImagesCmd)
	rootCmd.AddCommand(forceTerminateCmd)
	rootCmd.AddCommand(drainAgentCmd)
	rootCmd.AddCommand(showQueueCmd)
}

// cliEnv bundles the storage handles and domain services every subcommand
// needs, opened fresh per invocation since this is a short-lived CLI
// process rather than the long-running manager.
type cliEnv struct {
	writer   *sqlx.DB
	reader   *sqlx.DB
	sessions *repo.SessionRepository
	kernels  *repo.KernelRepository
	agents   *repo.AgentRepository
	machine  *statemachine.Machine
	core     manager.Core
	log      *logging.Logger
}

func (e *cliEnv) Close() {
	e.writer.Close()
	if e.reader != e.writer {
		e.reader.Close()
	}
}

func newCLIEnv(cmd *cobra.Command) (*cliEnv, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logging.NewLogger(logging.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	writer, reader, err := openCLIStorage(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	sessions := repo.NewSessionRepository(writer, reader)
	kernels := repo.NewKernelRepository(writer, reader)
	agents := repo.NewAgentRepository(writer, reader)
	store := statemachine.NewSQLStore(writer)
	machine := statemachine.New(store, bus.NewMemoryEventBus(log))

	// The CLI talks to storage directly; it has no live dispatch connection
	// to running agents: the coordinator has no agents registered, so
	// restart/interrupt/exec return an error instead of reaching out over
	// RPC. Destroy still makes its state transition and only logs its failed
	// destroy_kernel calls, which is all force-terminate needs.
	coordinator := dispatch.NewCoordinator(log, cfg.RPC.RetryLimit, cfg.RPC.RetryCooldown)
	core := manager.New(sessions, kernels, machine, coordinator, log)

	return &cliEnv{
		writer:   writer,
		reader:   reader,
		sessions: sessions,
		kernels:  kernels,
		agents:   agents,
		machine:  machine,
		core:     core,
		log:      log,
	}, nil
}

func openCLIStorage(cfg config.DatabaseConfig) (writer, reader *sqlx.DB, err error) {
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
