package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	uploader "github.com/popel1988/hllstatsuploader"
	"github.com/popel1988/hllstatsuploader/config"
	"github.com/popel1988/hllstatsuploader/logger"
	"github.com/popel1988/hllstatsuploader/scheduler"
	"github.com/popel1988/hllstatsuploader/state"
)

func main() {
	// No arguments means a one-time export, cronjob style.
	command := "once"
	args := os.Args[1:]
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup error:", err)
		os.Exit(1)
	}
	if err := logger.SetLevelByName(cfg.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, "startup error:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "loop":
		runLoop(ctx, cfg)
	case "once":
		runOnce(ctx, cfg)
	case "status":
		printStatus(cfg)
	case "test-db":
		testDB(ctx, cfg)
	case "reset":
		runReset(cfg, args)
	default:
		usage()
		os.Exit(2)
	}
}

func newUploader(cfg *config.Config) *uploader.Uploader {
	u, err := uploader.New(cfg)
	if err != nil {
		if errors.Is(err, state.ErrCorruptState) {
			logger.Error("state file is corrupt, refusing to guess a cursor; inspect or reset it", "error", err)
		} else {
			logger.Error("startup failed", "error", err)
		}
		os.Exit(1)
	}
	return u
}

func runLoop(ctx context.Context, cfg *config.Config) {
	cfg.Print()
	u := newUploader(cfg)

	if err := u.TestConnection(ctx); err != nil {
		logger.Error("database not reachable at startup", "error", err)
		os.Exit(1)
	}

	sched := scheduler.New(u, cfg.SyncInterval)
	_ = sched.Loop(ctx)
}

func runOnce(ctx context.Context, cfg *config.Config) {
	u := newUploader(cfg)

	summary := scheduler.New(u, cfg.SyncInterval).Once(ctx)
	if !summary.OK() {
		os.Exit(1)
	}
}

// printStatus reports the last persisted cursors without touching the source
// database or the sink.
func printStatus(cfg *config.Config) {
	store := state.NewStore(cfg.StateDir)
	// status is read-only and always exits 0, even when the state file is
	// unreadable; the error itself is the status in that case.
	doc, err := store.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "status error:", err)
		return
	}

	fmt.Printf("state file:   %s\n", store.Path())
	fmt.Printf("sync enabled: %t\n", cfg.SyncEnabled)
	fmt.Printf("run count:    %d\n", doc.RunCount)
	if !doc.LastRunAt.IsZero() {
		fmt.Printf("last run:     %s (%s)\n", doc.LastRunAt.Format("2006-01-02 15:04:05"), doc.LastStatus)
	}

	for _, server := range cfg.Servers() {
		st, ok := doc.Servers[server.ID]
		if !ok {
			fmt.Printf("server %d (%s): no cursor, next export starts from the beginning\n", server.ID, server.Name)
			continue
		}
		fmt.Printf("server %d (%s): cursor=%d rows=%d batches=%d", server.ID, server.Name, st.Cursor, st.TotalRows, st.TotalBatches)
		if st.LastStatus != "" {
			fmt.Printf(" last=%s", st.LastStatus)
		}
		if st.LastError != "" {
			fmt.Printf(" error=%q", st.LastError)
		}
		fmt.Println()
	}
}

func testDB(ctx context.Context, cfg *config.Config) {
	u := newUploader(cfg)
	if err := u.TestConnection(ctx); err != nil {
		logger.Error("database not reachable", "error", err)
		os.Exit(1)
	}
	logger.Info("database connection ok")
}

// parseResetArgs interprets the reset arguments: an optional single positive
// server id plus a --yes confirmation. serverID 0 means "all servers", so
// only explicit positive ids are accepted; anything else is rejected rather
// than silently falling through to a full reset.
func parseResetArgs(args []string) (serverID int, confirmed bool, err error) {
	for _, arg := range args {
		if arg == "--yes" || arg == "-y" {
			confirmed = true
			continue
		}
		id, pErr := strconv.Atoi(arg)
		if pErr != nil || id <= 0 {
			return 0, false, fmt.Errorf("invalid server id %q", arg)
		}
		if serverID != 0 {
			return 0, false, fmt.Errorf("at most one server id may be given, got %d and %d", serverID, id)
		}
		serverID = id
	}
	return serverID, confirmed, nil
}

// runReset clears cursors for one server (reset <id> --yes) or all servers
// (reset --yes). It refuses to act without explicit confirmation.
func runReset(cfg *config.Config, args []string) {
	serverID, confirmed, err := parseResetArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "reset:", err)
		os.Exit(2)
	}

	if !confirmed {
		fmt.Fprintln(os.Stderr, "reset is destructive: the next export re-sends data from the beginning.")
		fmt.Fprintln(os.Stderr, "re-run with --yes to confirm.")
		os.Exit(2)
	}

	u := newUploader(cfg)
	if serverID > 0 {
		err = u.Reset(serverID)
	} else {
		err = u.ResetAll()
	}
	if err != nil {
		logger.Error("reset failed", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: hllstatsuploader <command>

Commands:
  loop               run the export on the configured interval
  once               run exactly one export cycle (default)
  status             show per-server cursors and last run outcome
  test-db            check source database reachability
  reset [id] --yes   clear the cursor for one server, or all servers`)
}
