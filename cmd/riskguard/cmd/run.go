package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/riskguard/clock"
	"github.com/rustyeddy/riskguard/config"
	"github.com/rustyeddy/riskguard/daemon"
	"github.com/rustyeddy/riskguard/logging"
	"github.com/rustyeddy/riskguard/replay"
	"github.com/rustyeddy/riskguard/risk"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the enforcement daemon",
	Long: `Run the state core with the paper executor.

Without --events the daemon runs until interrupted and serves the read-only
status surface on http.addr. With --events it replays a recorded CSV session
on a clock that follows the event timestamps, then prints each account's
status and exits.

Examples:
  riskguard run -f riskguard.yaml
  riskguard run -f riskguard.yaml --events session.csv`,
	RunE: runRun,
}

var (
	runConfigPath string
	runEventsPath string
	runLogLevel   string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runConfigPath, "file", "f", "", "path to config file (YAML or JSON) (required)")
	runCmd.Flags().StringVar(&runEventsPath, "events", "", "replay events from this CSV file and exit")
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "", "override log.level")
	runCmd.MarkFlagRequired("file")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(runConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if runLogLevel != "" {
		cfg.Log.Level = runLogLevel
	}
	log, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Out: os.Stderr})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runEventsPath != "" {
		return runReplay(ctx, cmd, cfg, log)
	}

	core, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	return core.Run(ctx)
}

func runReplay(ctx context.Context, cmd *cobra.Command, cfg *config.Config, log zerolog.Logger) error {
	feed, err := replay.Open(runEventsPath, time.Time{}, time.Time{})
	if err != nil {
		return fmt.Errorf("open events: %w", err)
	}
	defer feed.Close()

	first, ok, err := feed.Next()
	if err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	if !ok {
		return fmt.Errorf("%s: no events", runEventsPath)
	}

	clk := clock.NewFake(first.Time)
	core, err := daemon.New(cfg, log, daemon.WithClock(clk))
	if err != nil {
		return err
	}
	if err := core.Start(ctx); err != nil {
		core.Stop()
		return err
	}

	// Time moves with the feed; expiries and resets fire in between events.
	handle := func(ctx context.Context, ev risk.Event) error {
		if ev.Time.After(clk.Now()) {
			clk.Set(ev.Time)
			core.FastTick(ctx)
			core.SlowTick(ctx)
		}
		_, err := core.HandleEvent(ctx, ev)
		core.Dispatcher.Wait()
		return err
	}
	onErr := func(ev risk.Event, err error) {
		log.Error().Err(err).Str("account", ev.Account).Str("symbol", ev.Symbol).Time("time", ev.Time).Msg("replayed event")
	}

	n := 1
	if err := handle(ctx, first); err != nil {
		onErr(first, err)
	}
	played, err := replay.Play(ctx, feed, handle, onErr)
	n += played
	if err != nil {
		core.Stop()
		return fmt.Errorf("replay: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	for _, a := range cfg.Accounts {
		if err := enc.Encode(core.GetStats(ctx, a.ID)); err != nil {
			core.Stop()
			return err
		}
	}
	log.Info().Int("events", n).Str("file", runEventsPath).Msg("replay finished")
	return core.Stop()
}
