package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wgrove/milterchild/internal/children"
	"github.com/wgrove/milterchild/internal/config"
	"github.com/wgrove/milterchild/internal/logging"
	"github.com/wgrove/milterchild/milter"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the multiplexer and serve MTA connections",
	RunE:  runMultiplexer,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runMultiplexer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := logging.ParseLevel(cfg.LogLevel)
	var logger = logging.NewTextLogger(level)
	if cfg.LogFormat == "json" {
		logger = logging.NewJSONLogger(level)
	}
	logging.SetDefault(logger)

	childrenCfg, err := cfg.ChildrenConfig()
	if err != nil {
		return err
	}
	fleet := cfg.BackendList()
	ceiling := cfg.FleetCeiling()

	server := milter.NewServer(
		milter.WithDynamicMilter(children.NewMilterFunc(fleet, ceiling, childrenCfg)),
		milter.WithMaximumVersion(ceiling.Version),
		milter.WithActions(ceiling.Actions),
		milter.WithProtocols(ceiling.Protocol),
	)

	ln, err := listen(cfg.Listen)
	if err != nil {
		return err
	}
	logger.Info("childrend: listening", "address", cfg.Listen, "backends", len(fleet))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != milter.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		logger.Info("childrend: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("childrend: shutdown: %w", err)
		}
		return nil
	}
}
