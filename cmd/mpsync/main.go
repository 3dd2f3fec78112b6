// mpsync mirrors a local directory onto a MicroPython board over a
// serial port or a WebREPL websocket, live, as files change.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mpsync/mpsync/internal/board"
	"github.com/mpsync/mpsync/internal/config"
	"github.com/mpsync/mpsync/internal/engine"
	"github.com/mpsync/mpsync/internal/logging"
	"github.com/mpsync/mpsync/internal/pathmap"
	"github.com/mpsync/mpsync/internal/state"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "mpsync",
		Short:         "Mirror a local folder onto a MicroPython board as it changes",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd.Context(), configPath)
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to mpsync.yaml (default ./mpsync.yaml when present)")

	root.AddCommand(lsCmd(&configPath), versionCmd())

	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the mpsync version",
		Run: func(*cobra.Command, []string) {
			fmt.Println("mpsync " + Version)
		},
	}
}

// lsCmd lists the board filesystem and exits. Useful to verify the
// connection before starting a sync.
func lsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List the board filesystem",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			logger := logging.NewLogger(cfg.Environment, cfg.Verbose)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			b, err := connectBoard(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer b.Close()

			entries, err := board.ListTree(ctx, b, cfg.RemoteRoot)
			if err != nil {
				return fmt.Errorf("listing board tree: %w", err)
			}

			for _, e := range entries {
				if e.IsDir {
					fmt.Printf("%8s  %s/\n", "", e.Path)
					continue
				}
				fmt.Printf("%8d  %s\n", e.Size, e.Path)
			}

			return nil
		},
	}
}

func runSync(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.Verbose)
	logger.Info("mpsync starting",
		slog.String("version", Version),
		slog.String("folder", cfg.Folder),
		slog.String("remote_root", cfg.RemoteRoot),
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cache, err := openCache(cfg)
	if err != nil {
		return fmt.Errorf("opening state: %w", err)
	}
	defer cache.Close()

	b, err := connectBoard(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	mapper, err := pathmap.New(cfg.Folder, pathmap.Options{
		RemoteRoot: cfg.RemoteRoot,
		ExtraGlobs: cfg.IgnoreGlobs,
	})
	if err != nil {
		return fmt.Errorf("preparing path mapping: %w", err)
	}

	eng := engine.New(mapper, b, cache, engine.Config{
		DebounceWindow: cfg.DebounceWindow,
		SyncOnStart:    cfg.SyncOnStart,
		ResetOnIdle:    cfg.ResetOnIdle,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Run(gctx)
	})

	g.Go(func() error {
		summarize(gctx, eng.Status(), logger)
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("mpsync stopped")
		return nil
	}

	return err
}

// summarize drains the engine status stream and reports totals on
// shutdown.
func summarize(ctx context.Context, status <-chan engine.Status, logger *slog.Logger) {
	var uploads, deletes, failures int

	for {
		select {
		case <-ctx.Done():
			logger.Info("session summary",
				slog.Int("uploads", uploads),
				slog.Int("deletes", deletes),
				slog.Int("failures", failures),
			)
			return

		case s := <-status:
			switch s.Kind {
			case engine.StatusUploaded:
				uploads++
			case engine.StatusDeleted, engine.StatusRmdir:
				deletes++
			case engine.StatusError:
				failures++
			}
		}
	}
}

func connectBoard(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*board.Board, error) {
	var (
		id   string
		dial board.Dialer
	)

	if cfg.Port != "" {
		id = "ser:" + cfg.Port
		dial = board.SerialDialer(cfg.Port, cfg.Baud)
	} else {
		id = "ws:" + cfg.WebREPLURL
		dial = board.WebREPLDialer(cfg.WebREPLURL, cfg.WebREPLPassword)
	}

	b, err := board.Connect(ctx, id, dial, board.Options{}, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to board %s: %w", id, err)
	}

	return b, nil
}

func openCache(cfg *config.Config) (*state.Cache, error) {
	if cfg.StatePath != "" {
		return state.LoadAt(cfg.StatePath)
	}
	return state.Load()
}
