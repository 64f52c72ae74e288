package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lenscribe/internal/pipeline"
	"lenscribe/internal/replay"
)

func replayCmd() *cobra.Command {
	var (
		fps    float64
		loops  int
		linger time.Duration
		width  int
	)

	cmd := &cobra.Command{
		Use:   "replay DIR",
		Short: "Feed a directory of images through the pipeline and render the results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			producer, err := replay.New(args[0], a.engine, replay.Options{FPS: fps, Loops: loops}, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return a.engine.Run(gctx)
			})
			g.Go(func() error {
				if _, err := producer.Run(gctx); err != nil {
					return err
				}
				// Give the last frames time to reach the display before exiting.
				select {
				case <-gctx.Done():
				case <-time.After(linger):
					cancel()
				}
				return nil
			})
			g.Go(func() error {
				return renderLoop(gctx, cmd.OutOrStdout(), a.engine, time.Duration(float64(time.Second)/fps), width)
			})
			return g.Wait()
		},
	}

	cmd.Flags().Float64Var(&fps, "fps", 5, "frames submitted per second")
	cmd.Flags().IntVar(&loops, "loops", 0, "passes over the directory (0 = until interrupted)")
	cmd.Flags().DurationVar(&linger, "linger", 3*time.Second, "time to keep rendering after the last loop")
	cmd.Flags().IntVar(&width, "width", 80, "render width in columns")
	return cmd
}

type versionedSource interface {
	LatestVersioned() (pipeline.DisplayResult, uint64)
}

// renderLoop prints each newly published result once.
func renderLoop(ctx context.Context, out io.Writer, src versionedSource, interval time.Duration, width int) error {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			result, version := src.LatestVersioned()
			if version == 0 || version == last {
				continue
			}
			last = version
			if _, err := fmt.Fprintf(out, "%s\n\n", renderDisplay(result, width)); err != nil {
				return err
			}
		}
	}
}
