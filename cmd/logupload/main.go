// Command logupload drains the kernel log (or stdin), compresses it, and
// hands it to a collector, optionally repeating on a jittered interval.
//
// Logging:
//   - Base logger is created here; the level comes from configuration
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//
// Signals: SIGINT and SIGTERM stop the daemon once the current cycle's upload
// finishes; SIGUSR1 cuts the current sleep short.
//
// The exit status identifies the failure class; see cycle.Code.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"logupload/internal/arena"
	"logupload/internal/codec"
	"logupload/internal/config"
	"logupload/internal/cycle"
	"logupload/internal/home"
	"logupload/internal/hostinfo"
	"logupload/internal/logging"
	"logupload/internal/metrics"
	"logupload/internal/notify"
	"logupload/internal/scheduler"
	"logupload/internal/source"
	"logupload/internal/transport"
	"logupload/internal/watermark"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // Filtering done by ComponentFilterHandler.
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:           "logupload",
		Short:         "Upload new kernel log data to a collector",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			if level, err := logging.ParseLevel(cfg.LogLevel); err == nil {
				filterHandler.SetDefaultLevel(level)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, logger, cfg, os.Stdin, os.Stdout)
		},
	}
	config.BindFlags(rootCmd.Flags())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		code := cycle.ExitCode(err)
		if code != int(cycle.CodeOK) {
			logger.Error("logupload failed", "error", err, "exit", code)
		}
		os.Exit(code)
	}
}

// run wires the daemon together and blocks until the scheduler stops.
func run(ctx context.Context, logger *slog.Logger, cfg *config.Config, stdin io.Reader, stdout io.Writer) error {
	hd := home.New(cfg.StateDir)
	if err := hd.EnsureExists(); err != nil {
		return err
	}

	buf, err := arena.New(cfg.MaxLogSize, cfg.CompressionSlack)
	if err != nil {
		return cycle.NewFailure(cycle.Start, cycle.CodeAllocation, true, err)
	}
	c, err := codec.Lookup(cfg.Codec)
	if err != nil {
		return err
	}

	src, err := openSource(cfg, stdin, logger)
	if err != nil {
		return cycle.NewFailure(cycle.Start, cycle.CodeSourceOpen, true, err)
	}
	defer func() { _ = src.Close() }()

	interval := cfg.Interval()
	stream := cfg.Stdin != ""
	cc := cycle.Config{
		Arena:     buf,
		Source:    src,
		Codec:     c,
		Watermark: watermark.NewFile(hd.WatermarkPath(), logger),
		LogType:   cfg.LogType,
		Logger:    logger,
	}
	if stream && interval > 0 {
		cc.ReadDeadline = func() time.Duration { return scheduler.PickDelay(interval) }
	}

	if cfg.Stdout {
		cc.Output = stdout
	} else {
		t, err := transport.Open(cfg.Server, buildFactories(), transport.Options{
			Timeout: cfg.Timeout,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		defer func() { _ = t.Close() }()
		cc.Transport = t
		cc.Marker = watermark.NewMarker(hd.MarkerPath())
		cc.Extractor = hostinfo.New(hostinfo.Config{
			PlatformPath: cfg.PlatformPath,
			SerialPath:   cfg.SerialPath,
			Interfaces:   cfg.Interfaces,
			Logger:       logger,
		})
	}

	logger.Info("starting",
		"version", version,
		"target", cfg.Target(),
		"destination", destination(cfg),
		"codec", c.Name(),
		"interval", interval)

	wake := notify.NewSignal()
	sc := scheduler.Config{
		Cycle:    cycle.New(cc),
		Interval: interval,
		Stream:   stream,
		Wake:     wake,
		Logger:   logger,
	}
	if cfg.WakeLimit > 0 {
		sc.WakeLimit = rate.Limit(cfg.WakeLimit)
	}

	g, gctx := errgroup.WithContext(ctx)
	gctx, stop := context.WithCancel(gctx)
	defer stop()

	if cfg.MetricsAddr != "" {
		m := metrics.New()
		sc.Observer = m
		srv := metrics.NewServer(cfg.MetricsAddr, m, logger)
		g.Go(func() error { return srv.Run(gctx) })
	}

	g.Go(func() error {
		forwardWakes(gctx, wake, logger)
		return nil
	})

	sched := scheduler.New(sc)
	g.Go(func() error {
		defer stop()
		return sched.Run(gctx)
	})

	err = g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openSource(cfg *config.Config, stdin io.Reader, logger *slog.Logger) (source.Source, error) {
	if cfg.Stdin != "" {
		return source.NewStream(source.StreamConfig{
			Name:   cfg.Stdin,
			Reader: stdin,
			Logger: logger,
		}), nil
	}
	return source.NewKmsg(source.KmsgConfig{
		Path:   cfg.KmsgPath,
		Full:   cfg.All,
		Logger: logger,
	})
}

// forwardWakes turns SIGUSR1 into scheduler wakes until ctx is done.
func forwardWakes(ctx context.Context, wake *notify.Signal, logger *slog.Logger) {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)

	for {
		select {
		case <-ctx.Done():
			return
		case <-usr1:
			if !wake.Notify() {
				logger.Debug("wake dropped, no sleep in progress", "dropped", wake.Dropped())
			}
		}
	}
}

func destination(cfg *config.Config) string {
	if cfg.Stdout {
		return "stdout"
	}
	return cfg.Server
}
