// Package main is the entrypoint for visionwatch.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/visionwatch/internal/api"
	"github.com/kiranshivaraju/visionwatch/internal/api/handler"
	mw "github.com/kiranshivaraju/visionwatch/internal/api/middleware"
	"github.com/kiranshivaraju/visionwatch/internal/cache"
	"github.com/kiranshivaraju/visionwatch/internal/config"
	"github.com/kiranshivaraju/visionwatch/internal/poll"
	"github.com/kiranshivaraju/visionwatch/internal/reconcile"
	"github.com/kiranshivaraju/visionwatch/internal/vision"
	"github.com/kiranshivaraju/visionwatch/internal/watch"
	"github.com/kiranshivaraju/visionwatch/pkg/models"
)

const (
	shutdownTimeout = 30 * time.Second
	pingTimeout     = 5 * time.Second
)

const usage = `usage: visionwatch <command> [flags]

commands:
  submit [-o file] <image>   upload an image and wait for the result
  watch  [-o file] <jobID>   follow an existing job until it finishes
  follow                     print updates published to Redis by a running server
  serve                      run the local control API`

var errUsage = errors.New(usage)

func main() {
	slog.SetDefault(newLogger(os.Stderr, "info"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()

	if errors.Is(err, errUsage) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("visionwatch failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "submit", "watch", "follow", "serve":
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage)
		return nil
	default:
		return fmt.Errorf("%w\n\nunknown command %q", errUsage, cmd)
	}

	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(newLogger(stderr, cfg.Log.Level))
	slog.Debug("config loaded", "vision_url", cfg.Vision.BaseURL, "env", cfg.Watch.Env)

	// 2. Connect to Redis when configured
	var redisCache *cache.RedisCache
	if cfg.Redis.URL != "" {
		redisCache, err = connectCache(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer redisCache.Close()
	}

	switch cmd {
	case "follow":
		return runFollow(ctx, redisCache, stdout)
	case "serve":
		return runServe(ctx, cfg, redisCache)
	}

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	output := fs.String("o", "", "write the processed image to this file")
	if err := fs.Parse(rest); err != nil {
		return fmt.Errorf("%w\n\n%v", errUsage, err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w\n\n%s expects exactly one argument", errUsage, cmd)
	}
	target := fs.Arg(0)

	// 3. Build the watcher
	wt := newWatcher(cfg, redisCache)
	defer wt.Close()

	var start func() error
	if cmd == "submit" {
		data, err := os.ReadFile(target)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		start = func() error {
			_, err := wt.Submit(ctx, models.Artifact{Name: target, Data: data})
			return err
		}
	} else {
		start = func() error {
			_, err := wt.Attach(ctx, target)
			return err
		}
	}

	job, err := awaitTerminal(ctx, wt, stdout, start)
	if err != nil {
		return err
	}
	return finish(ctx, wt, job, *output, stdout)
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
}

func connectCache(ctx context.Context, redisURL string) (*cache.RedisCache, error) {
	rc, err := cache.NewRedisCache(redisURL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rc.Ping(pingCtx); err != nil {
		rc.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")
	return rc, nil
}

func newWatcher(cfg *config.Config, rc *cache.RedisCache) *watch.Watcher {
	client := vision.NewHTTPClient(cfg.Vision.BaseURL, cfg.Vision.RequestTimeout,
		vision.WithRateLimit(cfg.Vision.RateLimitRPS, cfg.Vision.RateLimitBurst))

	logger := slog.Default()
	scheduler := poll.NewScheduler(client,
		poll.WithLogger(logger),
		poll.WithFetchTimeout(cfg.Poll.FetchTimeout),
		poll.WithMaxNotFound(cfg.Poll.MaxNotFound),
	)

	opts := []watch.Option{
		watch.WithScheduler(scheduler),
		watch.WithInterval(cfg.Poll.Interval),
		watch.WithLogger(logger),
	}
	if rc != nil {
		opts = append(opts, watch.WithPublisher(rc))
	}
	return watch.New(client, opts...)
}

// awaitTerminal prints every snapshot of the watched job and returns the
// first terminal one. start kicks off the job once the printer is in place.
func awaitTerminal(ctx context.Context, wt *watch.Watcher, out io.Writer, start func() error) (models.Job, error) {
	done := make(chan models.Job, 1)
	unsubscribe := wt.Subscribe(func(job models.Job) {
		printJob(out, job)
		if job.Status.Terminal() {
			select {
			case done <- job:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := start(); err != nil {
		return models.Job{}, err
	}

	select {
	case job := <-done:
		return job, nil
	case <-ctx.Done():
		return models.Job{}, ctx.Err()
	}
}

func finish(ctx context.Context, wt *watch.Watcher, job models.Job, output string, out io.Writer) error {
	if job.Status == models.JobStatusFailed {
		detail := "unknown error"
		if job.Error != nil {
			detail = *job.Error
		}
		return fmt.Errorf("job %s failed: %s", job.ID, detail)
	}
	if output == "" {
		return nil
	}

	_, data, err := wt.Result(ctx)
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	fmt.Fprintf(out, "saved %s (%d bytes)\n", output, len(data))
	return nil
}

func printJob(out io.Writer, job models.Job) {
	line := fmt.Sprintf("%s\t%s\t%s", job.ID, job.Status, reconcile.PhaseOf(job.Status))
	switch {
	case job.Result != nil:
		line += "\t" + job.Result.ProcessedFile
	case job.Error != nil:
		line += "\t" + *job.Error
	}
	fmt.Fprintln(out, line)
}

func runFollow(ctx context.Context, rc *cache.RedisCache, out io.Writer) error {
	if rc == nil {
		return errors.New("follow requires REDIS_URL")
	}
	updates, err := rc.SubscribeJobUpdates(ctx)
	if err != nil {
		return err
	}
	for job := range updates {
		printJob(out, job)
	}
	return nil
}

func runServe(ctx context.Context, cfg *config.Config, rc *cache.RedisCache) error {
	wt := newWatcher(cfg, rc)
	defer wt.Close()

	deps := api.Dependencies{
		HealthHandler: handler.NewHealthHandler(nil),
		ViewHandler:   handler.NewViewHandler(wt),
		SubmitHandler: handler.NewSubmitHandler(wt, cfg.Watch.MaxUploadBytes),
		AttachHandler: handler.NewAttachHandler(wt),
		ResetHandler:  handler.NewResetHandler(wt),
		ResultHandler: handler.NewResultHandler(wt),
		PhaseHandler:  handler.NewPhaseHandler(),
	}
	if rc != nil {
		deps.RateLimit = mw.NewRateLimit(rc, cfg.Watch.RateLimitPerMin)
		deps.HealthHandler = handler.NewHealthHandler(rc)
		deps.SnapshotHandler = handler.NewSnapshotHandler(rc)
	}

	router := api.NewRouter(deps)

	// Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Watch.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Vision.RequestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr, "env", cfg.Watch.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
