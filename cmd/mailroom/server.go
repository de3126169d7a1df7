package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/quillpost/mailroom/internal/config"
	"github.com/quillpost/mailroom/internal/dedup"
	"github.com/quillpost/mailroom/internal/mailer"
	"github.com/quillpost/mailroom/internal/reply"
	"github.com/quillpost/mailroom/internal/route"
	"github.com/quillpost/mailroom/internal/storage"
	"github.com/quillpost/mailroom/internal/webhook"
	"github.com/quillpost/mailroom/internal/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the mailroom server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running mailroom server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mailroom system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "mailroom.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "mailroom version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to start twice. The health endpoint doubles as the liveness probe.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("mailroom is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("mailroom is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Downstream clients.
	replyClient := reply.NewClient(cfg.Reply.APIKey, cfg.Reply.Model)
	if cfg.Reply.BaseURL != "" {
		replyClient = reply.NewClientWithBaseURL(cfg.Reply.APIKey, cfg.Reply.Model, cfg.Reply.BaseURL)
	}
	mailClient := mailer.NewClient(cfg.Mail.APIKey, cfg.Mail.FromAddress, cfg.Mail.FromName, cfg.Mail.Domain)
	if cfg.Mail.BaseURL != "" {
		mailClient = mailer.NewClientWithBaseURL(cfg.Mail.APIKey, cfg.Mail.FromAddress, cfg.Mail.FromName, cfg.Mail.Domain, cfg.Mail.BaseURL)
	}

	// Pipeline.
	guard := dedup.NewGuard(store, cfg.Dedup.Window, cfg.Dedup.TTL)
	resolver := route.NewRouter(store)
	wrk := worker.New(worker.Deps{
		Jobs:     store,
		Messages: store,
		Users:    store,
		Journal:  store,
		Memories: store,
		Guard:    guard,
		Resolver: resolver,
		Replies:  replyClient,
		Mailer:   mailClient,
		From:     cfg.Mail.FromAddress,
	}, cfg.Worker.PollInterval)

	// HTTP surface: provider-facing webhook routes plus the bearer-authed
	// admin API.
	topRouter := chi.NewRouter()
	topRouter.Mount("/", webhook.NewHandler(webhook.Deps{
		Queue: store,
		Wake:  wrk.Wake,
	}))
	topRouter.Mount("/admin", webhook.NewAdminHandler(webhook.AdminDeps{
		Store: store,
		Token: cfg.Server.AdminToken,
	}))

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: topRouter,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("worker started", "poll_interval", cfg.Worker.PollInterval)
		wrk.Run(gctx)
		return nil
	})
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "mailroom listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("mailroom is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop mailroom (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to mailroom (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if running {
		api := newAPIClient(cfg)
		for _, status := range []string{"pending", "processing", "failed"} {
			jobs, err := api.listJobs(context.Background(), status, 100)
			if err != nil {
				break
			}
			printStatus("Jobs "+status, "%s", countLabel(len(jobs), 100))
		}
	}

	printStatus("Poll interval", "%s", cfg.Worker.PollInterval)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
