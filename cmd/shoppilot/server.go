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

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/qnb/shoppilot/internal/api"
	"github.com/qnb/shoppilot/internal/auth"
	"github.com/qnb/shoppilot/internal/chat"
	"github.com/qnb/shoppilot/internal/comparison"
	"github.com/qnb/shoppilot/internal/config"
	"github.com/qnb/shoppilot/internal/events"
	"github.com/qnb/shoppilot/internal/remote"
	"github.com/qnb/shoppilot/internal/snapshot"
	"github.com/qnb/shoppilot/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the shoppilot daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcp, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcp)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running shoppilot daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and comparison status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "shoppilot.pid")
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

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer(serveMCP bool) error {
	fmt.Fprintf(os.Stderr, "shoppilot version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))

	kc := config.NewKeychain()
	bridgeToken, err := config.GetBridgeToken(kc)
	if err != nil {
		return fmt.Errorf("initializing bridge token: %w", err)
	}
	slog.Info("bridge bearer token available")

	// Write PID file. Check if the daemon is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("daemon already running (PID %d)", pid)
		}
		return fmt.Errorf("daemon already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	var bus events.Bus = events.NewMemory()
	if cfg.Bus.RedisAddr != "" {
		rb, err := events.NewRedis(ctx, cfg.Bus.RedisAddr, cfg.Bus.RedisChannel, slog.Default())
		if err != nil {
			return fmt.Errorf("connecting event bus: %w", err)
		}
		bus = rb
		slog.Info("sharing state changes over redis", "addr", cfg.Bus.RedisAddr, "channel", cfg.Bus.RedisChannel)
	}
	defer bus.Close()

	client := remote.New(cfg.API.BaseURL, time.Duration(cfg.API.TimeoutSeconds)*time.Second,
		remote.WithRateLimit(cfg.API.RateLimit, int(cfg.API.RateLimit)+1),
		remote.WithLogger(slog.Default().With("component", "remote")),
	)
	cache := snapshot.New(client)

	// Environment first so a token exported for one run wins over the store.
	tokens := auth.Chain(
		auth.Env("SHOPPILOT_AUTH_TOKEN"),
		auth.SourceFunc(func() (string, error) { return config.AuthToken(kc) }),
	)
	watcher := auth.NewWatcher(tokens, time.Duration(cfg.Identity.PollSeconds)*time.Second, nil)

	store := comparison.NewStore(comparison.Deps{
		TabID:     cfg.State.TabID,
		Remote:    client,
		Persister: db,
		Cache:     cache,
		Tokens:    watcher,
		Bus:       bus,
	})
	watcher.OnChange(func(prev, next string) {
		slog.Info("signed-in identity changed, resetting comparison")
		store.ResetForIdentity()
	})
	go watcher.Run(ctx)

	// Another daemon saw a new identity; re-check ours now instead of on the next tick.
	unsubscribe := bus.Subscribe(func(e events.Event) {
		if e.Remote && e.Type == events.EventIdentityReset {
			go watcher.Focus()
		}
	})
	defer unsubscribe()

	ctrl := chat.NewController(client, store, watcher)
	detach := ctrl.Attach()
	defer detach()
	if st := store.State(); len(st.Selection) > 0 {
		ctrl.Welcome(st.Selection, st.SearchQuery)
	}

	handler := api.NewBridgeHandler(api.BridgeDeps{
		Store:    store,
		Chat:     ctrl,
		Cache:    cache,
		Sessions: client,
		Identity: watcher,
		Token:    bridgeToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	if serveMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store, Chat: ctrl})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("shoppilot listening", "addr", addr, "tab_id", cfg.State.TabID, "api", cfg.API.BaseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	// flush pending session syncs before storage closes
	if err := store.Wait(shutdownCtx); err != nil {
		slog.Warn("session sync still pending at shutdown", "error", err)
	}
	return store.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("shoppilot is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop shoppilot (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to shoppilot (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	client, err := newAPIClient()
	if err != nil {
		printStatus("Daemon", "unknown (%v)", err)
		return nil
	}
	client.httpClient.Timeout = 2 * time.Second

	var st api.StatusResponse
	resp, err := client.get(ctx, "/v1/status")
	if err == nil {
		err = decodeJSON(resp, &st)
	}
	if err != nil {
		printStatus("Daemon", "stopped")
	} else {
		printStatus("Daemon", "running on port %d", cfg.Server.Port)
		printStatus("Tab", "%s", st.TabID)
		printStatus("Signed in", "%t", st.SignedIn)
		if st.SessionID != "" {
			printStatus("Session", "%s", st.SessionID)
		} else {
			printStatus("Session", "ad-hoc")
		}
		printStatus("Selected", "%d of %d", st.Selected, comparison.MaxSelection)
		printStatus("Chat", "%s", st.Chat)
		printStatus("Cache", "%d enriched, %d details", st.Cache.Enriched, st.Cache.Details)
	}

	printStatus("API", "%s", cfg.API.BaseURL)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
