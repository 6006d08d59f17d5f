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

	"github.com/calorisense/calorisense/internal/api"
	"github.com/calorisense/calorisense/internal/completion"
	"github.com/calorisense/calorisense/internal/config"
	"github.com/calorisense/calorisense/internal/dispatch"
	"github.com/calorisense/calorisense/internal/intent"
	"github.com/calorisense/calorisense/internal/persist"
	"github.com/calorisense/calorisense/internal/session"
	"github.com/calorisense/calorisense/internal/storage"
	"github.com/calorisense/calorisense/internal/workingset"
	"github.com/calorisense/calorisense/internal/ws"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the calorisense server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running calorisense server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show calorisense system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "calorisense.pid")
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
	fmt.Fprintf(os.Stderr, "calorisense version %s\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	// Refuse to double-start: probe the health endpoint first.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	completer := newCompleter(cfg)
	classifier := intent.NewClassifier(completer)
	sessions := session.NewStore(cfg.Session.MaxMessages)
	working := workingset.New(store, sessions)

	coordinator := persist.New(func(flushCtx context.Context) error {
		return store.SaveSnapshot(working.Snapshot())
	}, cfg.FlushInterval())

	dispatcher := dispatch.New(dispatch.Deps{
		Completer:    completer,
		Classifier:   classifier,
		WorkingSet:   working,
		Saver:        coordinator,
		Interactions: store,
	})

	chatWS := ws.NewHandler(dispatcher, slog.Default())
	router := api.NewRouter(api.Deps{
		Dispatcher: dispatcher,
		WorkingSet: working,
		ChatWS:     chatWS.Serve,
		AuthToken:  cfg.Server.AuthToken,
	})

	// MCP server on stdio, alongside the HTTP listener.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		WorkingSet:   working,
		Saver:        coordinator,
		Interactions: store,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	addr := fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("calorisense listening", "addr", addr)
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
		slog.Warn("HTTP shutdown", "error", err)
	}

	// Final flush so no working-set mutation is lost at exit.
	if err := coordinator.Flush(shutdownCtx); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	return nil
}

func newCompleter(cfg config.Config) *completion.Client {
	var c *completion.Client
	if cfg.Upstream.BaseURL != "" {
		c = completion.NewWithBaseURL(cfg.Upstream.APIKey, cfg.Upstream.BaseURL)
	} else {
		c = completion.New(cfg.Upstream.APIKey)
	}
	if cfg.Upstream.Model != "" {
		c.SetModel(cfg.Upstream.Model)
	}
	return c
}

func stopServer() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("calorisense is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop calorisense (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to calorisense (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	model := cfg.Upstream.Model
	if model == "" {
		model = "(service default)"
	}
	printStatus("Upstream model", "%s", model)
	printStatus("Flush interval", "%s", cfg.FlushInterval())
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
