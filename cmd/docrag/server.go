package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/kalambet/docrag/internal/api"
	"github.com/kalambet/docrag/internal/app"
	"github.com/kalambet/docrag/internal/chat"
	"github.com/kalambet/docrag/internal/ollama"
	"github.com/kalambet/docrag/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (or an MCP server on stdio with --mcp)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpMode, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpMode)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show docrag system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "serve the MCP protocol on stdin/stdout instead of HTTP")
}

func apiDeps(a *app.App) api.Deps {
	deps := api.Deps{
		Token:    a.Config.Server.Token,
		Searcher: a.Retriever,
		Sources:  a.Vectors,
		Runs:     a.Store,
		Sessions: a.Sessions,
		TopK:     a.Config.Retrieval.TopK,
	}
	// Assign only non-nil pointers so the interfaces stay nil when
	// generation is unavailable.
	if a.Ingestor != nil {
		deps.Ingestor = a.Ingestor
	}
	if a.Orchestrator != nil {
		deps.Chat = a.Orchestrator
	}
	return deps
}

func runServer(mcpMode bool) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()
	if err := a.CanGenerate(); err != nil {
		slog.Warn("generation disabled; ingestion and chat endpoints will answer 503", "reason", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.EnsureReady(ctx, os.Stderr); err != nil {
		return err
	}

	deps := apiDeps(a)
	go sweepSessions(ctx, a.Sessions, time.Minute)

	if mcpMode {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps, version))
		slog.Info("MCP server started (stdio transport)")
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp server: %w", err)
		}
		return nil
	}

	addr := fmt.Sprintf("127.0.0.1:%d", a.Config.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if a.Config.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, a.Config.Server.MaxConns)
	}

	srv := &http.Server{
		Handler:           api.NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("docrag listening", "addr", addr, "version", version, "auth", deps.Token != "")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func showStatus(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	client := newAPIClient(cfg)
	if client.healthy(ctx) {
		printStatus("Server", "running on port %d", cfg.Server.Port)
	} else {
		printStatus("Server", "stopped")
	}

	oc := ollama.New(cfg.Ollama.BaseURL)
	if oc.IsRunning(ctx) {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		if oc.HasModel(ctx, cfg.Ollama.EmbedModel) {
			printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
		} else {
			printStatus("Embed model", "%s (not pulled)", cfg.Ollama.EmbedModel)
		}
	} else {
		printStatus("Ollama", "not running")
		printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	}

	if cfg.RequireAPIKey() == nil {
		printStatus("Generation", "%s", cfg.Generation.Model)
	} else {
		printStatus("Generation", "disabled (no API key)")
	}

	a, err := app.New(cfg)
	if err != nil {
		printError("opening storage: %v", err)
		return nil
	}
	defer a.Close()

	sources, err := a.Vectors.Sources(ctx)
	if err == nil {
		chunks := 0
		for _, s := range sources {
			chunks += s.Chunks
		}
		printStatus("Documents", "%d (%d chunks)", len(sources), chunks)
	}
	runs, err := a.Store.RecentIngestions(ctx, 5)
	if err == nil && len(runs) > 0 {
		printStatus("Last ingest", "%s", describeRun(runs[0]))
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func describeRun(r storage.Ingestion) string {
	when := r.StartedAt.Local().Format("2006-01-02 15:04")
	switch r.Status {
	case storage.StatusFailed:
		return fmt.Sprintf("%s failed at %s: %s", r.Source, when, r.Error)
	case storage.StatusRunning:
		return fmt.Sprintf("%s running since %s", r.Source, when)
	}
	return fmt.Sprintf("%s at %s (%d pages, %d chunks)", r.Source, when, r.Pages, r.Chunks)
}

// sweepSessions drops expired chat sessions every interval until ctx is done.
func sweepSessions(ctx context.Context, sessions *chat.Sessions, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := sessions.Sweep(); n > 0 {
				slog.Debug("expired chat sessions", "count", n)
			}
		}
	}
}
