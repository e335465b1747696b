package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/kalambet/docrag/internal/chat"
	"github.com/kalambet/docrag/internal/config"
	"github.com/kalambet/docrag/internal/ingest"
	"github.com/kalambet/docrag/internal/retrieval"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <file|dir>...",
	Short: "Ingest PDF documents into the store",
	Long: `Ingest PDF documents into the store. Directories are searched
recursively for .pdf files. A failing document does not stop the rest.

Examples:
  docrag ingest ./handbook.pdf
  docrag ingest ./papers ./slides/deck.pdf`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := collectPDFs(args)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("no PDF files found")
		}

		a, err := openApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := a.EnsureReady(ctx, os.Stderr); err != nil {
			return err
		}

		sources := make([]ingest.Source, len(files))
		for i, f := range files {
			sources[i] = ingest.FileSource(f)
		}
		printStep("Ingesting %d document(s)", len(files))
		return reportIngest(a.Ingestor.IngestBatch(ctx, sources))
	},
}

// collectPDFs expands directories into the .pdf files beneath them. Plain
// file arguments are kept whatever their extension.
func collectPDFs(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".pdf") {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", p, err)
		}
	}
	return files, nil
}

func reportIngest(results []ingest.Result) error {
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			printError("%s: %v", r.Source, r.Err)
			continue
		}
		printSuccess("%s: %d pages, %d text chunks, %d image chunks (%s)",
			r.Source, r.Pages, r.TextChunks, r.ImageChunks, r.Duration.Round(time.Millisecond))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(results))
	}
	return nil
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question, or start an interactive chat without one",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		s := a.Sessions.Create()
		askFn := func(ctx context.Context, q string) (chat.Reply, error) {
			return a.Orchestrator.Chat(ctx, s, q)
		}

		if len(args) > 0 {
			reply, err := askFn(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			printReply(os.Stdout, reply)
			return nil
		}
		return runREPL(ctx, os.Stdin, os.Stdout, askFn)
	},
}

// runREPL reads questions line by line until EOF, "exit" or "quit". A failed
// turn is reported and the conversation continues.
func runREPL(ctx context.Context, in io.Reader, out io.Writer, ask func(context.Context, string) (chat.Reply, error)) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, colorize(colorBold, "> "))
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		q := strings.TrimSpace(sc.Text())
		switch strings.ToLower(q) {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		reply, err := ask(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintln(out, colorize(colorRed, "error: "+err.Error()))
			continue
		}
		printReply(out, reply)
	}
}

func printReply(w io.Writer, r chat.Reply) {
	fmt.Fprintln(w, r.Answer)
	if len(r.Sources) == 0 {
		return
	}
	fmt.Fprintln(w, colorize(colorCyan, "\nSources:"))
	for _, s := range r.Sources {
		fmt.Fprintf(w, "  - %s\n", s)
	}
	fmt.Fprintln(w)
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Show the chunks most similar to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		if limit <= 0 {
			limit = a.Config.Retrieval.TopK
		}
		hits, err := a.Retriever.Search(cmd.Context(), strings.Join(args, " "), limit)
		if err != nil {
			return err
		}
		printHits(os.Stdout, hits)
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 0, "maximum number of results (default retrieval.top_k)")
}

const snippetRunes = 160

func printHits(w io.Writer, hits []retrieval.ScoredChunk) {
	if len(hits) == 0 {
		fmt.Fprintln(w, "No results.")
		return
	}
	for i, h := range hits {
		fmt.Fprintf(w, "%d. [%.3f] %s\n", i+1, h.Score, colorize(colorBold, h.Metadata.Label()))
		fmt.Fprintf(w, "   %s\n", snippet(h.Text, snippetRunes))
	}
}

func snippet(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	return string([]rune(text)[:n]) + "..."
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value in the config file. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		path := configPath
		if path == "" {
			path = config.Path()
		}
		if err := config.SetKey(path, key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
