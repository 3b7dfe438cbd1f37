package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/abdul-hamid-achik/newsrag/internal/config"
	"github.com/abdul-hamid-achik/newsrag/internal/db"
	"github.com/abdul-hamid-achik/newsrag/internal/embed"
	"github.com/abdul-hamid-achik/newsrag/internal/index"
	"github.com/abdul-hamid-achik/newsrag/internal/logger"
	"github.com/abdul-hamid-achik/newsrag/internal/mcp"
	"github.com/abdul-hamid-achik/newsrag/internal/rag"
	"github.com/abdul-hamid-achik/newsrag/internal/search"
	"github.com/abdul-hamid-achik/newsrag/internal/tui"
	"github.com/abdul-hamid-achik/newsrag/internal/vecindex"
	"github.com/abdul-hamid-achik/newsrag/internal/version"
	"github.com/abdul-hamid-achik/newsrag/internal/web"
)

// cliViper carries flag bindings into config.LoadWith.
var cliViper = viper.New()

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "newsrag",
	Short:   "Question answering over summarized financial news",
	Version: version.Full(),
	Long: `newsrag fetches financial news, summarizes each article with a local
model, indexes the summaries as embeddings and answers questions from
the closest articles, citing them as sources.

Typical flow: newsrag init, newsrag fetch, newsrag summarize,
newsrag index, then newsrag ask or newsrag serve. newsrag run does
the whole flow in one step.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("newsrag %s\n", version.Version)
		fmt.Printf("  commit:  %s\n", version.Commit)
		fmt.Printf("  built:   %s\n", version.Date)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize newsrag in the current directory",
	Long: `Initialize a new newsrag project in the current directory.
This creates a .newsrag directory with the default configuration.`,
	RunE: runInit,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch [query]",
	Short: "Fetch articles from NewsAPI into the store",
	Long: `Fetch recent articles matching the query (news.query by default)
and store the ones not seen before. Requires NEWS_API_KEY.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFetch,
}

var summarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Summarize stored articles that have no summary yet",
	RunE:  runSummarize,
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Rebuild the vector index from summarized articles",
	Long: `Embed every summarized article and commit a fresh index and id map.
The previous index stays in force until the new one is committed.`,
	RunE: runIndex,
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question from the indexed news",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Show the articles closest to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store and index status",
	RunE:  runStatus,
}

var articlesCmd = &cobra.Command{
	Use:   "articles",
	Short: "List stored articles, newest first",
	RunE:  runArticles,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API with Prometheus metrics on /metrics.
The index is reloaded when another process commits a new build.`,
	RunE: runServe,
}

var runCmd = &cobra.Command{
	Use:   "run [query]",
	Short: "Fetch, summarize and index, then start the HTTP API",
	Long: `Run the whole pipeline in one step: fetch new articles, summarize the
ones without a summary, rebuild the index and serve it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP server on stdio",
	RunE:  runMCP,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Ask questions in an interactive terminal UI",
	RunE:  runChat,
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the Redis answer cache",
}

var cacheFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Remove every cached answer",
	RunE:  runCacheFlush,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a value in the project configuration",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

func init() {
	rootCmd.SetVersionTemplate("newsrag version {{.Version}}\n")

	// Global flags
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory (default .newsrag)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")

	cliViper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	cliViper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))

	fetchCmd.Flags().Int("pages", 0, "number of result pages to fetch (default news.max_pages)")

	summarizeCmd.Flags().IntP("limit", "n", 0, "maximum number of articles to summarize (0 for all)")

	askCmd.Flags().StringP("format", "f", "default", "output format (default, json)")

	searchCmd.Flags().IntP("limit", "n", search.DefaultK, "maximum number of results")
	searchCmd.Flags().StringP("format", "f", "default", "output format (default, json, compact)")

	statusCmd.Flags().StringP("format", "f", "default", "output format (default, json)")

	articlesCmd.Flags().IntP("limit", "n", 20, "maximum number of articles")
	articlesCmd.Flags().String("source", "", "only articles from this source")
	articlesCmd.Flags().StringP("format", "f", "default", "output format (default, json)")

	serveCmd.Flags().IntP("port", "p", 0, "server port (default server.port)")
	serveCmd.Flags().String("host", "", "server host (default server.host)")
	cliViper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	cliViper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))

	runCmd.Flags().Bool("skip-fetch", false, "use the articles already stored")
	runCmd.Flags().Bool("skip-summarize", false, "index only articles summarized earlier")
	runCmd.Flags().IntP("limit", "n", 0, "maximum number of articles to summarize (0 for all)")
	runCmd.Flags().Bool("no-serve", false, "stop after indexing")

	cacheCmd.AddCommand(cacheFlushCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(summarizeCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(articlesCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(configCmd)
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	dataDir := filepath.Join(cwd, config.DefaultDataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", config.DefaultDataDir, err)
	}
	configPath, err := config.WriteDefaultConfig(dataDir)
	if err != nil {
		return err
	}

	fmt.Printf("Initialized newsrag in %s\n", dataDir)
	fmt.Printf("  Config: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Put NEWS_API_KEY and GROQ_API_KEY in .env")
	fmt.Println("  2. newsrag fetch && newsrag summarize && newsrag index")
	fmt.Println("  3. newsrag ask \"What did the Fed decide?\"")
	return nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	query := a.cfg.News.Query
	if len(args) == 1 {
		query = args[0]
	}
	if cmd.Flags().Changed("pages") {
		a.cfg.News.MaxPages, _ = cmd.Flags().GetInt("pages")
	}

	fmt.Printf("Fetching %q (last %d days)...\n", query, a.cfg.News.LookbackDays)
	result, err := a.fetcher().Fetch(ctx, query)
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}

	fmt.Printf("\nFetch complete:\n")
	fmt.Printf("  Articles fetched: %d (%d pages)\n", result.Fetched, result.Pages)
	fmt.Printf("  New: %d\n", result.Inserted)
	fmt.Printf("  Already stored: %d\n", result.Duplicates)
	fmt.Printf("  Skipped (removed or no URL): %d\n", result.Skipped)
	fmt.Printf("  Duration: %s\n", result.Duration.Round(100*time.Millisecond))
	return nil
}

func runSummarize(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	limit, _ := cmd.Flags().GetInt("limit")

	fmt.Printf("Summarizing with %s...\n", a.cfg.Summarize.Model)
	result, err := a.summarizer(limit).Run(ctx)
	if err != nil {
		return fmt.Errorf("summarize failed: %w", err)
	}

	fmt.Printf("\nSummarize complete:\n")
	fmt.Printf("  Candidates: %d\n", result.Candidates)
	fmt.Printf("  Summarized: %d\n", result.Summarized)
	if result.Summarized > 0 {
		fmt.Printf("  Avg words: %.1f\n", float64(result.Words)/float64(result.Summarized))
	}
	fmt.Printf("  Duration: %s\n", result.Duration.Round(100*time.Millisecond))

	printFailures(len(result.Failures), func(i int) string {
		f := result.Failures[i]
		return fmt.Sprintf("article %d: %s", f.DocumentID, f.Reason)
	})
	return nil
}

func printFailures(n int, line func(int) string) {
	if n == 0 {
		return
	}
	fmt.Printf("\nWarnings: %d\n", n)
	if verbose, _ := rootCmd.PersistentFlags().GetBool("verbose"); verbose {
		for i := range n {
			fmt.Printf("  - %s\n", line(i))
		}
	}
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.openIndex(ctx, false); err != nil {
		return err
	}

	verbose, _ := rootCmd.PersistentFlags().GetBool("verbose")
	a.builder.SetProgressCallback(func(p index.Progress) {
		if verbose {
			fmt.Printf("\r  %d/%d documents embedded, %d failed",
				p.EmbeddedDocuments, p.TotalDocuments, p.FailedDocuments)
		}
	})

	fmt.Printf("Indexing into %s...\n", a.cfg.IndexDir())
	fmt.Printf("  Model: %s (%d dims)\n", a.provider.Model(), a.cfg.Embedding.Dimensions)

	result, err := a.builder.RebuildFromStore(ctx, a.store)
	if verbose {
		fmt.Println()
	}
	if errors.Is(err, index.ErrNoEligibleDocuments) {
		return fmt.Errorf("%w: run 'newsrag summarize' first", err)
	}
	if err != nil {
		return fmt.Errorf("indexing failed: %w", err)
	}

	fmt.Printf("\nIndexing complete:\n")
	fmt.Printf("  Build: %s\n", result.BuildID)
	fmt.Printf("  Documents indexed: %d\n", result.Indexed)
	fmt.Printf("  Without summary: %d\n", result.Ineligible)
	fmt.Printf("  Duration: %s\n", result.Duration.Round(100*time.Millisecond))

	printFailures(len(result.Failures), func(i int) string {
		f := result.Failures[i]
		return fmt.Sprintf("document %d: %s", f.DocumentID, f.Reason)
	})
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.openService(ctx); err != nil {
		return err
	}

	answer, err := a.service.AnswerQuestion(ctx, strings.Join(args, " "))
	if err != nil {
		if errors.Is(err, vecindex.ErrEmptyIndex) {
			return fmt.Errorf("%w: run 'newsrag index' first", err)
		}
		return err
	}

	format, _ := cmd.Flags().GetString("format")
	if format == "json" {
		return printJSON(answer)
	}
	fmt.Print(rag.FormatAnswer(answer))
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.openIndex(ctx, true); err != nil {
		return err
	}

	limit, _ := cmd.Flags().GetInt("limit")
	format, _ := cmd.Flags().GetString("format")

	result, err := a.retriever.Retrieve(ctx, strings.Join(args, " "), limit)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	for _, m := range result.Misses {
		logger.Warn(ctx, "skipped search result", "slot", m.Slot, "kind", m.Kind, "error", m.Err)
	}

	fmt.Print(search.FormatResults(result.Hits, search.OutputFormat(format)))
	return nil
}

// StatusOutput represents the JSON output for the status command
type StatusOutput struct {
	DataDir        string             `json:"data_dir"`
	Database       string             `json:"database"`
	EmbeddingModel string             `json:"embedding_model"`
	Provider       string             `json:"provider"`
	Generation     string             `json:"generation"`
	Corpus         any                `json:"corpus"`
	Index          *vecindex.Manifest `json:"index,omitempty"`
	IndexError     string             `json:"index_error,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	out := StatusOutput{
		DataDir:        a.cfg.DataDir,
		Database:       a.cfg.Database.Driver,
		EmbeddingModel: a.cfg.Embedding.Model,
		Provider:       a.cfg.Embedding.Provider,
		Generation:     a.cfg.Generation.Provider + "/" + a.cfg.Generation.Model,
		Corpus:         stats,
	}
	manifest, err := vecindex.ReadManifest(a.cfg.IndexDir())
	switch {
	case err == nil:
		out.Index = manifest
	case !errors.Is(err, vecindex.ErrNoArtifacts):
		out.IndexError = err.Error()
	}

	format, _ := cmd.Flags().GetString("format")
	if format == "json" {
		return printJSON(out)
	}

	fmt.Printf("newsrag status\n\n")
	fmt.Printf("Data dir:  %s\n", out.DataDir)
	fmt.Printf("Database:  %s\n", out.Database)
	fmt.Printf("Embedding: %s (%s, %d dims)\n", out.EmbeddingModel, out.Provider, a.cfg.Embedding.Dimensions)
	fmt.Printf("Answers:   %s\n", out.Generation)

	if a.cfg.Embedding.Provider == string(embed.ProviderOllama) {
		fmt.Printf("Ollama (embedding): %s\n", reachable(embed.OllamaAvailable(ctx, a.cfg.Embedding.OllamaURL)))
	}
	fmt.Printf("Ollama (summaries): %s\n", reachable(embed.OllamaAvailable(ctx, a.cfg.Summarize.OllamaURL)))
	if a.cfg.Cache.Enabled {
		status := "ok"
		if _, err := a.openCache(ctx); err != nil {
			status = err.Error()
		} else if err := a.redis.HealthCheck(ctx); err != nil {
			status = err.Error()
		}
		fmt.Printf("Answer cache: %s (%s)\n", a.cfg.Cache.Addr, status)
	}

	fmt.Printf("\nCorpus:\n")
	fmt.Printf("  Articles:   %d\n", stats.Articles)
	fmt.Printf("  Summarized: %d\n", stats.Summarized)
	fmt.Printf("  Sources:    %d\n", stats.Sources)
	if stats.SummaryMetrics > 0 {
		fmt.Printf("  Avg summary: %.1f words, %.2fs\n", stats.AvgSummaryWords, stats.AvgResponseSeconds)
	}

	fmt.Printf("\nIndex:\n")
	switch {
	case out.Index != nil:
		fmt.Printf("  Build:     %s\n", out.Index.BuildID)
		fmt.Printf("  Documents: %d\n", out.Index.Count)
		fmt.Printf("  Model:     %s (%d dims)\n", out.Index.Model, out.Index.Dimensions)
		fmt.Printf("  Built:     %s\n", out.Index.CreatedAt.Local().Format(time.DateTime))
		if pending := stats.Summarized - int64(out.Index.Count); pending > 0 {
			fmt.Printf("\n%d summarized articles are not indexed yet. Run 'newsrag index'.\n", pending)
		}
	case out.IndexError != "":
		fmt.Printf("  Unreadable: %s\n", out.IndexError)
	default:
		fmt.Println("  Not built. Run 'newsrag index'.")
	}
	return nil
}

func reachable(ok bool) string {
	if ok {
		return "reachable"
	}
	return "not reachable"
}

func runArticles(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	source, _ := cmd.Flags().GetString("source")
	format, _ := cmd.Flags().GetString("format")

	docs, err := a.store.ListArticles(ctx, db.ArticleFilter{Source: source, Limit: limit})
	if err != nil {
		return fmt.Errorf("failed to list articles: %w", err)
	}
	if format == "json" {
		return printJSON(docs)
	}
	if len(docs) == 0 {
		fmt.Println("No articles stored. Run 'newsrag fetch'.")
		return nil
	}
	for _, d := range docs {
		mark := " "
		if d.HasSummary() {
			mark = "*"
		}
		fmt.Printf("%s %5d  %s  %-20.20s  %s\n", mark, d.ID, d.PublishedAt.Format(time.DateOnly), d.Source, d.Title)
	}
	fmt.Printf("\n%d articles (* summarized)\n", len(docs))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	return serve(ctx, a)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := refreshOptions{}
	if len(args) == 1 {
		opts.Query = args[0]
	}
	opts.SkipFetch, _ = cmd.Flags().GetBool("skip-fetch")
	opts.SkipSummarize, _ = cmd.Flags().GetBool("skip-summarize")
	opts.SummarizeLimit, _ = cmd.Flags().GetInt("limit")

	result, err := a.refresh(ctx, opts)
	if r := result.Fetch; r != nil {
		fmt.Printf("Fetched %d articles, %d new\n", r.Fetched, r.Inserted)
	}
	if r := result.Summarize; r != nil {
		fmt.Printf("Summarized %d of %d articles\n", r.Summarized, r.Candidates)
		printFailures(len(r.Failures), func(i int) string {
			return fmt.Sprintf("article %d: %s", r.Failures[i].DocumentID, r.Failures[i].Reason)
		})
	}
	if errors.Is(err, index.ErrNoEligibleDocuments) {
		return fmt.Errorf("%w: no article has a summary yet", err)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Indexed %d documents (build %s)\n", result.Index.Indexed, result.Index.BuildID)
	printFailures(len(result.Index.Failures), func(i int) string {
		f := result.Index.Failures[i]
		return fmt.Sprintf("document %d: %s", f.DocumentID, f.Reason)
	})

	if noServe, _ := cmd.Flags().GetBool("no-serve"); noServe {
		return nil
	}
	fmt.Println()
	return serve(ctx, a)
}

// serve starts the HTTP API on an opened app and blocks until ctx is done.
func serve(ctx context.Context, a *app) error {
	if err := a.openService(ctx); err != nil {
		return err
	}

	if a.cfg.Server.WatchIndex {
		watcher, err := index.WatchArtifacts(ctx, a.handle, index.DefaultWatcherConfig())
		if err != nil {
			logger.Warn(ctx, "index hot reload disabled", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	go func() {
		if err := a.retriever.Warmup(ctx); err != nil && ctx.Err() == nil {
			logger.Warn(ctx, "embedding warmup failed", "error", err)
		}
	}()

	server := web.NewServer(web.ServerConfig{
		Host:     a.cfg.Server.Host,
		Port:     a.cfg.Server.Port,
		Answerer: a.service,
		Index:    a.handle,
		Store:    a.store,
		Rebuild: func(ctx context.Context) (*index.BuildResult, error) {
			return a.builder.RebuildFromStore(ctx, a.store)
		},
		EmissionsFile:  a.cfg.Usage.EmissionsFile,
		Registry:       a.registry,
		RequestTimeout: a.cfg.QueryTimeout() + 5*time.Second,
	})

	fmt.Printf("Starting web server on http://%s\n", server.Addr())
	fmt.Printf("  Index: %d documents (build %s)\n", a.handle.Snapshot().Size(), a.handle.Snapshot().BuildID())

	if err := server.ListenAndServe(ctx); err != nil {
		return err
	}
	fmt.Println("\nShutting down...")
	return nil
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.openService(ctx); err != nil {
		return err
	}

	server := mcp.NewServer(mcp.ServerConfig{
		Answerer: a.service,
		Index:    a.handle,
		Stats:    a.store,
	})
	return server.Run(ctx)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.openService(ctx); err != nil {
		return err
	}

	snap := a.handle.Snapshot()
	summary := fmt.Sprintf("%d articles indexed with %s, answers by %s",
		snap.Size(), a.provider.Model(), a.cfg.Generation.Model)

	p := tea.NewProgram(tui.New(ctx, a.service, summary), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("chat failed: %w", err)
	}
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	projectRoot, err := config.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}
	cfg, err := config.LoadWith(projectRoot, cliViper)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	data, err := cfg.YAML()
	if err != nil {
		return err
	}
	fmt.Printf("# project: %s\n", projectRoot)
	if config.GlobalConfigExists() {
		if path, err := config.GetGlobalConfigPath(); err == nil {
			fmt.Printf("# global:  %s\n", path)
		}
	}
	fmt.Print(string(data))
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	projectRoot, err := config.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	path, err := config.SetValue(filepath.Join(projectRoot, config.DefaultDataDir), args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("Set %s = %s in %s\n", args[0], args[1], path)
	return nil
}

func runCacheFlush(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	answers, err := a.openCache(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", a.cfg.Cache.Addr, err)
	}
	removed, err := answers.Flush(ctx)
	if err != nil {
		return fmt.Errorf("flush failed after %d keys: %w", removed, err)
	}
	fmt.Printf("Removed %d cached answers\n", removed)
	return nil
}
