// Package main provides the relgraph CLI entry point.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/relgraph/pkg/activation"
	"github.com/orneryd/relgraph/pkg/config"
	"github.com/orneryd/relgraph/pkg/entityindex"
	"github.com/orneryd/relgraph/pkg/graph"
	"github.com/orneryd/relgraph/pkg/ingest"
	"github.com/orneryd/relgraph/pkg/logger"
	"github.com/orneryd/relgraph/pkg/relgraph"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relgraph",
		Short: "relgraph - association graph over scripture and conference text",
		Long: `relgraph builds a weighted association graph from training features
extracted from scripture and conference talks, and ranks related nodes for a
set of query roots by spreading activation.

Features:
  • Concurrent, order-independent ingestion
  • Time-bounded spreading-activation queries
  • Binary snapshots with manifests and a replayable feature journal`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Path to a YAML config file")
	pf.String("data-dir", "", "Data directory (overrides storage.data_dir)")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("log-mode", "", "Log format: dev or prod")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relgraph v%s (%s)\n", version, commit)
		},
	})

	ingestCmd := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Apply training features from JSON Lines files",
		Long: `Reads one feature per line, e.g.

  {"a":"Word:faith","b":"ScriptureVerse:bofm|alma|32|21","type":"ScriptureReference"}

Use "-" to read standard input. Blank lines and lines starting with # are
ignored; lines that do not decode are logged and skipped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runIngest,
	}
	ingestCmd.Flags().String("metrics-addr", "", "Serve Prometheus /metrics on this address while ingesting")
	ingestCmd.Flags().Bool("no-save", false, "Skip the snapshot after ingesting")
	rootCmd.AddCommand(ingestCmd)

	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Rank nodes related to a set of roots",
		Long: `Roots are given as Type:Name or Type:Name=weight (weight defaults to 1),
e.g. --root Word:faith --root Entity:alma=2`,
		RunE: runQuery,
	}
	queryCmd.Flags().StringArray("root", nil, "Query root (repeatable)")
	queryCmd.Flags().Duration("budget", 0, "Search time budget (default from config)")
	queryCmd.Flags().Int("max-hops", -1, "Hop bound, 0 for unbounded (default from config)")
	queryCmd.Flags().Int("limit", 20, "Maximum results to print, 0 for all")
	queryCmd.Flags().StringSlice("exclude", nil, "Node types to drop from results")
	queryCmd.Flags().StringSlice("only", nil, "Node types to keep in results")
	queryCmd.Flags().Bool("include-roots", false, "Keep the roots in the results")
	queryCmd.Flags().Bool("json", false, "Print results as JSON")
	_ = queryCmd.MarkFlagRequired("root")
	rootCmd.AddCommand(queryCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show graph and journal statistics",
		RunE:  runStats,
	}
	statsCmd.Flags().Bool("json", false, "Print statistics as JSON")
	rootCmd.AddCommand(statsCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "save",
		Short: "Write a snapshot of the current graph",
		RunE:  runSave,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the graph from the feature journal and snapshot it",
		RunE:  runRebuild,
	})

	namesCmd := &cobra.Command{
		Use:   "names",
		Short: "Manage entity display names",
	}
	namesCmd.AddCommand(&cobra.Command{
		Use:   "set ID NAME",
		Short: "Set the display name of a node (empty NAME removes it)",
		Args:  cobra.ExactArgs(2),
		RunE:  runNamesSet,
	})
	namesCmd.AddCommand(&cobra.Command{
		Use:   "get ID",
		Short: "Print the display name of a node",
		Args:  cobra.ExactArgs(1),
		RunE:  runNamesGet,
	})
	rootCmd.AddCommand(namesCmd)

	return rootCmd
}

// loadConfig layers defaults, the optional config file, RELGRAPH_ environment
// variables and command-line flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.NewViper()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	if err := bindFlags(v, cmd, map[string]string{
		"data-dir":     "storage.data_dir",
		"log-level":    "logging.level",
		"log-mode":     "logging.mode",
		"metrics-addr": "metrics.addr",
	}); err != nil {
		return nil, err
	}
	return config.FromViper(v)
}

// bindFlags binds each flag the command defines to its config key. Unset
// flags leave the config value alone.
func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) error {
	for name, key := range keys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding --%s: %w", name, err)
		}
	}
	return nil
}

func setup(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("creating logger: %w", err)
	}
	return cfg, log, nil
}

// openDB opens the database for a short-lived command. Autosave only makes
// sense for long-running processes.
func openDB(cmd *cobra.Command) (*relgraph.DB, *config.Config, *logger.Logger, error) {
	cfg, log, err := setup(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	cfg.Storage.AutoSaveInterval = 0
	db, err := relgraph.Open(cfg, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return db, cfg, log, nil
}

// =============================================================================
// ingest
// =============================================================================

func runIngest(cmd *cobra.Command, args []string) error {
	noSave, _ := cmd.Flags().GetBool("no-save")

	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	if noSave {
		cfg.Storage.SaveOnClose = false
	}
	db, err := relgraph.Open(cfg, log)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, log)
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	ch := make(chan ingest.Feature, cfg.Ingest.BatchSize)
	g, gctx := errgroup.WithContext(ctx)

	var skipped int
	g.Go(func() error {
		defer close(ch)
		for _, path := range args {
			n, err := readFeaturesFile(gctx, cmd.InOrStdin(), path, ch, log)
			skipped += n
			if err != nil {
				return err
			}
		}
		return nil
	})

	var stats ingest.Stats
	g.Go(func() error {
		var err error
		stats, err = db.Run(gctx, ch)
		return err
	})

	err = g.Wait()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "applied %d features (%d malformed, %d undecodable lines) in %s\n",
		stats.Applied, stats.Skipped, skipped, time.Since(start).Round(time.Millisecond))
	if err != nil {
		return fmt.Errorf("ingesting: %w", err)
	}

	if noSave {
		return nil
	}
	m, err := db.Save()
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	fmt.Fprintf(out, "snapshot %s: %d nodes, %d edges, seq %d\n", m.ID, m.Nodes, m.Edges, m.Seq)
	return nil
}

func readFeaturesFile(ctx context.Context, stdin io.Reader, path string, ch chan<- ingest.Feature, log *logger.Logger) (int, error) {
	if path == "-" {
		return readFeatures(ctx, stdin, "stdin", ch, log)
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return readFeatures(ctx, f, path, ch, log)
}

// readFeatures decodes JSON Lines features from r onto ch. It returns the
// number of lines that could not be decoded.
func readFeatures(ctx context.Context, r io.Reader, name string, ch chan<- ingest.Feature, log *logger.Logger) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	skipped := 0
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var f ingest.Feature
		if err := json.Unmarshal([]byte(text), &f); err != nil {
			skipped++
			log.Warn("skipping undecodable feature", "file", name, "line", line, "error", err)
			continue
		}
		select {
		case ch <- f:
		case <-ctx.Done():
			return skipped, ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return skipped, fmt.Errorf("reading %s: %w", name, err)
	}
	return skipped, nil
}

func serveMetrics(addr string, log *logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	log.Info("serving metrics", "addr", addr)
	return srv
}

// =============================================================================
// query
// =============================================================================

type queryResult struct {
	Rank  int          `json:"rank"`
	ID    graph.NodeID `json:"id"`
	Name  string       `json:"name"`
	Score float64      `json:"score"`
}

type queryOutput struct {
	Results   []queryResult `json:"results"`
	Rounds    int           `json:"rounds"`
	Truncated bool          `json:"truncated"`
	Cached    bool          `json:"cached"`
	ElapsedMs float64       `json:"elapsed_ms"`
}

func runQuery(cmd *cobra.Command, args []string) error {
	rawRoots, _ := cmd.Flags().GetStringArray("root")
	limit, _ := cmd.Flags().GetInt("limit")
	exclude, _ := cmd.Flags().GetStringSlice("exclude")
	only, _ := cmd.Flags().GetStringSlice("only")
	includeRoots, _ := cmd.Flags().GetBool("include-roots")
	asJSON, _ := cmd.Flags().GetBool("json")

	roots := make([]activation.Root, 0, len(rawRoots))
	for _, s := range rawRoots {
		root, err := parseRoot(s)
		if err != nil {
			return err
		}
		roots = append(roots, root)
	}
	excludeTypes, err := parseTypes(exclude)
	if err != nil {
		return err
	}
	onlyTypes, err := parseTypes(only)
	if err != nil {
		return err
	}

	db, cfg, _, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	names, err := entityindex.Load(namesPath(cfg))
	if err != nil {
		return err
	}

	req := db.NewRequest(roots...)
	if cmd.Flags().Changed("budget") {
		req.MaxSearchTime, _ = cmd.Flags().GetDuration("budget")
	}
	if hops, _ := cmd.Flags().GetInt("max-hops"); hops >= 0 {
		req.MaxHops = hops
	}
	res := db.Query(req)

	acts := res.Activations
	if !includeRoots {
		acts = dropRoots(acts, roots)
	}
	acts = activation.FilterTypes(acts, excludeTypes...)
	if len(onlyTypes) > 0 {
		acts = activation.OnlyTypes(acts, onlyTypes...)
	}
	if limit > 0 {
		acts = activation.Top(acts, limit)
	}

	out := queryOutput{
		Results:   make([]queryResult, len(acts)),
		Rounds:    res.Rounds,
		Truncated: res.Truncated,
		Cached:    res.Cached,
		ElapsedMs: float64(res.Elapsed.Microseconds()) / 1000,
	}
	for i, a := range acts {
		out.Results[i] = queryResult{Rank: i + 1, ID: a.ID, Name: names.DisplayName(a.ID), Score: a.Score}
	}

	w := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tSCORE\tTYPE\tNAME\tID")
	for _, r := range out.Results {
		fmt.Fprintf(tw, "%d\t%.6g\t%s\t%s\t%s\n", r.Rank, r.Score, r.ID.Type, r.Name, r.ID.Name)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	note := ""
	switch {
	case res.Truncated:
		note = " (budget exhausted)"
	case res.Cached:
		note = " (cached)"
	}
	fmt.Fprintf(w, "%d results, %d rounds in %s%s\n", len(out.Results), res.Rounds, res.Elapsed.Round(time.Microsecond), note)
	return nil
}

// parseRoot parses "Type:Name" or "Type:Name=weight".
func parseRoot(s string) (activation.Root, error) {
	idPart, weight := s, 1.0
	if i := strings.LastIndex(s, "="); i > 0 {
		if w, err := strconv.ParseFloat(s[i+1:], 64); err == nil {
			idPart, weight = s[:i], w
		}
	}
	id, err := graph.ParseNodeID(idPart)
	if err != nil {
		return activation.Root{}, fmt.Errorf("invalid root %q: %w", s, err)
	}
	return activation.Root{ID: id, Weight: weight}, nil
}

func parseTypes(names []string) ([]graph.NodeType, error) {
	out := make([]graph.NodeType, 0, len(names))
	for _, n := range names {
		t, err := graph.ParseNodeType(strings.TrimSpace(n))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func dropRoots(acts []activation.Activation, roots []activation.Root) []activation.Activation {
	seeds := make(map[graph.NodeID]struct{}, len(roots))
	for _, r := range roots {
		seeds[r.ID] = struct{}{}
	}
	out := make([]activation.Activation, 0, len(acts))
	for _, a := range acts {
		if _, ok := seeds[a.ID]; !ok {
			out = append(out, a)
		}
	}
	return out
}

// =============================================================================
// stats, save, rebuild
// =============================================================================

func runStats(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	db, _, _, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	stats := db.Stats()
	w := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	fmt.Fprintf(w, "Nodes:     %d\n", stats.Graph.Nodes)
	fmt.Fprintf(w, "Edges:     %d\n", stats.Graph.Edges)
	fmt.Fprintf(w, "Shards:    %d\n", stats.Graph.Shards)
	fmt.Fprintf(w, "Seq:       %d (saved %d)\n", stats.Graph.Seq, stats.SavedSeq)
	fmt.Fprintf(w, "Snapshot:  %s\n", stats.SnapshotPath)
	if stats.Journal != nil {
		fmt.Fprintf(w, "Journal:   last seq %d\n", stats.Journal.LastSeq)
	} else {
		fmt.Fprintln(w, "Journal:   disabled")
	}
	return nil
}

func runSave(cmd *cobra.Command, args []string) error {
	db, _, _, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	m, err := db.Save()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "snapshot %s: %d nodes, %d edges, seq %d, %s\n", m.ID, m.Nodes, m.Edges, m.Seq, m.Digest)
	return nil
}

func runRebuild(cmd *cobra.Command, args []string) error {
	db, _, log, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	start := time.Now()
	if err := db.Rebuild(); err != nil {
		if errors.Is(err, relgraph.ErrJournalIncomplete) {
			return fmt.Errorf("%w; the snapshot was left untouched", err)
		}
		return err
	}
	log.Info("rebuilt graph from journal", "elapsed", time.Since(start))

	m, err := db.Save()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "rebuilt %d nodes, %d edges through seq %d\n", m.Nodes, m.Edges, m.Seq)
	return nil
}

// =============================================================================
// names
// =============================================================================

func namesPath(cfg *config.Config) string {
	if filepath.IsAbs(cfg.Storage.NamesFile) {
		return cfg.Storage.NamesFile
	}
	return filepath.Join(cfg.Storage.DataDir, cfg.Storage.NamesFile)
}

func runNamesSet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	id, err := graph.ParseNodeID(args[0])
	if err != nil {
		return err
	}
	path := namesPath(cfg)
	names, err := entityindex.Load(path)
	if err != nil {
		return err
	}
	if err := names.Set(id, args[1]); err != nil {
		return err
	}
	return names.Save(path)
}

func runNamesGet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	id, err := graph.ParseNodeID(args[0])
	if err != nil {
		return err
	}
	names, err := entityindex.Load(namesPath(cfg))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), names.DisplayName(id))
	return nil
}
