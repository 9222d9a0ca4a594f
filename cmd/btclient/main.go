package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/s0up4200/btclient-go/internal/client"
	"github.com/s0up4200/btclient-go/internal/config"
	"github.com/s0up4200/btclient-go/internal/logger"
	"github.com/s0up4200/btclient-go/internal/manager"
	"github.com/s0up4200/btclient-go/internal/request"
	"github.com/s0up4200/btclient-go/pkg/version"
	"github.com/spf13/cobra"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var (
	cfgFile string
	debug   bool

	// set by loadConfig for commands that talk to a daemon
	cfg      *config.Config
	registry = prometheus.NewRegistry()
	metrics  = request.NewMetrics(registry)

	rootCmd = &cobra.Command{
		Use:   "btclient",
		Short: "btclient controls Transmission, qBittorrent and Synology Download Station",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if debug {
				logRequestMetrics()
			}
		},
	}

	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Initialize a new config file",
		Args:  cobra.NoArgs,
		RunE:  runInit,
	}

	backendsCmd = &cobra.Command{
		Use:   "backends",
		Short: "List supported backends and their capabilities",
		Args:  cobra.NoArgs,
		RunE:  runBackends,
	}

	pingCmd = &cobra.Command{
		Use:     "ping [client...]",
		Short:   "Check that the configured clients are reachable",
		PreRunE: loadConfig,
		RunE:    runPing,
		Example: `  # Ping every configured client
  btclient ping

  # Ping a single client
  btclient ping seedbox`,
	}

	listCmd = &cobra.Command{
		Use:     "list <client>",
		Short:   "List torrents",
		Args:    cobra.ExactArgs(1),
		PreRunE: loadConfig,
		RunE:    runList,
		Example: `  # Completed torrents in a category, newest first
  btclient list seedbox --completed --category movies --sort added_on --reverse

  # Specific torrents as JSON
  btclient list nas --id dbid_123 --id dbid_124 --json`,
	}

	getCmd = &cobra.Command{
		Use:     "get <client> <id>",
		Short:   "Show one torrent",
		Args:    cobra.ExactArgs(2),
		PreRunE: loadConfig,
		RunE:    runGet,
	}

	addCmd = &cobra.Command{
		Use:     "add <client> <magnet|url>",
		Short:   "Add a torrent from a magnet link or a .torrent URL",
		Args:    cobra.ExactArgs(2),
		PreRunE: loadConfig,
		RunE:    runAdd,
		Example: `  # Add a magnet link paused, with a label
  btclient add seedbox "magnet:?xt=urn:btih:..." --label tv --paused

  # Download the .torrent here and upload it to the daemon
  btclient add nas https://tracker.example/dl/1.torrent --local --save-path /volume1/downloads`,
	}

	pauseCmd = &cobra.Command{
		Use:     "pause <client> <id...>",
		Short:   "Pause torrents",
		Args:    cobra.MinimumNArgs(2),
		PreRunE: loadConfig,
		RunE:    runAction("pause"),
	}

	resumeCmd = &cobra.Command{
		Use:     "resume <client> <id...>",
		Short:   "Resume torrents",
		Args:    cobra.MinimumNArgs(2),
		PreRunE: loadConfig,
		RunE:    runAction("resume"),
	}

	removeCmd = &cobra.Command{
		Use:     "remove <client> <id...>",
		Short:   "Remove torrents",
		Args:    cobra.MinimumNArgs(2),
		PreRunE: loadConfig,
		RunE:    runAction("remove"),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Show version information and check for updates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return version.CheckForUpdates(cmd.Context(), "s0up4200", "btclient-go")
		},
	}

	listOpts struct {
		ids       []string
		completed bool
		category  string
		sort      string
		reverse   bool
		offset    int
		limit     int
		json      bool
	}

	addOpts client.AddOptions

	deleteData bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	setupGroup := &cobra.Group{
		ID:    "setup",
		Title: "Configuration Commands:",
	}

	queryGroup := &cobra.Group{
		ID:    "query",
		Title: "Query Commands:",
	}

	controlGroup := &cobra.Group{
		ID:    "control",
		Title: "Control Commands:",
	}

	rootCmd.AddGroup(setupGroup, queryGroup, controlGroup)

	initCmd.GroupID = "setup"
	backendsCmd.GroupID = "setup"
	pingCmd.GroupID = "query"
	listCmd.GroupID = "query"
	getCmd.GroupID = "query"
	addCmd.GroupID = "control"
	pauseCmd.GroupID = "control"
	resumeCmd.GroupID = "control"
	removeCmd.GroupID = "control"

	rootCmd.AddCommand(initCmd, backendsCmd, pingCmd, listCmd, getCmd)
	rootCmd.AddCommand(addCmd, pauseCmd, resumeCmd, removeCmd, versionCmd)

	listCmd.Flags().StringSliceVar(&listOpts.ids, "id", nil, "only these torrent ids")
	listCmd.Flags().BoolVar(&listOpts.completed, "completed", false, "only completed torrents")
	listCmd.Flags().StringVar(&listOpts.category, "category", "", "only torrents with this category or label")
	listCmd.Flags().StringVar(&listOpts.sort, "sort", "", "sort key (qBittorrent only)")
	listCmd.Flags().BoolVar(&listOpts.reverse, "reverse", false, "reverse the sort order (qBittorrent only)")
	listCmd.Flags().IntVar(&listOpts.offset, "offset", 0, "skip the first n torrents")
	listCmd.Flags().IntVar(&listOpts.limit, "limit", 0, "return at most n torrents")
	listCmd.Flags().BoolVar(&listOpts.json, "json", false, "print JSON")

	getCmd.Flags().BoolVar(&listOpts.json, "json", false, "print JSON")

	addCmd.Flags().StringVar(&addOpts.SavePath, "save-path", "", "download directory")
	addCmd.Flags().StringVar(&addOpts.Label, "label", "", "label or category")
	addCmd.Flags().BoolVar(&addOpts.AddAtPaused, "paused", false, "add in paused state")
	addCmd.Flags().BoolVar(&addOpts.LocalDownload, "local", false, "fetch the .torrent locally and upload it")

	removeCmd.Flags().BoolVar(&deleteData, "delete-data", false, "also delete downloaded data")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	path, err := config.Find(cfgFile)
	if err != nil {
		log.Error().Err(err).Msg("could not find a config file, run btclient init")
		return err
	}

	cfg, err = config.Load(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to load config")
		return err
	}

	level := cfg.Log.Level
	if debug {
		level = "debug"
	}
	l, err := logger.New(level, cfg.Log.File, os.Stderr)
	if err != nil {
		return err
	}
	log.Logger = l
	if !debug {
		zerolog.SetGlobalLevel(logger.ParseLevel(cfg.Log.Level))
	}

	return nil
}

func newManager() (*manager.Manager, error) {
	return manager.New(cfg,
		client.WithLogger(log.Logger),
		client.WithMetrics(metrics),
	)
}

// clientFor builds only the named client
func clientFor(name string) (client.TorrentClient, error) {
	cc, err := cfg.ToClient(name)
	if err != nil {
		return nil, err
	}
	return client.New(cc, client.WithLogger(log.Logger), client.WithMetrics(metrics))
}

func runInit(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		dir, err := config.Dir()
		if err != nil {
			log.Error().Err(err).Msg("could not determine config directory")
			return err
		}
		path = filepath.Join(dir, "config.yaml")
	}

	if err := config.Write(path, config.Default()); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to write config file")
		return err
	}

	log.Info().Str("path", path).Msg("created new config file")
	log.Info().Msg("remember to edit the config file and add your daemon credentials")
	return nil
}

func runBackends(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tDEFAULT ADDRESS\tCUSTOM PATH\tREMOVE DATA\tSTART PAUSED")
	for _, t := range client.Types() {
		d, _ := client.Describe(t)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t, d.Defaults.Address,
			yesNo(d.Capabilities.CustomPath), yesNo(d.Capabilities.RemoveData), yesNo(d.Capabilities.NativeStartPaused))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for _, t := range client.Types() {
		d, _ := client.Describe(t)
		fmt.Fprintf(cmd.OutOrStdout(), "\n%s: %s\n", t, d.Description)
		for _, warning := range d.Warnings {
			fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", warning)
		}
	}
	return nil
}

func runPing(cmd *cobra.Command, args []string) error {
	m, err := newManager()
	if err != nil {
		return err
	}

	names := args
	if len(names) == 0 {
		names = m.Names()
	}

	results := m.Ping(cmd.Context(), names...)

	failed := 0
	for _, name := range names {
		ok, known := results[name]
		switch {
		case !known:
			log.Error().Str("client", name).Msg("client is not configured")
			failed++
		case ok:
			log.Info().Str("client", name).Msg("ok")
		default:
			log.Error().Str("client", name).Msg("unreachable")
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d clients failed", failed, len(names))
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	c, err := clientFor(args[0])
	if err != nil {
		return err
	}

	torrents, err := c.GetTorrentsBy(cmd.Context(), client.FilterRules{
		IDs:      listOpts.ids,
		Complete: listOpts.completed,
		Category: listOpts.category,
		Sort:     listOpts.sort,
		Reverse:  listOpts.reverse,
		Offset:   listOpts.offset,
		Limit:    listOpts.limit,
	})
	if err != nil {
		log.Error().Err(err).Str("client", args[0]).Msg("failed to list torrents")
		return err
	}

	if listOpts.json {
		return printJSON(cmd, torrents)
	}
	return printTable(cmd, torrents)
}

func runGet(cmd *cobra.Command, args []string) error {
	c, err := clientFor(args[0])
	if err != nil {
		return err
	}

	t, err := c.GetTorrent(cmd.Context(), args[1])
	if err != nil {
		log.Error().Err(err).Str("client", args[0]).Str("id", args[1]).Msg("failed to get torrent")
		return err
	}

	if listOpts.json {
		return printJSON(cmd, t)
	}
	return printTable(cmd, []client.Torrent{*t})
}

func runAdd(cmd *cobra.Command, args []string) error {
	c, err := clientFor(args[0])
	if err != nil {
		return err
	}

	if !c.AddTorrent(cmd.Context(), args[1], addOpts) {
		return fmt.Errorf("client %s did not accept the torrent", args[0])
	}

	log.Info().Str("client", args[0]).Msg("torrent added")
	return nil
}

func runAction(action string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := clientFor(args[0])
		if err != nil {
			return err
		}

		ids := args[1:]
		var ok bool
		switch action {
		case "pause":
			ok, err = c.PauseTorrent(cmd.Context(), ids...)
		case "resume":
			ok, err = c.ResumeTorrent(cmd.Context(), ids...)
		case "remove":
			ok, err = c.RemoveTorrent(cmd.Context(), deleteData, ids...)
		}
		if err != nil {
			log.Error().Err(err).Str("client", args[0]).Msgf("failed to %s torrents", action)
			return err
		}
		if !ok {
			return fmt.Errorf("client %s rejected %s", args[0], action)
		}

		log.Info().Str("client", args[0]).Strs("ids", ids).Msgf("%s done", action)
		return nil
	}
}

func printTable(cmd *cobra.Command, torrents []client.Torrent) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATE\tPROGRESS\tSIZE\tRATIO\tDOWN\tUP\tLABEL")
	for _, t := range torrents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%s\t%s\t%s\t%s\t%s\n",
			t.ID,
			truncate(t.Name, 60),
			t.State,
			t.Progress*100,
			units.HumanSize(float64(t.TotalSize)),
			formatRatio(t.Ratio),
			formatSpeed(t.DownloadSpeed),
			formatSpeed(t.UploadSpeed),
			deref(t.Label),
		)
	}
	return w.Flush()
}

// printJSON drops ratios JSON cannot carry (0/0 and x/0)
func printJSON(cmd *cobra.Command, v any) error {
	switch t := v.(type) {
	case []client.Torrent:
		for i := range t {
			t[i].Ratio = finite(t[i].Ratio)
		}
	case *client.Torrent:
		t.Ratio = finite(t.Ratio)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func finite(f *float64) *float64 {
	if f == nil || math.IsNaN(*f) || math.IsInf(*f, 0) {
		return nil
	}
	return f
}

func formatRatio(r *float64) string {
	switch {
	case r == nil, math.IsNaN(*r):
		return "-"
	case math.IsInf(*r, 1):
		return "∞"
	default:
		return fmt.Sprintf("%.2f", *r)
	}
}

func formatSpeed(s *int64) string {
	if s == nil {
		return "-"
	}
	return units.HumanSize(float64(*s)) + "/s"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// logRequestMetrics prints the request counters collected during the run
func logRequestMetrics() {
	families, err := registry.Gather()
	if err != nil {
		log.Debug().Err(err).Msg("failed to gather metrics")
		return
	}
	for _, mf := range families {
		if !strings.HasSuffix(mf.GetName(), "_total") {
			continue
		}
		for _, metric := range mf.GetMetric() {
			ev := log.Debug().Str("metric", mf.GetName())
			for _, lp := range metric.GetLabel() {
				ev = ev.Str(lp.GetName(), lp.GetValue())
			}
			ev.Float64("value", metric.GetCounter().GetValue()).Msg("requests")
		}
	}
}
