package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facewatch/internal/config"
	"github.com/andresmejia3/facewatch/internal/engine"
	"github.com/andresmejia3/facewatch/internal/store"
	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/andresmejia3/facewatch/internal/worker"
)

// Options holds the global flags. Set flags override the config file and environment.
type Options struct {
	ConfigPath  string
	Verbose     bool
	GalleryPath string
	Tolerance   float64
	Metric      string
	Strategy    string
	EngineKind  string
	EngineURL   string
	ModelsDir   string
	NumEngines  int
	DatabaseURL string
}

var (
	rootOpts Options
	// Cfg is the resolved configuration shared by subcommands
	Cfg *config.Config
	// DB is opened on demand by subcommands that need the database
	DB *store.Store
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facewatch",
	Short:   "Live face recognition against a gallery of known people",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(rootOpts.ConfigPath)
		if err != nil {
			utils.Die("Failed to load configuration", err, nil)
		}
		applyFlags(cmd, cfg, rootOpts)
		if err := cfg.Validate(); err != nil {
			utils.Die("Invalid configuration", err, nil)
		}
		Cfg = cfg
		setupLogging(rootOpts.Verbose)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
			DB = nil
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&rootOpts.ConfigPath, "config", "c", "", "Path to a YAML config file")
	f.BoolVarP(&rootOpts.Verbose, "verbose", "v", false, "Enable debug logging")
	f.StringVarP(&rootOpts.GalleryPath, "gallery", "g", "", "Gallery file (default known_faces.msgpack)")
	f.Float64VarP(&rootOpts.Tolerance, "tolerance", "t", 0.6, "Face matching tolerance (lower is stricter)")
	f.StringVar(&rootOpts.Metric, "metric", "euclidean", "Distance metric: euclidean, cosine")
	f.StringVar(&rootOpts.Strategy, "strategy", "first", "Match strategy: first (first gallery hit), nearest")
	f.StringVar(&rootOpts.EngineKind, "engine", "worker", "Face engine: worker, http, dlib")
	f.StringVar(&rootOpts.EngineURL, "engine-url", engine.DefaultURL, "Embedding server URL for the http engine")
	f.StringVar(&rootOpts.ModelsDir, "models", "models", "dlib model directory for the dlib engine")
	f.IntVarP(&rootOpts.NumEngines, "engines", "e", 1, "Number of parallel engine workers")
	f.StringVar(&rootOpts.DatabaseURL, "db", "", "PostgreSQL connection string for the gallery mirror")
}

// applyFlags copies explicitly set flags over cfg.
func applyFlags(cmd *cobra.Command, cfg *config.Config, o Options) {
	set := func(name string) bool {
		fl := cmd.Flags().Lookup(name)
		return fl != nil && fl.Changed
	}
	if set("gallery") {
		cfg.Gallery = o.GalleryPath
	}
	if set("tolerance") {
		cfg.Tolerance = o.Tolerance
	}
	if set("metric") {
		cfg.Metric = o.Metric
	}
	if set("strategy") {
		cfg.Strategy = o.Strategy
	}
	if set("engine") {
		cfg.Engine.Kind = o.EngineKind
	}
	if set("engine-url") {
		cfg.Engine.URL = o.EngineURL
	}
	if set("models") {
		cfg.Engine.ModelsDir = o.ModelsDir
	}
	if set("engines") {
		cfg.Engine.Workers = o.NumEngines
	}
	if set("db") {
		cfg.Database.URL = o.DatabaseURL
	}
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// databaseURL falls back to POSTGRES_* variables, then to a local default.
func databaseURL(cfg *config.Config) string {
	if cfg.Database.URL != "" {
		return cfg.Database.URL
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	// Fallback to local default if no env vars are present
	return "postgres://localhost:5432/facewatch"
}

// openDB connects once per process; PersistentPostRun closes it.
func openDB(ctx context.Context) (*store.Store, error) {
	if DB != nil {
		return DB, nil
	}
	s, err := store.New(ctx, databaseURL(Cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	DB = s
	return s, nil
}

// engineLogs returns the subprocess behind e, if any, so crash logs can be shown.
func engineLogs(e engine.Finder) *utils.SafeCommand {
	if w, ok := e.(*worker.PythonWorker); ok {
		return w.Cmd
	}
	return nil
}
