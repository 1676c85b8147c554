// Package commands implements CLI command handlers for coupler.
package commands

import (
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/couplegraph/coupler/pkg/config"
	"github.com/couplegraph/coupler/pkg/observability"
	"github.com/couplegraph/coupler/pkg/orchestrator"
	"github.com/couplegraph/coupler/pkg/store"
	"github.com/couplegraph/coupler/pkg/version"
)

// app carries process-wide state shared by all subcommands.
type app struct {
	cfgPath string
	dataDir string
	verbose bool

	cfg       *config.Config
	logger    *slog.Logger
	providers observability.Providers
}

// Execute builds the command tree and runs it.
func Execute() error {
	a := &app{}

	root := &cobra.Command{
		Use:           "coupler",
		Short:         "Logical coupling analysis over version-control history",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a.providers.Shutdown != nil {
				_ = a.providers.Shutdown(cmd.Context())
			}
		},
	}

	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "path to a config file (default: ./config.yaml)")
	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "root directory for per-repository stores")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newAnalyzeCommand(a),
		newRunsCommand(a),
		newFilesCommand(a),
		newCouplingCommand(a),
		newHotspotsCommand(a),
		newImpactCommand(a),
		newLineageCommand(a),
		newComponentCommand(a),
		newSnapshotsCommand(a),
		newMetricsCommand(a),
	)

	return root.Execute()
}

// init loads configuration and observability once per invocation.
func (a *app) init(_ *cobra.Command) error {
	cfg, err := config.LoadConfig(a.cfgPath)
	if err != nil {
		return err
	}

	if a.dataDir != "" {
		cfg.Storage.DataDir = a.dataDir
	}

	a.cfg = cfg

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version.Version
	obsCfg.OTLPEndpoint = cfg.Observability.OTLPEndpoint
	obsCfg.OTLPHeaders = observability.ParseOTLPHeaders(cfg.Observability.OTLPHeaders)
	obsCfg.OTLPInsecure = cfg.Observability.OTLPInsecure
	obsCfg.SampleRatio = cfg.Observability.SampleRatio
	obsCfg.DebugTrace = cfg.Observability.DebugTrace
	obsCfg.LogJSON = strings.EqualFold(cfg.Logging.Format, "json")

	if a.verbose {
		obsCfg.LogLevel = slog.LevelDebug
	}

	providers, err := observability.Init(obsCfg)
	if err != nil {
		return err
	}

	a.providers = providers
	a.logger = providers.Logger

	return nil
}

// repoRef derives the repository reference for a mirror path: the id is
// the mirror's base name unless overridden, and the store lives under the
// configured data dir.
func (a *app) repoRef(mirrorPath, repoID string) orchestrator.RepoRef {
	if repoID == "" {
		repoID = filepath.Base(strings.TrimSuffix(mirrorPath, "/"))
		repoID = strings.TrimSuffix(repoID, ".git")
	}

	return orchestrator.RepoRef{
		ID:         repoID,
		MirrorPath: mirrorPath,
		StoreDir:   filepath.Join(a.cfg.Storage.DataDir, repoID),
	}
}

// serveMetrics exposes a Prometheus /metrics scrape endpoint when enabled.
func (a *app) serveMetrics() error {
	if !a.cfg.Observability.PrometheusEnabled {
		return nil
	}

	handler, err := observability.PrometheusHandler()
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)

	go func() {
		server := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: a.cfg.Server.ReadTimeout,
		}

		if serveErr := server.ListenAndServe(); serveErr != nil {
			a.logger.Warn("metrics endpoint stopped", slog.Any("error", serveErr))
		}
	}()

	return nil
}

// openStore opens the analytic store for a repo id.
func (a *app) openStore(repoID string) (*store.Store, error) {
	if repoID == "" {
		return nil, fmt.Errorf("--repo is required")
	}

	return store.Open(filepath.Join(a.cfg.Storage.DataDir, repoID))
}
