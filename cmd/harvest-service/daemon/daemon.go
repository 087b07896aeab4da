// Package daemon provides the harvest service daemon and its one-shot subcommands.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/regharvest/harvester/internal/common/cli"
	"github.com/regharvest/harvester/internal/common/config"
	"github.com/regharvest/harvester/internal/common/constants"
	"github.com/regharvest/harvester/internal/common/metrics"
	"github.com/regharvest/harvester/internal/harvest"
	"github.com/regharvest/harvester/internal/harvest/artifact"
	"github.com/regharvest/harvester/internal/harvest/claim"
	"github.com/regharvest/harvester/internal/harvest/ledger"
	"github.com/regharvest/harvester/internal/harvest/orchestrator"
	"github.com/regharvest/harvester/internal/harvest/upstream"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	daemon *harvest.Service

	// ctx is canceled by Quit when no daemon is running, interrupting one-shot commands.
	ctx    context.Context
	cancel context.CancelFunc

	ready     chan struct{}
	readyOnce sync.Once
}

type redisConfig struct {
	Addr     string
	Password string
	DB       int
	ClaimTTL time.Duration
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int
	JSONLogs  bool

	Metrics  metrics.Config
	DB       ledger.Config
	Redis    redisConfig
	Upstream upstream.Config

	ArtifactsDir            string
	ArtifactTemplate        string
	GridFile                string
	Schedule                string
	MaxConcurrency          int
	Headers                 []string
	TreatStatErrorAsMissing bool
	RunOnStart              bool

	MigrationsDir string `yaml:"-"`
}

// flagKeys maps the persistent flags to their configuration keys.
var flagKeys = map[string]string{
	"verbose":   "verbosity",
	"json-logs": "jsonlogs",

	"metrics-host":  "metrics.host",
	"metrics-port":  "metrics.port",
	"read-timeout":  "metrics.readtimeout",
	"write-timeout": "metrics.writetimeout",

	"db-host":     "db.host",
	"db-port":     "db.port",
	"db-user":     "db.user",
	"db-password": "db.password",
	"db-name":     "db.dbname",
	"db-sslmode":  "db.sslmode",

	"redis-addr":     "redis.addr",
	"redis-password": "redis.password",
	"redis-db":       "redis.db",
	"claim-ttl":      "redis.claimttl",

	"upstream-url":      "upstream.baseurl",
	"upstream-endpoint": "upstream.endpoint",
	"service-key":       "upstream.servicekey",
	"page-size":         "upstream.pagesize",
	"max-pages":         "upstream.maxpages",
	"rate":              "upstream.requestspersecond",
	"request-timeout":   "upstream.timeout",
	"strict-first-page": "upstream.strictfirstpage",

	"artifacts-dir":               "artifactsdir",
	"artifact-template":           "artifacttemplate",
	"grid-file":                   "gridfile",
	"schedule":                    "schedule",
	"max-concurrency":             "maxconcurrency",
	"headers":                     "headers",
	"treat-stat-error-as-missing": "treatstaterrorasmissing",
	"run-on-start":                "runonstart",
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{ready: make(chan struct{})}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	a.cmd = &cobra.Command{
		Use:   constants.HarvestServiceCmdName,
		Short: "Business registry harvest service",
		Long: `Business registry harvest service sweeps a grid of city and district regions on a schedule.
Each region is pulled page by page from the upstream registry API and stored as a CSV artifact,
and every attempt is recorded in a PostgreSQL run history.`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			verbosity, _ := a.cmd.PersistentFlags().GetCount("verbose")
			jsonLogs, _ := a.cmd.PersistentFlags().GetBool("json-logs")
			cli.SetSlog(verbosity, jsonLogs) // Set verbosity before loading config
			if err := cli.InitViperConfig(constants.HarvestServiceCmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			))); err != nil {
				return fmt.Errorf("unable to decode configuration into struct: %w", err)
			}
			slog.Debug("Configuration loaded", "file", a.viper.ConfigFileUsed(), "schedule", a.config.Schedule,
				"artifacts-dir", a.config.ArtifactsDir, "grid-file", a.config.GridFile)

			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Update logging after loading config if necessary
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.cmd.SilenceUsage = true

			return a.run()
		},
	}
	a.viper = viper.New()
	a.cmd.CompletionOptions.HiddenDefaultCmd = true

	installRootCmd(&a)
	installSweepCmd(&a)
	installHistoryCmd(&a)
	installMigrateCmd(&a)
	cli.InstallConfigFlag(a.cmd)

	for flag, key := range flagKeys {
		if err := a.viper.BindPFlag(key, a.cmd.PersistentFlags().Lookup(flag)); err != nil {
			return nil, fmt.Errorf("could not bind flag %s: %w", flag, err)
		}
	}

	a.installVersion()

	return &a, nil
}

func installRootCmd(app *App) {
	flags := app.cmd.PersistentFlags()

	flags.CountP("verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	flags.Bool("json-logs", false, "enable JSON formatted logs")

	// Sweep flags
	flags.String("artifacts-dir", constants.DefaultArtifactsDir, "directory the CSV artifacts are written to")
	flags.String("artifact-template", constants.DefaultArtifactTemplate, "artifact file name template, formatted with the city then the district")
	flags.String("grid-file", "", "YAML, JSON or TOML file listing the regions to harvest (the built-in grid is used if empty)")
	flags.String("schedule", constants.DefaultSchedule, "cron expression of the grid sweeps")
	flags.Int("max-concurrency", constants.DefaultMaxConcurrency, "maximum number of regions harvested at once")
	flags.StringSlice("headers", constants.DefaultHeaders, "columns of the CSV artifacts")
	flags.Bool("treat-stat-error-as-missing", false, "harvest a region whose artifact cannot be checked instead of failing it")
	flags.Bool("run-on-start", false, "sweep once as soon as the service starts")

	// Upstream flags
	flags.String("upstream-url", constants.DefaultUpstreamURL, "base URL of the business registry API")
	flags.String("upstream-endpoint", constants.DefaultUpstreamEndpoint, "path of the business registry endpoint")
	flags.String("service-key", "", "already URL-encoded API service key")
	flags.Int("page-size", constants.DefaultPageSize, "number of records requested per page")
	flags.Int("max-pages", constants.DefaultMaxPages, "maximum number of pages requested per region")
	flags.Float64("rate", 0, "maximum upstream requests per second (0 for unlimited)")
	flags.Duration("request-timeout", 30*time.Second, "timeout of a single upstream request")
	flags.Bool("strict-first-page", false, "fail a region whose first page is not a valid JSON document")

	// Metrics server flags
	flags.Duration("read-timeout", 5*time.Second, "read timeout for the metrics HTTP server")
	flags.Duration("write-timeout", 10*time.Second, "write timeout for the metrics HTTP server")
	flags.String("metrics-host", "", "host for the metrics endpoint")
	flags.Int("metrics-port", 2114, "port for the metrics endpoint")

	// Claim flags
	flags.String("redis-addr", "", "Redis address used to claim regions across concurrent runs (disabled if empty)")
	flags.String("redis-password", "", "Redis password")
	flags.Int("redis-db", 0, "Redis database")
	flags.Duration("claim-ttl", claim.DefaultTTL, "lifetime of a region claim")

	addDBFlags(app.cmd)

	if err := app.cmd.MarkPersistentFlagDirname("artifacts-dir"); err != nil {
		panic(fmt.Sprintf("failed to mark artifacts-dir flag as directory: %v", err))
	}
	if err := app.cmd.MarkPersistentFlagFilename("grid-file", "yaml", "yml", "json", "toml"); err != nil {
		panic(fmt.Sprintf("failed to mark grid-file flag as filename: %v", err))
	}
}

func addDBFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("db-host", "", "database host")
	flags.IntP("db-port", "p", 5432, "database port")
	flags.StringP("db-user", "u", "", "database user")
	flags.StringP("db-password", "P", "", "database password")
	flags.StringP("db-name", "n", "", "database name")
	flags.StringP("db-sslmode", "s", "", "database SSL mode")
}

// Run executes the command and associated process, returning an error if any.
func (a *App) Run() error {
	defer a.markReady()
	return a.cmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a *App) UsageError() bool {
	return !a.cmd.SilenceUsage
}

// Hup prints all goroutine stack traces and return false to signal you shouldn't quit.
func (a *App) Hup() (shouldQuit bool) {
	buf := make([]byte, 1<<16)
	runtime.Stack(buf, true)
	fmt.Printf("%s", buf)
	return false
}

// Quit gracefully shuts down the daemon, or interrupts the running one-shot command.
func (a *App) Quit() {
	a.WaitReady()
	if a.daemon != nil {
		a.daemon.Quit(false)
	}
	a.cancel()
}

// WaitReady waits for the daemon to be ready.
func (a *App) WaitReady() {
	<-a.ready
}

func (a *App) markReady() {
	a.readyOnce.Do(func() { close(a.ready) })
}

// RootCmd returns the root command.
func (a *App) RootCmd() cobra.Command {
	return *a.cmd
}

// harvester holds the components of a sweep.
type harvester struct {
	grid      *config.Manager
	ledger    *ledger.Manager
	scheduler *harvest.Scheduler
	registry  *prometheus.Registry

	closers []func() error
}

func (h *harvester) close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](); err != nil {
			slog.Warn("Failed to release resource", "err", err)
		}
	}
}

// newHarvester builds the sweep components from the configuration.
// The returned harvester must be closed once done.
func (a *App) newHarvester(ctx context.Context) (_ *harvester, err error) {
	h := &harvester{registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			h.close()
		}
	}()

	gridPath := a.config.GridFile
	if gridPath != "" {
		if gridPath, err = filepath.Abs(gridPath); err != nil {
			return nil, fmt.Errorf("failed to get absolute path for grid file: %v", err)
		}
	}

	resolver, err := artifact.NewResolver(a.config.ArtifactsDir, a.config.ArtifactTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact resolver: %v", err)
	}

	// Reloaded grids whose regions would share an artifact are rejected.
	h.grid = config.New(gridPath, config.WithValidator(resolver.CheckGrid))
	if err := h.grid.Load(); err != nil {
		return nil, fmt.Errorf("failed to load region grid: %v", err)
	}

	client, err := upstream.New(a.config.Upstream)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream client: %v", err)
	}

	if h.ledger, err = ledger.New(ctx, a.config.DB); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}
	h.closers = append(h.closers, h.ledger.Close)

	var orchOpts []orchestrator.Option
	if a.config.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.config.Redis.Addr,
			Password: a.config.Redis.Password,
			DB:       a.config.Redis.DB,
		})
		h.closers = append(h.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %v", err)
		}
		slog.Info("Regions are claimed in Redis", "addr", a.config.Redis.Addr)
		orchOpts = append(orchOpts, orchestrator.WithClaimer(claim.NewRedis(rdb, claim.WithTTL(a.config.Redis.ClaimTTL))))
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Grid:     h.grid,
		Resolver: resolver,
		Fetcher:  client,
		Writer:   artifact.NewWriter(resolver),
		Ledger:   h.ledger,
	}, orchestrator.Config{
		Headers:                 a.config.Headers,
		MaxConcurrency:          a.config.MaxConcurrency,
		TreatStatErrorAsMissing: a.config.TreatStatErrorAsMissing,
	}, h.registry, orchOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep orchestrator: %v", err)
	}

	schedOpts := []harvest.SchedulerOption{
		harvest.WithHistory(h.ledger),
		harvest.WithRunOnStart(a.config.RunOnStart),
	}
	if gridPath != "" {
		schedOpts = append(schedOpts, harvest.WithGridWatcher(h.grid))
	}
	if h.scheduler, err = harvest.NewScheduler(a.config.Schedule, orch, schedOpts...); err != nil {
		return nil, err
	}

	return h, nil
}

func (a *App) run() error {
	h, err := a.newHarvester(a.ctx)
	if err != nil {
		return err
	}
	defer h.close()

	metricsServer := metrics.New(a.config.Metrics, h.registry)

	a.daemon = harvest.New(a.ctx, h.scheduler, metricsServer)
	a.markReady()

	return a.daemon.Run()
}
