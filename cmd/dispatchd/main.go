package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"dispatch/internal/api"
	"dispatch/internal/calibration"
	"dispatch/internal/config"
	"dispatch/internal/judge"
	"dispatch/internal/maintenance"
	"dispatch/internal/modelhr"
	"dispatch/internal/persistence"
	"dispatch/internal/portfolio"
	"dispatch/internal/provider"
	"dispatch/internal/registry"
	"dispatch/internal/runner"
	"dispatch/internal/stats"
	"dispatch/internal/task"
	"dispatch/internal/trust"
	"dispatch/internal/variance"
	"dispatch/internal/version"

	"github.com/google/uuid"
)

var (
	cfgFile string
	port    int
)

var rootCmd = &cobra.Command{
	Use:     "dispatchd",
	Short:   "Cost and quality aware LLM task routing engine",
	Long:    "dispatchd routes tasks to the cheapest model expected to clear the quality bar,\nexecutes them with retry and escalation, and learns pricing and quality drift\nfrom judged outcomes.",
	Version: version.Full(),
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP routing server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var runCmd = &cobra.Command{
	Use:   "run [message]",
	Short: "Route and execute a single task from the command line",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(args[0])
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("dispatchd %s\n", version.Full())
		info := version.GetBuildInfo()
		fmt.Printf("Build date: %s\n", info.BuildDate)
		fmt.Printf("Go version: %s\n", info.GoVersion)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "dispatch.json", "config file path")
	serverCmd.Flags().IntVarP(&port, "port", "p", 0, "override the configured listen port")
	rootCmd.AddCommand(serverCmd, runCmd, versionCmd)
}

func main() {
	// A missing .env is fine; the environment may be set by the shell.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// engine bundles everything the commands share.
type engine struct {
	cfg      *config.Config
	registry *registry.Registry
	pool     *provider.Pool
	judge    judge.Judge
	cal      *calibration.Store
	variance *variance.Tracker
	trust    *trust.Tracker
	stats    *stats.Tracker
	cache    *portfolio.Cache
	store    persistence.Driver
	jobs     *maintenance.Manager
	hr       *modelhr.Store
}

func buildEngine() (*engine, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	reg, err := registry.LoadSeed(cfg.SeedFile)
	if err != nil {
		return nil, err
	}

	pool := provider.NewPool()
	for _, pc := range cfg.Providers {
		switch pc.Name {
		case "anthropic":
			p, err := provider.NewAnthropicProvider(pc.Name, pc.APIKey)
			if err != nil {
				log.Printf("[Main] Provider %s not registered: %v", pc.Name, err)
				continue
			}
			pool.Register(p)
		case "openai":
			p, err := provider.NewOpenAIProvider(pc.Name, pc.APIKey)
			if err != nil {
				log.Printf("[Main] Provider %s not registered: %v", pc.Name, err)
				continue
			}
			pool.Register(p)
		case "mock":
			pool.Register(provider.NewMockProvider(pc.Name))
		default:
			log.Printf("[Main] Unknown provider %q in config; skipping", pc.Name)
		}
	}

	cal := calibration.NewStore()
	vt := variance.NewTracker()
	tt := trust.NewTracker()
	st := stats.NewTracker()

	store, err := persistence.Open(cfg.Persistence.Driver, persistencePath(cfg))
	if err != nil {
		return nil, err
	}

	jobs := maintenance.New(store, cal, vt, tt, st)
	jobs.Restore()

	cache := portfolio.NewCache(portfolio.NewOptimizer(tt, vt), reg, portfolio.DefaultTTL)

	hr, err := modelhr.New(reg, "")
	if err != nil {
		// Losing the performance store costs learning, not runs.
		log.Printf("[Main] Model performance store unavailable: %v", err)
	}

	return &engine{
		cfg:      cfg,
		registry: reg,
		pool:     pool,
		judge:    buildJudge(cfg, reg, pool),
		cal:      cal,
		variance: vt,
		trust:    tt,
		stats:    st,
		cache:    cache,
		store:    store,
		jobs:     jobs,
		hr:       hr,
	}, nil
}

func persistencePath(cfg *config.Config) string {
	if cfg.Persistence.Driver == persistence.DriverDB {
		return cfg.Persistence.DBPath
	}
	return cfg.Persistence.BaseDir
}

// buildJudge resolves the judge model's provider through the registry,
// falling back to anthropic for unknown judge ids.
func buildJudge(cfg *config.Config, reg *registry.Registry, pool *provider.Pool) judge.Judge {
	providerName := "anthropic"
	if m, ok := reg.Get(cfg.JudgeModelID); ok {
		providerName = m.Provider
	}
	if _, ok := pool.Get(providerName); !ok {
		log.Printf("[Main] Judge provider %q unavailable; evaluations disabled", providerName)
		return nil
	}
	return judge.NewLLMJudge(pool, providerName, cfg.JudgeModelID)
}

func runServer() error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.store.Close()

	if err := eng.jobs.Start(); err != nil {
		return err
	}
	defer eng.jobs.Stop()

	srv := api.New(eng.cfg, eng.registry, eng.pool, eng.judge, eng.cal, eng.variance, eng.trust, eng.stats, eng.cache, eng.store)
	if eng.hr != nil {
		srv.SetModelHR(eng.hr)
	}

	listenPort := eng.cfg.Port
	if port != 0 {
		listenPort = port
	}
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", listenPort),
		Handler: srv.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Main] dispatchd %s listening on :%d", version.Full(), listenPort)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("[Main] Received %s; shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

// runOnce executes one task through the full pipeline and prints the run log.
func runOnce(message string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.store.Close()
	defer eng.jobs.Flush()

	run := runner.New(eng.registry, eng.pool, eng.cfg.Router, eng.judge, eng.cal, eng.variance, eng.trust, eng.stats)

	res, err := run.Run(context.Background(), runner.Request{
		Card: task.Card{
			ID:         uuid.NewString(),
			Type:       task.TypeGeneral,
			Difficulty: task.DifficultyMedium,
		},
		Prompt: message,
	})
	if err != nil {
		log.Printf("[Main] Run finished without execution: %v", err)
	}
	if perr := eng.store.AppendRun(res); perr != nil {
		log.Printf("[Main] Run log append failed: %v", perr)
	}

	out, merr := json.MarshalIndent(res, "", "  ")
	if merr != nil {
		return merr
	}
	fmt.Println(string(out))
	return nil
}
