// Package cli implements rpipe's command-line dispatch: serve, ping,
// bench, dashboard, and the usual version/help pair.
package cli

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"rpipe/internal/client"
	"rpipe/internal/config"
	"rpipe/internal/executor"
	"rpipe/internal/health"
	"rpipe/internal/logger"
	"rpipe/internal/state"
	"rpipe/internal/trace"
	"rpipe/internal/web"
)

// Execute dispatches CLI subcommands.
func Execute(args []string) int {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	log.SetPrefix("[rpipe] ")

	if len(args) == 0 {
		printUsage()
		return 1
	}

	switch args[0] {
	case "serve":
		return runServe(args[1:])
	case "ping":
		return runPing(args[1:])
	case "bench":
		return runBench(args[1:])
	case "dashboard":
		return runDashboard(args[1:])
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "version", "--version", "-v":
		fmt.Println("rpipe 0.1.0-dev")
		return 0
	default:
		log.Printf("unknown subcommand: %s", args[0])
		printUsage()
		return 1
	}
}

// runServe starts the coalescing client against a backend and idles,
// periodically sampling pipeline health into the state store, with an
// optional embedded dashboard, until interrupted.
func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	var (
		configPath    string
		dashboardAddr string
		statePath     string
	)
	fs.StringVar(&configPath, "config", "", "configuration file path (YAML)")
	fs.StringVar(&configPath, "c", "", "configuration file path (YAML)")
	fs.StringVar(&dashboardAddr, "dashboard-addr", "", "embedded dashboard listen address (defaults to config.dashboard.addr)")
	fs.StringVar(&statePath, "state", "rpipe-state.json", "path to the health snapshot file")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		log.Printf("failed to parse arguments: %v", err)
		return 1
	}
	if configPath == "" {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("failed to load config: %v", err)
		return 2
	}

	if err := initLogger(cfg, "serve"); err != nil {
		log.Printf("failed to initialize logging: %v", err)
		return 1
	}
	defer logger.Close()

	logger.Console("rpipe serve starting")
	logger.Console("config: %s", cfg.Summary())

	var execOpts []executor.Option
	var traceWriter *trace.Writer
	if cfg.Trace.Enabled {
		codec, err := trace.NewCodec(cfg.Trace.Codec)
		if err != nil {
			logger.Error("failed to build trace codec: %v", err)
			return 1
		}
		traceWriter, err = trace.Open(cfg.Trace.Path, codec, 64)
		if err != nil {
			logger.Error("failed to open trace writer: %v", err)
			return 1
		}
		defer traceWriter.Close()
		execOpts = append(execOpts, executor.WithTrace(traceWriter))
	}

	runCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	c, err := client.FromConfig(runCtx, cfg, execOpts...)
	if err != nil {
		logger.Error("failed to build client: %v", err)
		return 1
	}
	defer c.Close()

	store := state.NewStore(statePath)
	history := state.NewHistoryStore()
	sampler := health.New(c, store, history, time.Second)
	sampler.Start()
	defer sampler.Stop()

	if dashboardAddr == "" {
		dashboardAddr = cfg.Dashboard.Addr
	}
	if dashboardAddr != "" {
		server, err := web.New(web.Options{Addr: dashboardAddr, Cfg: cfg, Store: store, History: history})
		if err != nil {
			logger.Error("failed to initialize embedded dashboard: %v", err)
			return 1
		}
		dashErr := make(chan error, 1)
		ready := make(chan string, 1)
		go func() { dashErr <- server.Start(ready) }()
		select {
		case err := <-dashErr:
			if err != nil {
				logger.Error("embedded dashboard failed: %v", err)
			}
			return 1
		case actual := <-ready:
			logger.Console("dashboard ready at %s", formatDashboardURL(actual))
			go func() {
				if err := <-dashErr; err != nil {
					logger.Warn("embedded dashboard stopped: %v", err)
				}
			}()
		}
	}

	logger.Console("press Ctrl+C to stop")
	<-runCtx.Done()
	logger.Console("signal received, shutting down")
	return 0
}

// runPing issues a single PING through the coalescing client and
// reports round-trip latency, exercising the full drain/executor path
// for exactly one command.
func runPing(args []string) int {
	fs := flag.NewFlagSet("ping", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	var configPath string
	fs.StringVar(&configPath, "config", "", "configuration file path (YAML)")
	fs.StringVar(&configPath, "c", "", "configuration file path (YAML)")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}
	if configPath == "" {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("failed to load config: %v", err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := client.FromConfig(ctx, cfg)
	if err != nil {
		log.Printf("failed to build client: %v", err)
		return 1
	}
	defer c.Close()

	start := time.Now()
	f, err := c.ExecuteCommand(ctx, "PING", nil, nil)
	if err != nil {
		log.Printf("ping failed: %v", err)
		return 1
	}
	result, err := f.Wait(ctx)
	if err != nil {
		log.Printf("ping failed: %v", err)
		return 1
	}
	log.Printf("PONG in %s: %v", time.Since(start), result)
	return 0
}

// runBench submits a burst of PING commands through the coalescing
// client and reports aggregate throughput, to exercise the size and
// time drain triggers together under load.
func runBench(args []string) int {
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	var (
		configPath string
		count      int
	)
	fs.StringVar(&configPath, "config", "", "configuration file path (YAML)")
	fs.StringVar(&configPath, "c", "", "configuration file path (YAML)")
	fs.IntVar(&count, "n", 10000, "number of commands to submit")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}
	if configPath == "" {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("failed to load config: %v", err)
		return 2
	}

	ctx := context.Background()
	c, err := client.FromConfig(ctx, cfg)
	if err != nil {
		log.Printf("failed to build client: %v", err)
		return 1
	}
	defer c.Close()

	start := time.Now()
	futures := make([]interface {
		Wait(ctx context.Context) (any, error)
	}, count)
	for i := 0; i < count; i++ {
		f, err := c.ExecuteCommand(ctx, "PING", nil, nil)
		if err != nil {
			log.Printf("submit %d failed: %v", i, err)
			return 1
		}
		futures[i] = f
	}
	var failures int
	for _, f := range futures {
		if _, err := f.Wait(ctx); err != nil {
			failures++
		}
	}
	elapsed := time.Since(start)
	log.Printf("%d commands in %s (%.0f cmd/sec), %d failures, %d batches, avg batch size %.1f",
		count, elapsed, float64(count)/elapsed.Seconds(), failures, c.BatchesTotal(), float64(c.EntriesTotal())/float64(max64(c.BatchesTotal(), 1)))
	return 0
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// runDashboard launches the standalone dashboard reading a state
// snapshot file another process (rpipe serve) keeps up to date.
func runDashboard(args []string) int {
	fs := flag.NewFlagSet("dashboard", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	var (
		configPath string
		addr       string
		statePath  string
	)
	fs.StringVar(&configPath, "config", "", "configuration file path (YAML)")
	fs.StringVar(&configPath, "c", "", "configuration file path (YAML)")
	fs.StringVar(&addr, "addr", "", "dashboard listen address (defaults to config.dashboard.addr)")
	fs.StringVar(&statePath, "state", "rpipe-state.json", "path to the health snapshot file")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}
	if configPath == "" {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("failed to load config: %v", err)
		return 2
	}
	if addr == "" {
		addr = cfg.Dashboard.Addr
	}

	store := state.NewStore(statePath)
	server, err := web.New(web.Options{Addr: addr, Cfg: cfg, Store: store})
	if err != nil {
		log.Printf("failed to initialize dashboard: %v", err)
		return 1
	}

	log.Printf("dashboard ready at %s", formatDashboardURL(addr))
	if err := server.Start(nil); err != nil {
		if strings.Contains(err.Error(), "address already in use") {
			log.Printf("dashboard failed: port %s already in use, pass --addr", addr)
		} else {
			log.Printf("dashboard stopped: %v", err)
		}
		return 1
	}
	return 0
}

func formatDashboardURL(addr string) string {
	if addr == "" {
		return ""
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	if strings.HasPrefix(addr, ":") {
		port := strings.TrimPrefix(addr, ":")
		return fmt.Sprintf("http://127.0.0.1:%s (or http://<host-ip>:%s)", port, port)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		return fmt.Sprintf("http://<host-ip>:%s (listening on %s:%s)", port, host, port)
	default:
		return fmt.Sprintf("http://%s:%s", host, port)
	}
}

func printUsage() {
	binary := filepath.Base(os.Args[0])
	fmt.Printf(`rpipe - coalescing command pipeline for Redis

Usage:
  %[1]s <command> [options]

Available commands:
  serve      Run the coalescing client against a backend until interrupted
  ping       Submit a single PING and report round-trip latency
  bench      Submit a burst of commands and report throughput
  dashboard  Launch the standalone health dashboard
  help       Show this help
  version    Show version info

Examples:
  %[1]s serve --config rpipe.yaml --dashboard-addr :8080
  %[1]s ping --config rpipe.yaml
  %[1]s bench --config rpipe.yaml -n 50000
`, binary)
}

// initLogger configures the package-level logger for mode (e.g.
// "serve", "bench").
func initLogger(cfg *config.Config, mode string) error {
	level := parseLogLevel(cfg.LogLevel)
	prefix := fmt.Sprintf("rpipe_%s", mode)
	if err := logger.Init(cfg.LogDir, level, prefix); err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	log.SetOutput(logger.Writer())
	return nil
}

func parseLogLevel(levelStr string) logger.Level {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return logger.DEBUG
	case "info":
		return logger.INFO
	case "warn", "warning":
		return logger.WARN
	case "error":
		return logger.ERROR
	default:
		return logger.INFO
	}
}
