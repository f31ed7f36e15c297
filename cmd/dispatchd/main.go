package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattjoyce/dispatchd/internal/auditlog"
	"github.com/mattjoyce/dispatchd/internal/auth"
	"github.com/mattjoyce/dispatchd/internal/buildengine"
	"github.com/mattjoyce/dispatchd/internal/config"
	"github.com/mattjoyce/dispatchd/internal/controlapi"
	"github.com/mattjoyce/dispatchd/internal/dispatcher"
	"github.com/mattjoyce/dispatchd/internal/lock"
	"github.com/mattjoyce/dispatchd/internal/log"
	"github.com/mattjoyce/dispatchd/internal/transport"
	"github.com/mattjoyce/dispatchd/internal/tui/watch"

	tea "github.com/charmbracelet/bubbletea"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(runServe(os.Args[2:]))
	case "watch":
		os.Exit(runWatch(os.Args[2:]))
	case "version":
		fmt.Printf("dispatchd version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`dispatchd - single-threaded build-engine request dispatcher

Usage:
  dispatchd <command> [flags]

Commands:
  serve    Start the dispatcher service in the foreground
  watch    Real-time operational dashboard against a running Control API
  version  Show version information
  help     Show this help message

Use 'dispatchd serve --help' for service flags.
`)
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api-url", "http://localhost:9090", "Control API URL")
	token := fs.String("token", os.Getenv("DISPATCHD_TOKEN"), "Control API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *token == "" {
		fmt.Fprintln(os.Stderr, "Error: a token is required. Use --token or DISPATCHD_TOKEN env var.")
		return 1
	}

	m := watch.New(*apiURL, *token)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "./dispatchd.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("dispatchd starting", "version", version, "config", *configPath)

	pidLockPath := filepath.Join(filepath.Dir(cfg.Audit.Path), "dispatchd.pid")
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	audit, err := auditlog.Open(ctx, cfg.Audit.Path)
	if err != nil {
		logger.Error("failed to open audit log", "path", cfg.Audit.Path, "error", err)
		return 1
	}
	defer audit.Close()

	build := buildengine.NewInMemory(seedBuildState(cfg))

	disp := dispatcher.New(dispatcherConfig(cfg), build, audit)

	transportSrv := transport.New(disp)
	transportHTTP := &http.Server{
		Addr:    cfg.Transport.Listen,
		Handler: transportSrv.Router(),
	}

	controlSrv := controlapi.New(controlapi.Config{
		Listen: cfg.Control.Listen,
		Tokens: toAuthTokens(cfg.Control.Auth.Tokens),
	}, disp, disp.Events)
	controlHTTP := &http.Server{
		Addr:    cfg.Control.Listen,
		Handler: controlSrv.Router(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 3)

	go disp.Run(ctx, build.Seed())

	go func() {
		logger.Info("transport listening", "addr", cfg.Transport.Listen)
		if err := transportHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("transport: %w", err)
		}
	}()

	go func() {
		logger.Info("control API listening", "addr", cfg.Control.Listen)
		if err := controlHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("control api: %w", err)
		}
	}()

	logger.Info("dispatchd running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
	}

	disp.Shutdown()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = transportHTTP.Shutdown(shutdownCtx)
	_ = controlHTTP.Shutdown(shutdownCtx)

	logger.Info("dispatchd stopped")
	return 0
}

func dispatcherConfig(cfg *config.Config) dispatcher.Config {
	dc := dispatcher.DefaultConfig()
	dc.RequestQueueCapacity = cfg.Dispatch.RequestQueueCapacity
	dc.WorkRawCapacity = cfg.Dispatch.WorkRawCapacity
	dc.Reader.DeferredStartupCapacity = cfg.Dispatch.DeferredStartupCapacity
	dc.Reader.BootPollInterval = time.Duration(cfg.Dispatch.BootPollInterval)
	return dc
}

func seedBuildState(cfg *config.Config) *buildengine.State {
	settings := make(map[buildengine.ScopedKey]any, len(cfg.Build.Settings))
	modules := map[string]struct{}{}
	for _, s := range cfg.Build.Settings {
		settings[buildengine.ScopedKey{Module: s.Module, Name: s.Name}] = s.Value
		modules[s.Module] = struct{}{}
	}

	tasks := make(map[buildengine.ScopedKey]buildengine.TaskDef, len(cfg.Build.Tasks))
	for _, t := range cfg.Build.Tasks {
		key := buildengine.ScopedKey{Module: t.Module, Name: t.Name}
		tasks[key] = buildengine.TaskDef{Key: key, Command: t.Command}
		modules[t.Module] = struct{}{}
	}

	moduleList := make([]string, 0, len(modules))
	for m := range modules {
		moduleList = append(moduleList, m)
	}

	return &buildengine.State{
		Settings:  settings,
		Tasks:     tasks,
		Structure: buildengine.BuildStructure{Modules: moduleList},
	}
}

func toAuthTokens(tokens []config.TokenConfig) []auth.TokenConfig {
	out := make([]auth.TokenConfig, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return out
}
