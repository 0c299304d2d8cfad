// Command iterflow runs and validates workflow definitions.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/iterflow/config"
	"github.com/BaSui01/iterflow/engine"
	"github.com/BaSui01/iterflow/internal/metrics"
	"github.com/BaSui01/iterflow/internal/telemetry"
	"github.com/BaSui01/iterflow/tool"
)

// Version information, injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runWorkflow(os.Args[2:])
	case "validate":
		validateWorkflow(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// contextFlags collects repeated --set key=value bindings.
type contextFlags map[string]string

func (c contextFlags) String() string { return fmt.Sprintf("%v", map[string]string(c)) }

func (c contextFlags) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	c[key] = value
	return nil
}

func runWorkflow(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	bindings := contextFlags{}
	fs.Var(bindings, "set", "Initial context binding (key=value, repeatable)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: iterflow run [options] <workflow.yaml>")
		os.Exit(1)
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.Log)
	defer logger.Sync()

	provider, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Fatal("telemetry init failed", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, prometheus.DefaultRegisterer, logger)
	}

	def, err := engine.ParseFile(fs.Arg(0))
	if err != nil {
		logger.Fatal("workflow invalid", zap.Error(err))
	}

	initial := make(map[string]any, len(bindings))
	for k, v := range bindings {
		initial[k] = v
	}

	eng := engine.NewEngine(engine.Options{
		Tools:         builtinTools(logger),
		AutoApprove:   true,
		RetryAttempts: cfg.Engine.RetryAttempts,
		Collector:     collector,
		Logger:        logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exec, err := eng.Execute(ctx, def, initial)
	if exec != nil {
		logger.Info("execution finished",
			zap.String("execution_id", exec.ID),
			zap.String("state", string(exec.State)),
			zap.Int("stages_run", len(exec.Results)))
	}
	if err != nil {
		logger.Error("workflow failed", zap.Error(err))
		os.Exit(1)
	}
}

func validateWorkflow(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: iterflow validate <workflow.yaml>")
		os.Exit(1)
	}

	def, err := engine.ParseFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Valid: workflow %q with %d top-level stages\n", def.Name, len(def.Stages))
}

// builtinTools registers the tools available to CLI-run workflows.
func builtinTools(logger *zap.Logger) *tool.Executor {
	registry := tool.NewRegistry(logger)

	registry.Register("log", func(_ context.Context, args map[string]any) (any, error) {
		logger.Info("workflow log", zap.Any("message", args["message"]))
		return args["message"], nil
	}, tool.Metadata{Description: "Log a message and pass it through"})

	registry.Register("sleep", func(ctx context.Context, args map[string]any) (any, error) {
		ms, _ := args["ms"].(int)
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return ms, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, tool.Metadata{Description: "Sleep for the given number of milliseconds"})

	registry.Register("env", func(_ context.Context, args map[string]any) (any, error) {
		name, _ := args["name"].(string)
		return os.Getenv(name), nil
	}, tool.Metadata{Description: "Read an environment variable"})

	return tool.NewExecutor(registry, nil, logger)
}

func printVersion() {
	fmt.Printf("iterflow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`iterflow - iterative task orchestration and workflow engine

Usage:
  iterflow <command> [options]

Commands:
  run       Execute a workflow definition
  validate  Validate a workflow definition without running it
  version   Show version information
  help      Show this help message

Options for 'run':
  --config <path>     Path to configuration file (YAML)
  --set key=value     Bind an initial context value (repeatable)

Examples:
  iterflow validate deploy.yaml
  iterflow run deploy.yaml --set environment=staging
  iterflow run --config /etc/iterflow/config.yaml nightly.yaml`)
}
