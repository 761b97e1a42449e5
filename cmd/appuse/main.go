package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/m4xw311/appuse/action"
	"github.com/m4xw311/appuse/agent"
	"github.com/m4xw311/appuse/agent/terminal"
	"github.com/m4xw311/appuse/config"
	"github.com/m4xw311/appuse/driver"
	"github.com/m4xw311/appuse/errors"
	"github.com/m4xw311/appuse/llm"
	"github.com/m4xw311/appuse/logging"
	"github.com/m4xw311/appuse/negotiate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// Exit codes. Anything not listed exits with 1.
const (
	exitMaxSteps    = 2
	exitMaxFailures = 3
	exitConfig      = 78
	exitCancelled   = 130
)

type options struct {
	configPath   string
	llm          string
	model        string
	plannerLLM   string
	plannerModel string
	method       string
	maxSteps     int
	historyOut   string
	metricsAddr  string
	noTerminal   bool
	noVision     bool
	saveConvPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "appuse [flags] task...",
		Short: "Drive a mobile app with a language model",
		Long: `appuse connects a language model to a mobile automation driver and
works on the task until the model reports it done.

Press Enter to pause or resume, q to quit. The first Ctrl+C pauses,
a second one exits.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := run(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), strings.Join(args, " "), opts)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "Config file (defaults to ~/.appuse/config.yaml and ./.appuse/config.yaml)")
	f.StringVar(&opts.llm, "llm", "", "Model vendor: openai, anthropic, gemini or bedrock")
	f.StringVarP(&opts.model, "model", "m", "", "Model name")
	f.StringVar(&opts.plannerLLM, "planner-llm", "", "Vendor of the optional planner model")
	f.StringVar(&opts.plannerModel, "planner-model", "", "Planner model name")
	f.StringVar(&opts.method, "tool-calling-method", "", "auto, function_calling, tools, json_mode or raw")
	f.IntVar(&opts.maxSteps, "max-steps", 0, "Step budget (defaults to the configured max_steps)")
	f.StringVar(&opts.historyOut, "history-out", "", "Write the run history as JSON to this file")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	f.BoolVar(&opts.noTerminal, "no-terminal", false, "Do not read pause/quit commands from stdin")
	f.BoolVar(&opts.noVision, "no-vision", false, "Do not send screenshots to the model")
	f.StringVar(&opts.saveConvPath, "save-conversation", "", "Write every model request to <path>_<step>.txt")
	return cmd
}

func loadConfig(opts *options) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return nil, err
	}

	if opts.llm != "" {
		cfg.LLMClient = opts.llm
	}
	if opts.model != "" {
		cfg.Model = opts.model
	}
	if opts.plannerLLM != "" {
		cfg.PlannerLLMClient = opts.plannerLLM
	}
	if opts.plannerModel != "" {
		cfg.PlannerModel = opts.plannerModel
	}
	if opts.method != "" {
		cfg.ToolCallingMethod = opts.method
	}
	if opts.noVision {
		cfg.Agent.UseVision = false
	}
	if opts.saveConvPath != "" {
		cfg.Agent.SaveConversationPath = opts.saveConvPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.LLMClient == "" {
		return nil, errors.Mark(errors.ErrConfiguration, errors.New("no llm configured, set llm in the config or pass --llm"))
	}
	return cfg, nil
}

func run(ctx context.Context, stdout, stderr io.Writer, task string, opts *options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log, stderr)
	slog.SetDefault(logger)

	method, err := llm.ParseMethod(cfg.ToolCallingMethod)
	if err != nil {
		return err
	}
	transport, err := llm.New(ctx, cfg.LLMClient, cfg.Model)
	if err != nil {
		return errors.Wrapf(err, "error initializing %s client", cfg.LLMClient)
	}
	var planner llm.Transport
	if cfg.PlannerLLMClient != "" {
		planner, err = llm.New(ctx, cfg.PlannerLLMClient, cfg.PlannerModel)
		if err != nil {
			return errors.Wrapf(err, "error initializing %s planner client", cfg.PlannerLLMClient)
		}
	}

	if opts.metricsAddr != "" {
		stop := serveMetrics(opts.metricsAddr, logger)
		defer stop()
	}

	drv, err := driver.Start(ctx, cfg.Driver, logger)
	if err != nil {
		return err
	}
	registry := action.NewRegistry(cfg.SensitiveData)
	if err := action.RegisterBuiltins(registry); err != nil {
		drv.Close()
		return err
	}
	if err := drv.RegisterActions(registry); err != nil {
		drv.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := agent.New(task, transport, registry, drv, agent.Options{
		Settings:          cfg.Agent,
		ToolCallingMethod: method,
		SensitiveData:     cfg.SensitiveData,
		Planner:           planner,
		Negotiator: negotiate.New(
			negotiate.WithConcurrency(cfg.Agent.ProbeConcurrency),
			negotiate.WithLogger(logger),
		),
		Logger: logger,
	})
	if err != nil {
		drv.Close()
		return err
	}

	if !opts.noTerminal {
		detach := terminal.New(a).WithIO(os.Stdin, stdout).Attach(ctx, cancel)
		defer detach()
	}

	out, runErr := a.Run(ctx, opts.maxSteps)
	if opts.historyOut != "" {
		if err := out.History.Save(opts.historyOut); err != nil {
			logger.Error("could not save history", "path", opts.historyOut, "error", err)
		}
	}
	printOutcome(stdout, out)
	return runErr
}

func printOutcome(w io.Writer, out *agent.Outcome) {
	switch out.Reason {
	case agent.ReasonDone:
		status := "successfully"
		if !out.History.IsSuccessful() {
			status = "without success"
		}
		fmt.Fprintf(w, "Task finished %s after %d steps.\n%s\n", status, out.History.Len(), out.Message)
	default:
		fmt.Fprintf(w, "Run ended (%s) after %d steps: %s\n", out.Reason, out.History.Len(), out.Message)
	}
}

func serveMetrics(addr string, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errors.ErrMaxStepsExceeded):
		return exitMaxSteps
	case errors.Is(err, errors.ErrMaxFailures):
		return exitMaxFailures
	case errors.Is(err, errors.ErrCancelled):
		return exitCancelled
	case errors.Is(err, errors.ErrConfiguration):
		return exitConfig
	default:
		return 1
	}
}
