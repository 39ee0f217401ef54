package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/brinklane/revtun/internal/config"
	"github.com/brinklane/revtun/internal/logger"
	"github.com/brinklane/revtun/internal/observability"
	"github.com/brinklane/revtun/internal/runtime"
)

// fileConfig is the shape of an optional YAML config file (--config). Only
// fields left unset on the command line are overridden by it, so flags
// always win over the file and the file always wins over built-in
// defaults.
type fileConfig struct {
	Orchestrator string `yaml:"orchestrator"`
	ID           string `yaml:"id"`
	Verbose      bool   `yaml:"verbose"`
	MaxInFlight  int    `yaml:"max_in_flight"`
	ReconnectMin string `yaml:"reconnect_min"`
	ReconnectMax string `yaml:"reconnect_max"`
	Trace        bool   `yaml:"trace"`
	TraceExport  string `yaml:"trace_exporter"`
	TraceEndpoint string `yaml:"trace_endpoint"`
}

// options holds everything a run of the agent needs: where the
// orchestrator lives, how this agent identifies itself, and the knobs the
// spec leaves implementation-defined (per-tunnel backpressure, reconnect
// backoff bounds, tracing).
type options struct {
	orchestratorAddr string
	agentID          string
	verbose          bool
	configPath       string

	maxInFlight  int
	reconnectMin time.Duration
	reconnectMax time.Duration

	tracing observability.TracingConfig

	logger *slog.Logger
}

func NewCommand(globals *runtime.Options) *cobra.Command {
	opts := &options{
		agentID:      config.GetStringEnv("REVTUN_AGENT_ID", uuid.NewString()),
		maxInFlight:  256 * 1024,
		reconnectMin: 2 * time.Second,
		reconnectMax: 30 * time.Second,
	}

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Dial out to an orchestrator and expose reverse TCP tunnels",
		RunE: func(cmd *cobra.Command, args []string) error {
			if globals.Logger() == nil {
				if err := globals.SetupLogger(); err != nil {
					return err
				}
			}
			if err := opts.loadConfigFile(cmd); err != nil {
				return err
			}
			if err := opts.validate(); err != nil {
				return err
			}
			if opts.verbose {
				globals.LogLevel = "debug"
				if err := globals.SetupLogger(); err != nil {
					return err
				}
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, traceID, spanID := logger.WithTraceAndSpan(ctx)

			opts.logger = globals.Wrapped().WithContext(ctx).With(
				"component", "agent",
				"agent_id", opts.agentID,
			)
			opts.logger.Debug("session trace context established", "trace_id", traceID, "span_id", spanID)

			shutdownTracing, err := observability.InitTracing(ctx, opts.tracing)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer shutdownTracing(ctx)

			return opts.run(ctx)
		},
	}

	cmd.Flags().StringVar(&opts.orchestratorAddr, "orchestrator", config.GetStringEnv("REVTUN_ORCHESTRATOR", ""), "orchestrator control address (host:port)")
	cmd.Flags().StringVar(&opts.agentID, "id", opts.agentID, "agent identity advertised in REGISTER")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", config.GetBoolEnv("REVTUN_VERBOSE", false), "enable debug-level logging")
	cmd.Flags().StringVar(&opts.configPath, "config", "", "optional YAML config file")
	cmd.Flags().IntVar(&opts.maxInFlight, "max-inflight", opts.maxInFlight, "maximum unwritten bytes buffered per tunnel (0 disables)")
	cmd.Flags().DurationVar(&opts.reconnectMin, "reconnect-min", opts.reconnectMin, "minimum reconnect backoff")
	cmd.Flags().DurationVar(&opts.reconnectMax, "reconnect-max", opts.reconnectMax, "maximum reconnect backoff")
	cmd.Flags().BoolVar(&opts.tracing.Enabled, "trace", config.GetBoolEnv("REVTUN_TRACE", false), "export spans for CONNECT dispatch and dial")
	cmd.Flags().StringVar(&opts.tracing.Exporter, "trace-exporter", config.GetStringEnv("REVTUN_TRACE_EXPORTER", "stdout"), "trace exporter: stdout, otlp-grpc, otlp-http")
	cmd.Flags().StringVar(&opts.tracing.Endpoint, "trace-endpoint", config.GetStringEnv("REVTUN_TRACE_ENDPOINT", ""), "collector endpoint for otlp exporters")

	return cmd
}

// loadConfigFile applies a YAML file's settings for any flag the caller
// did not explicitly set, per the precedence in spec.md §6 (added):
// flags > config file > environment > built-in defaults.
func (o *options) loadConfigFile(cmd *cobra.Command) error {
	if o.configPath == "" {
		return nil
	}
	var fc fileConfig
	if err := config.LoadYAML(o.configPath, &fc); err != nil {
		return err
	}

	if !cmd.Flags().Changed("orchestrator") && fc.Orchestrator != "" {
		o.orchestratorAddr = fc.Orchestrator
	}
	if !cmd.Flags().Changed("id") && fc.ID != "" {
		o.agentID = fc.ID
	}
	if !cmd.Flags().Changed("verbose") && fc.Verbose {
		o.verbose = fc.Verbose
	}
	if !cmd.Flags().Changed("max-inflight") && fc.MaxInFlight != 0 {
		o.maxInFlight = fc.MaxInFlight
	}
	if !cmd.Flags().Changed("reconnect-min") && fc.ReconnectMin != "" {
		d, err := time.ParseDuration(fc.ReconnectMin)
		if err != nil {
			return fmt.Errorf("config: reconnect_min: %w", err)
		}
		o.reconnectMin = d
	}
	if !cmd.Flags().Changed("reconnect-max") && fc.ReconnectMax != "" {
		d, err := time.ParseDuration(fc.ReconnectMax)
		if err != nil {
			return fmt.Errorf("config: reconnect_max: %w", err)
		}
		o.reconnectMax = d
	}
	if !cmd.Flags().Changed("trace") && fc.Trace {
		o.tracing.Enabled = fc.Trace
	}
	if !cmd.Flags().Changed("trace-exporter") && fc.TraceExport != "" {
		o.tracing.Exporter = fc.TraceExport
	}
	if !cmd.Flags().Changed("trace-endpoint") && fc.TraceEndpoint != "" {
		o.tracing.Endpoint = fc.TraceEndpoint
	}
	return nil
}

func (o *options) validate() error {
	if o.orchestratorAddr == "" {
		return errors.New("--orchestrator is required")
	}
	if _, _, err := net.SplitHostPort(o.orchestratorAddr); err != nil {
		return fmt.Errorf("invalid --orchestrator address: %w", err)
	}
	if o.agentID == "" {
		return errors.New("--id must not be empty")
	}
	if o.maxInFlight != 0 && o.maxInFlight < outboundReadSize {
		return fmt.Errorf("--max-inflight must be 0 (disabled) or at least %d", outboundReadSize)
	}
	if o.reconnectMin <= 0 {
		o.reconnectMin = 2 * time.Second
	}
	if o.reconnectMax < o.reconnectMin {
		o.reconnectMax = o.reconnectMin
	}
	if o.tracing.ServiceName == "" {
		o.tracing.ServiceName = "revtun-agent"
	}
	return nil
}
