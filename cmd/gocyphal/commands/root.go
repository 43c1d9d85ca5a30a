// Package commands implements the gocyphal CLI commands.
package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	cyphalmetrics "github.com/dantte-lp/gocyphal/internal/metrics"
	"github.com/dantte-lp/gocyphal/internal/presentation"
	"github.com/dantte-lp/gocyphal/internal/register"
)

// Exit codes. Usage errors are distinguished from runtime errors so that
// scripts can tell a bad invocation from a network failure.
const (
	exitOK      = 0
	exitRuntime = 1
	exitUsage   = 2
)

// errUsage marks argument and flag errors that map to exit code 2.
var errUsage = errors.New("unusable arguments")

var (
	// registerFile is the optional YAML register file; environment
	// variables overlay it either way.
	registerFile string

	// outputFormat controls the output format for all commands.
	outputFormat string

	// verbose enables debug logging.
	verbose bool

	// metricsAddr, when set, serves the Prometheus stack metrics over HTTP
	// for the lifetime of the command.
	metricsAddr string
)

// rootCmd is the top-level cobra command for gocyphal.
var rootCmd = &cobra.Command{
	Use:   "gocyphal",
	Short: "Cyphal/UAVCAN v1.0 protocol stack CLI",
	Long: "gocyphal publishes and subscribes to subjects, invokes services and inspects\n" +
		"transports. The transport is configured through the standard registers,\n" +
		"read from --register-file and from UAVCAN__* environment variables.",
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&registerFile, "register-file", "",
		"YAML register file (overlaid by UAVCAN__* environment variables)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", formatYAML,
		"output format: yaml, json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable debug logging")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "",
		"serve Prometheus metrics on this address (e.g. :9100); disabled when empty")
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", errUsage, err)
	})

	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(subscribeCmd())
	rootCmd.AddCommand(callCmd())
	rootCmd.AddCommand(pickNodeIDCmd())
	rootCmd.AddCommand(showTransportCmd())
	rootCmd.AddCommand(dsdlGeneratePackagesCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and maps errors to exit codes: 0 on
// success, 2 on unusable arguments, 1 on runtime errors.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, errUsage) {
			return exitUsage
		}
		return exitRuntime
	}
	return exitOK
}

// buildStack constructs the registry, the register-configured transport and
// the presentation controller. The caller closes the controller.
func buildStack() (*presentation.Presentation, *register.Registry, error) {
	reg := register.NewRegistry()
	if registerFile != "" {
		if err := register.ApplyFile(reg, registerFile); err != nil {
			return nil, nil, err
		}
	}
	tr, err := register.MakeTransport(reg, slog.Default())
	if err != nil {
		if errors.Is(err, register.ErrNoTransportsConfigured) {
			return nil, nil, fmt.Errorf(
				"%w (set uavcan.loopback or a transport iface register)", err)
		}
		return nil, nil, err
	}

	var opts []presentation.Option
	if metricsAddr != "" {
		promReg := prometheus.NewRegistry()
		opts = append(opts, presentation.WithMetrics(cyphalmetrics.NewCollector(promReg)))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				slog.Default().Error("metrics endpoint failed",
					slog.String("addr", metricsAddr),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
	return presentation.New(tr, opts...), reg, nil
}

// exactArgs wraps cobra's argument count check into a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return fmt.Errorf("%w: expected %d argument(s), got %d", errUsage, n, len(args))
		}
		return nil
	}
}

// rangeArgs wraps cobra's argument range check into a usage error.
func rangeArgs(lo, hi int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < lo || len(args) > hi {
			return fmt.Errorf("%w: expected %d to %d arguments, got %d", errUsage, lo, hi, len(args))
		}
		return nil
	}
}
