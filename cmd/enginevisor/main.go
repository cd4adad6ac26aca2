package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root := buildRoot(os.Stdout)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command; out receives command results.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{global: globalFlags, out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)

	workflows := createWorkflowsCommand()
	workflows.AddCommand(
		createWorkflowsListCommand(c),
		createWorkflowsRunCommand(c),
	)

	root.AddCommand(
		createServeCommand(c, &ServeFlags{}),
		createStartCommand(c),
		createRestartCommand(c),
		createStatusCommand(c, &StatusFlags{}),
		createStopCommand(c),
		workflows,
		createExecutionsCommand(c, &ExecutionsFlags{}),
		createLogsCommand(c, &LogsFlags{}),
		createInitCommand(c, &InitFlags{}),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "enginevisor",
		Short: "Start, supervise and drive an n8n workflow engine",
		Long: `Enginevisor brings an n8n engine up by trying a list of start methods in
order, verifies it over HTTP and relays workflow operations to it.

Commands act on the local engine using the config file, or on a running
enginevisor daemon when --api-url is given.

Examples:
  enginevisor start                    # Start in the foreground
  enginevisor serve --autostart        # Run the control API daemon
  enginevisor status --api-url=http://remote:8787/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (e.g. http://host:8787/api)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout for daemon calls other than start and restart")
	root.PersistentFlags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate for an https daemon")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification of the daemon")
	root.PersistentFlags().StringVar(&flags.Token, "token", os.Getenv("ENGINEVISOR_TOKEN"), "bearer token for the daemon (default $ENGINEVISOR_TOKEN)")
	return root
}

func createServeCommand(c command, flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API daemon",
		Long: `Serve the control API so other tools can start, inspect and stop the engine.
The owned engine is stopped when the daemon exits.

Examples:
  enginevisor serve
  enginevisor serve --autostart --listen=0.0.0.0:8787
  enginevisor serve --daemonize --pidfile=/run/enginevisor.pid --logfile=/var/log/enginevisor.log`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.Daemonize {
				pid, err := daemonize(os.Args[1:], flags.PidFile, flags.LogFile)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "daemon started with PID %d\n", pid)
				return nil
			}
			defer func() { _ = removePidFile(flags.PidFile) }()
			return c.Serve(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "listen address, overrides server.listen")
	cmd.Flags().BoolVar(&flags.AutoStart, "autostart", false, "start the engine as soon as the daemon is up")
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "daemon PID file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "daemon output file when daemonized")
	return cmd
}

func createStartCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the engine",
		Long: `Start the engine through the configured start methods, stopping at the first
one that reports ready and answers health checks. Locally an attached engine
runs in the foreground until interrupted.

Examples:
  enginevisor start
  enginevisor start --config=./enginevisor.toml
  enginevisor start --api-url=http://127.0.0.1:8787/api`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context())
		},
	}
}

func createRestartCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop the engine and start it again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restart(cmd.Context())
		},
	}
}

func createStatusCommand(c command, flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Probe the engine health endpoints",
		Long: `Probe the engine health endpoints once and report which one answered.

Examples:
  enginevisor status
  enginevisor status --check   # exit non-zero when the engine is unreachable`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Check, "check", false, "fail when the engine is unreachable")
	return cmd
}

func createStopCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the engine",
		Long: `Stop the engine started by enginevisor, found through the daemon or the PID
file in the data directory. An engine started by other means is left alone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context())
		},
	}
}

func createWorkflowsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "Workflow commands",
	}
}

func createWorkflowsListCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows with their last execution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ListWorkflows(cmd.Context())
		},
	}
}

func createWorkflowsRunCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Execute a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Execute(cmd.Context(), args[0])
		},
	}
}

func createExecutionsCommand(c command, flags *ExecutionsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "Show recent executions",
		Long: `Show recent executions across workflows, or the history of one workflow.

Examples:
  enginevisor executions
  enginevisor executions --workflow=42 --limit=50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Executions(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.WorkflowID, "workflow", "", "workflow id")
	cmd.Flags().IntVar(&flags.Limit, "limit", 10, "history size, with --workflow")
	return cmd
}

func createLogsCommand(c command, flags *LogsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the tail of the engine log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logs(cmd.Context(), *flags)
		},
	}
	cmd.Flags().IntVarP(&flags.Lines, "lines", "n", 100, "number of lines")
	return cmd
}
