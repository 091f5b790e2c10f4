// Command agent-mail runs the coordination server for autonomous coding
// agents: identities, threaded messaging, and advisory file reservations,
// archived in per-project Git repositories and indexed in SQLite.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/agent-mail/internal/config"
	"github.com/Dicklesworthstone/agent-mail/internal/guard"
	"github.com/Dicklesworthstone/agent-mail/internal/runtime"
	"github.com/Dicklesworthstone/agent-mail/internal/server"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitUsage   = 2
)

func main() {
	root := &cobra.Command{
		Use:           "agent-mail",
		Short:         "Coordination fabric for autonomous coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), guardCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "agent-mail:", err)
		os.Exit(exitRuntime)
	}
}

func serveCmd() *cobra.Command {
	var transport string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the protocol server (stdio or http)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if transport != "stdio" && transport != "http" {
				fmt.Fprintf(os.Stderr, "agent-mail: unknown transport %q (want stdio or http)\n", transport)
				os.Exit(exitUsage)
			}
			return serve(transport)
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "stdio", "transport: stdio or http")
	return cmd
}

func serve(transport string) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "agent-mail:", err)
		os.Exit(exitUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	rt.Start(ctx)
	dispatcher := server.NewDispatcher(rt)

	var serveErr error
	switch transport {
	case "http":
		httpSrv := server.NewHTTPServer(dispatcher, cfg)
		log.Info("serving", "addr", httpSrv.String(), "tools", len(dispatcher.ToolNames()))
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()
		serveErr = httpSrv.ListenAndServe()
	default:
		log.Info("serving on stdio", "tools", len(dispatcher.ToolNames()))
		serveErr = dispatcher.ServeStdio(ctx, os.Stdin, os.Stdout)
	}

	// Shutdown discipline: the runtime drains the archive queue and flushes
	// every pending commit before the process exits.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if serveErr != nil && serveErr != context.Canceled {
		return serveErr
	}
	return nil
}

func guardCmd() *cobra.Command {
	var opts guard.Options
	var mode string
	cmd := &cobra.Command{
		Use:   "guard",
		Short: "Pre-commit reservation guard (invoked by the Git hook)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Mode = guard.Mode(mode)
			log := slog.New(slog.NewTextHandler(os.Stderr, nil))
			report, err := guard.Run(cmd.Context(), opts, log)
			if err != nil {
				return err
			}
			if err := guard.PrintReport(report); err != nil {
				return err
			}
			if !report.Allowed {
				os.Exit(exitRuntime)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.RepoPath, "repo", ".", "working tree being committed")
	cmd.Flags().StringVar(&opts.StorageRoot, "storage-root", "", "archive storage root")
	cmd.Flags().StringVar(&opts.DBPath, "db", "", "SQLite index path (cross-check)")
	cmd.Flags().StringVar(&opts.ProjectSlug, "project", "", "project slug")
	cmd.Flags().StringVar(&opts.AgentName, "agent", "", "committing agent")
	cmd.Flags().StringVar(&mode, "mode", "enforce", "enforce or advisory")
	_ = cmd.MarkFlagRequired("storage-root")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}
