// Command codebox runs the code-generation agent from the terminal or as an
// HTTP service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sravan-iaisolution/codebox/agentloop"
	"github.com/sravan-iaisolution/codebox/httpapi"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("Error: ")+err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "codebox",
		Short:         "Generate and iterate on web apps inside sandboxes with an LLM agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml, json or toml)")

	root.AddCommand(
		newRunCmd(&configPath),
		newResumeCmd(&configPath),
		newMessagesCmd(&configPath),
		newServeCmd(&configPath),
	)
	return root
}

func newRunCmd(configPath *string) *cobra.Command {
	var projectID string
	var verbose bool
	cmd := &cobra.Command{
		Use:   "run --project <id> <instruction...>",
		Short: "Record a message and run the agent on it in the foreground",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			return streamRun(cmd, verbose, func(events *agentloop.EventEmitter) (*agentloop.RunResult, error) {
				return a.service.RunSync(ctx, projectID, strings.Join(args, " "), agentloop.RunOptions{Events: events})
			})
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "project ID")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "stream tool output and model text")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newResumeCmd(configPath *string) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "resume <runId>",
		Short: "Resume a journaled run, replaying the steps it already completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			return streamRun(cmd, verbose, func(events *agentloop.EventEmitter) (*agentloop.RunResult, error) {
				return a.service.Resume(ctx, args[0], agentloop.RunOptions{Events: events})
			})
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "stream tool output and model text")
	return cmd
}

// streamRun renders events while run executes, then prints the result.
func streamRun(cmd *cobra.Command, verbose bool, run func(*agentloop.EventEmitter) (*agentloop.RunResult, error)) error {
	out := cmd.OutOrStdout()
	events := agentloop.NewEventEmitter("", 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events.Events() {
			renderEvent(out, ev, verbose)
		}
	}()

	res, err := run(events)
	events.Close()
	<-done
	if err != nil {
		return err
	}
	renderResult(out, res)
	return nil
}

func newMessagesCmd(configPath *string) *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "messages --project <id>",
		Short: "List a project's messages and fragments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			messages, err := a.service.Messages(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			renderMessages(cmd.OutOrStdout(), messages)
			return nil
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "project ID")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newServeCmd(configPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run queued messages, resuming pending runs first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			logger := a.log.Logger

			a.service.Start(ctx)
			defer a.service.Close()
			if n, err := a.service.ResumePending(ctx); err != nil {
				logger.Error("resume pending runs", "resumed", n, "error", err)
			} else if n > 0 {
				logger.Info("resumed pending runs", "count", n)
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           httpapi.New(a.service, a.registry, logger).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("http server listening", "addr", addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
