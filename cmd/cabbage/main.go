// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/olivere/cabbage"
	"github.com/olivere/cabbage/config"
	_ "github.com/olivere/cabbage/tasks/demo"
	"github.com/olivere/cabbage/ui/server"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds what all subcommands share.
type app struct {
	configPath string
	cfg        *config.Config
	logger     log.Logger
	logCloser  io.Closer
	m          *cabbage.Manager
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "cabbage",
		Short:         "cabbage task queue",
		Long:          "cabbage runs workers of a distributed task queue and submits tasks to it.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to config file (default: ./cabbage.yaml)")

	root.AddCommand(
		newWorkerCommand(a),
		newCallCommand(a),
		newStatsCommand(a),
		newDeadCommand(a),
		newRequeueCommand(a),
		newRevokeCommand(a),
		newTasksCommand(a),
		newUICommand(a),
	)
	return root
}

func (a *app) open() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	logger, closer, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	m, err := cfg.NewManager(logger)
	if err != nil {
		closer.Close()
		return err
	}
	a.cfg, a.logger, a.logCloser, a.m = cfg, logger, closer, m
	return nil
}

func (a *app) close() error {
	if a.m != nil {
		a.m.Broker().Close()
		a.m.Backend().Close()
	}
	if a.logCloser != nil {
		return a.logCloser.Close()
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newWorkerCommand(a *app) *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run workers until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.m.Start(); err != nil {
				return err
			}
			level.Info(a.logger).Log("msg", "worker started", "queues", fmt.Sprint(a.m.Queues()), "tasks", fmt.Sprint(a.m.Registry().Names()))

			c := make(chan os.Signal, 1)
			signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
			level.Info(a.logger).Log("signal", fmt.Sprint(<-c))
			return a.m.CloseWithTimeout(shutdownTimeout)
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "time to wait for running tasks (negative waits forever)")
	return cmd
}

func newCallCommand(a *app) *cobra.Command {
	var (
		wait  time.Duration
		queue string
	)
	cmd := &cobra.Command{
		Use:   "call TASK [ARG...]",
		Short: "Submit a task; arguments are JSON values",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskArgs := make([]interface{}, 0, len(args)-1)
			for _, s := range args[1:] {
				var v interface{}
				if err := (cabbage.JSONCodec{}).Unmarshal([]byte(s), &v); err != nil {
					// Not JSON: pass it as a string
					taskArgs = append(taskArgs, s)
					continue
				}
				v, err := (cabbage.JSONCodec{}).DecodeValue(v)
				if err != nil {
					return err
				}
				taskArgs = append(taskArgs, v)
			}
			sig := cabbage.NewSignature(args[0], taskArgs...)
			if queue != "" {
				sig.OnQueue(queue)
			}
			res, err := a.m.Apply(context.Background(), sig)
			if err != nil {
				return err
			}
			if wait <= 0 {
				fmt.Println(res.ID())
				return nil
			}
			v, err := res.Get(wait)
			if err != nil {
				return errors.Wrapf(err, "task %s", res.ID())
			}
			return printJSON(v)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait for the result (0 prints the task ID and returns)")
	cmd.Flags().StringVar(&queue, "queue", "", "queue to publish to (default: queue of the task)")
	return cmd
}

func newStatsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.m.Stats()
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}

func newDeadCommand(a *app) *cobra.Command {
	var queue string
	cmd := &cobra.Command{
		Use:   "dead",
		Short: "List messages in the dead queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := a.m.Broker().DeadLetters(context.Background(), queue)
			if err != nil {
				return err
			}
			for _, msg := range msgs {
				fmt.Printf("%s\t%s\n", msg.ID, msg.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&queue, "queue", cabbage.DefaultQueue, "queue")
	return cmd
}

func newRequeueCommand(a *app) *cobra.Command {
	var queue string
	cmd := &cobra.Command{
		Use:   "requeue ID...",
		Short: "Move messages from the dead queue back into the input queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				ok, err := a.m.Broker().Requeue(context.Background(), queue, id)
				if err != nil {
					return err
				}
				if !ok {
					return errors.Errorf("no dead message %s in queue %s", id, queue)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&queue, "queue", cabbage.DefaultQueue, "queue")
	return cmd
}

func newRevokeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke ID...",
		Short: "Revoke invocations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				if err := a.m.Revoke(context.Background(), id); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newTasksCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List registered tasks and available modules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(map[string][]string{
				"tasks":   a.m.Registry().Names(),
				"modules": cabbage.Modules(),
			})
		},
	}
}

func newUICommand(a *app) *cobra.Command {
	var (
		addr   string
		public string
	)
	cmd := &cobra.Command{
		Use:   "ui",
		Short: "Serve statistics and events over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			errc := make(chan error, 1)

			go func() {
				level.Info(a.logger).Log("msg", "web server started", "addr", addr)
				s := server.New(a.logger, a.m, public)
				errc <- s.Serve(addr)
			}()

			go func() {
				c := make(chan os.Signal, 1)
				signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
				level.Info(a.logger).Log("signal", fmt.Sprint(<-c))
				errc <- nil
			}()

			return <-errc
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:12345", "HTTP bind address")
	cmd.Flags().StringVar(&public, "public", "", "directory with static files")
	return cmd
}
