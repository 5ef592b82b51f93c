// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/olivere/cabbage"
)

func main() {
	var (
		concurrency     = flag.Int("c", 5, "maximum number of workers")
		fillTime        = flag.Duration("fill-time", 500*time.Millisecond, "max fill time")
		runTime         = flag.Duration("run-time", 500*time.Millisecond, "max run time")
		logInterval     = flag.Duration("log-interval", 1*time.Second, "log interval for stats")
		interval        = flag.Duration("poll-interval", 500*time.Millisecond, "poll interval")
		numRetries      = flag.Int("num-retries", 2, "number of retries per task")
		brokerURL       = flag.String("broker", "redis://localhost:6379/0", "broker URL")
		backendURL      = flag.String("backend", "redis://localhost:6379/1", "backend URL")
		namespace       = flag.String("namespace", "cabbage_e2e", "Redis namespace")
		tasksList       = flag.String("tasks", "a,b,c", "comma-separated list of tasks")
		failureRate     = flag.Float64("failure-rate", 0.05, "failure rate [0.0,1.0]")
		canvasRate      = flag.Float64("canvas-rate", 0.2, "rate of chains and chords [0.0,1.0]")
		shutdownTimeout = flag.Duration("shutdown-timeout", -1*time.Second, "timeout to wait after shutdown")
	)
	flag.Parse()

	rand.Seed(time.Now().UnixNano())

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "t", log.DefaultTimestamp)
	logger = level.NewFilter(logger, level.AllowInfo())

	opts := cabbage.URLOptions{Namespace: *namespace}
	broker, err := cabbage.OpenBroker(*brokerURL, opts)
	if err != nil {
		fatal(logger, err)
	}
	defer broker.Close()
	backend, err := cabbage.OpenBackend(*backendURL, opts)
	if err != nil {
		fatal(logger, err)
	}
	defer backend.Close()

	var options []cabbage.ManagerOption
	options = append(options, cabbage.SetBroker(broker))
	options = append(options, cabbage.SetBackend(backend))
	options = append(options, cabbage.SetLogger(logger))
	options = append(options, cabbage.SetConcurrency(*concurrency))
	options = append(options, cabbage.SetPollInterval(*interval))
	options = append(options, cabbage.SetBackoffFunc(cabbage.ConstantBackoff(100*time.Millisecond)))
	m := cabbage.New(options...)

	tasks := strings.SplitN(*tasksList, ",", -1)
	for _, task := range tasks {
		err := m.Register(task, makeHandler(*failureRate, *runTime),
			cabbage.RetryOn(kindRandomFailure),
			cabbage.MaxRetries(*numRetries),
		)
		if err != nil {
			fatal(logger, err)
		}
	}
	err = m.Start()
	if err != nil {
		fatal(logger, err)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- enqueuer(m, tasks, *fillTime, *canvasRate)
	}()

	go statsLogger(m, *logInterval)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		level.Info(logger).Log("signal", fmt.Sprint(<-c))
		errc <- m.CloseWithTimeout(*shutdownTimeout)
	}()

	if err := <-errc; err != nil {
		fatal(logger, err)
	} else {
		level.Info(logger).Log("msg", "exiting")
	}
}

func fatal(logger log.Logger, err error) {
	level.Error(logger).Log("err", err)
	os.Exit(1)
}

// enqueuer submits single tasks, and every now and then a chain or chord
// of them.
func enqueuer(m *cabbage.Manager, tasks []string, fillTime time.Duration, canvasRate float64) error {
	ctx := context.Background()
	fillTimeNanos := fillTime.Nanoseconds()
	for {
		time.Sleep(time.Duration(rand.Int63n(fillTimeNanos)) * time.Nanosecond)
		task := tasks[rand.Intn(len(tasks))]
		sig := cabbage.NewSignature(task, rand.Int63n(100))
		if rand.Float64() < canvasRate {
			other := tasks[rand.Intn(len(tasks))]
			if rand.Intn(2) == 0 {
				sig = cabbage.Chain(sig, cabbage.NewSignature(other))
			} else {
				sig = cabbage.Chord(
					cabbage.Group(sig, cabbage.NewSignature(other, rand.Int63n(100))),
					cabbage.NewSignature(task),
				)
			}
		}
		if _, err := m.Apply(ctx, sig); err != nil {
			return err
		}
	}
}

func statsLogger(m *cabbage.Manager, d time.Duration) {
	t := time.NewTicker(d)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			ss, err := m.Stats()
			if err == nil {
				fmt.Printf("Q=%6d S=%6d R=%6d F=%6d C=%6d D=%6d IQ=%4d WQ=%4d DQ=%4d\n",
					ss.Enqueued,
					ss.Started,
					ss.Retried,
					ss.Failed,
					ss.Completed,
					ss.DeadLettered,
					ss.InputQueueSize,
					ss.WorkQueueSize,
					ss.DeadQueueSize)
			}
		}
	}
}

const kindRandomFailure = "RandomFailure"

// makeHandler returns a handler that sleeps for a random time and fails
// randomly. It returns its first argument.
func makeHandler(failureRate float64, runTime time.Duration) cabbage.Handler {
	runTimeNanos := runTime.Nanoseconds()
	return func(ctx context.Context, args ...interface{}) (interface{}, error) {
		select {
		case <-time.After(time.Duration(rand.Int63n(runTimeNanos)) * time.Nanosecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if rand.Float64() < failureRate {
			return nil, cabbage.NewError(kindRandomFailure, "handler failed")
		}
		if len(args) > 0 {
			return args[0], nil
		}
		return nil, nil
	}
}
