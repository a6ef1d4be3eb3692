// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// The lockstress command drives the syncs and blocking packages under
// contention: overlapping multi-lock acquisition, a multi-stage pipeline
// of queues and a connected-queue wait loop. It verifies every item is
// delivered exactly once and exits non-zero otherwise.
//
// Flags may also be set with LOCKSTRESS_-prefixed environment variables,
// for example LOCKSTRESS_ITERATIONS=1000.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tailscale/interthread/envknob"
	"github.com/tailscale/interthread/syncs"
	"github.com/tailscale/interthread/types/logger"
)

type config struct {
	Iterations int // multi-lock iterations per goroutine
	Writers    int
	Readers    int
	Items      int // items written per writer
	Wait       time.Duration
}

func main() {
	fs := flag.NewFlagSet("lockstress", flag.ContinueOnError)
	var (
		iterations  = fs.Int("iterations", 10000, "multi-lock iterations per goroutine")
		writers     = fs.Int("writers", 4, "pipeline writer goroutines")
		readers     = fs.Int("readers", 4, "pipeline reader goroutines")
		items       = fs.Int("items", 10000, "items written by each pipeline writer")
		wait        = fs.Duration("wait", 30*time.Second, "longest a scenario may go without progress before it fails")
		metricsAddr = fs.String("metrics-addr", "", "if non-empty, serve Prometheus metrics at http://ADDR/metrics while running")
		envFile     = fs.String("env-file", "", "file of KEY=VALUE knob settings (INTERTHREAD_*) applied before starting")
		verbose     = fs.Bool("verbose", false, "log every diagnosed lock acquisition")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("LOCKSTRESS")); err != nil {
		log.Fatalf("ff.Parse: %v", err)
	}

	level := zap.InfoLevel
	if *verbose {
		level = zap.DebugLevel
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	zl := zap.Must(zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "console",
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig:    encoderCfg,
	}.Build()).Sugar()
	defer zl.Sync()

	if *envFile != "" {
		if err := envknob.ApplyFile(*envFile); err != nil {
			zl.Fatal(err.Error())
		}
	}
	logf := logger.RateLimitedFn(logger.FromZap(zl), time.Second, 20, 100)
	envknob.LogCurrent(logf)
	syncs.SetTrace(*verbose)

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{
			Addr:     *metricsAddr,
			Handler:  mux,
			ErrorLog: logger.StdLogger(logger.WithPrefix(logf, "metrics: ")),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logf("metrics server: %v", err)
			}
		}()
		zl.Infof("serving metrics on http://%s/metrics", *metricsAddr)
	}

	cfg := config{
		Iterations: *iterations,
		Writers:    *writers,
		Readers:    *readers,
		Items:      *items,
		Wait:       *wait,
	}
	if err := run(cfg, logf, os.Stdout); err != nil {
		zl.Fatal(err.Error())
	}
}

func (c config) validate() error {
	switch {
	case c.Iterations < 1:
		return fmt.Errorf("iterations must be positive, got %d", c.Iterations)
	case c.Writers < 1 || c.Readers < 1:
		return fmt.Errorf("need at least one writer and one reader, got %d and %d", c.Writers, c.Readers)
	case c.Items < 1:
		return fmt.Errorf("items must be positive, got %d", c.Items)
	case c.Wait <= 0:
		return fmt.Errorf("wait must be positive, got %v", c.Wait)
	}
	return nil
}
