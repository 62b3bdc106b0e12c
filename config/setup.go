package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/dshills/stepflow/workflow"
	"github.com/dshills/stepflow/workflow/codec"
	"github.com/dshills/stepflow/workflow/emit"
	"github.com/dshills/stepflow/workflow/store"
)

// DefaultTracer names the tracer used when TracingConfig.Tracer is empty.
const DefaultTracer = "stepflow"

// Setup holds the resources a Config opened and the run options that use
// them. Close it when no more runs will start.
type Setup struct {
	// Options configure workflow.Start and workflow.Resume.
	Options []workflow.Option

	// Store is nil when checkpointing is disabled.
	Store store.CheckpointStore
	// Checkpoints is nil when checkpointing is disabled.
	Checkpoints workflow.CheckpointManager
	// Registry is nil unless metrics are enabled.
	Registry *prometheus.Registry
	Metrics  *workflow.PrometheusMetrics
	// History is nil unless log.history is set.
	History *emit.BufferedEmitter
	Emitter emit.Emitter

	closers []io.Closer
}

// Close releases the store and any log file.
func (s *Setup) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Open builds run options from c. Stores that need a connection are opened
// with ctx.
func (c *Config) Open(ctx context.Context) (*Setup, error) {
	s := &Setup{}
	ok := false
	defer func() {
		if !ok {
			_ = s.Close()
		}
	}()

	r := c.Run
	if r.MaxSupersteps > 0 {
		s.Options = append(s.Options, workflow.WithMaxSupersteps(r.MaxSupersteps))
	}
	if r.MaxConcurrency > 0 {
		s.Options = append(s.Options, workflow.WithMaxConcurrency(r.MaxConcurrency))
	}
	if r.PollInterval > 0 {
		s.Options = append(s.Options, workflow.WithPollInterval(r.PollInterval))
	}
	if r.ExecutorTimeout > 0 {
		s.Options = append(s.Options, workflow.WithExecutorTimeout(r.ExecutorTimeout))
	}

	if c.Checkpoint.Enabled() {
		st, err := openStore(ctx, c.Checkpoint)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, st)
		cd, err := codec.ByName(c.Checkpoint.CodecName())
		if err != nil {
			return nil, fmt.Errorf("checkpoint codec: %w", err)
		}
		s.Store = st
		s.Checkpoints = workflow.NewStoreCheckpointManager(st, cd)
		s.Options = append(s.Options, workflow.WithCheckpointManager(s.Checkpoints))
	}

	emitters, err := c.emitters(s)
	if err != nil {
		return nil, err
	}
	switch len(emitters) {
	case 0:
	case 1:
		s.Emitter = emitters[0]
	default:
		s.Emitter = emit.NewMultiEmitter(emitters...)
	}
	if s.Emitter != nil {
		s.Options = append(s.Options, workflow.WithEmitter(s.Emitter))
	}

	if c.Metrics.Enabled {
		s.Registry = prometheus.NewRegistry()
		s.Metrics = workflow.NewPrometheusMetrics(s.Registry)
		s.Options = append(s.Options, workflow.WithMetrics(s.Metrics))
	}

	ok = true
	return s, nil
}

func openStore(ctx context.Context, cc CheckpointConfig) (store.CheckpointStore, error) {
	switch cc.Store {
	case StoreMemory:
		return store.NewMemStore(), nil
	case StoreSQLite:
		return store.NewSQLiteStore(ctx, cc.DSN)
	case StoreMySQL:
		return store.NewMySQLStore(ctx, cc.DSN)
	case StorePostgres:
		return store.NewPostgresStore(ctx, cc.DSN)
	}
	return nil, fmt.Errorf("unknown checkpoint store %q", cc.Store)
}

func (c *Config) emitters(s *Setup) ([]emit.Emitter, error) {
	var out []emit.Emitter
	jsonMode := c.Log.Format == "json"
	switch c.Log.Sink {
	case "stdout":
		out = append(out, emit.NewLogEmitter(os.Stdout, jsonMode))
	case "stderr":
		out = append(out, emit.NewLogEmitter(os.Stderr, jsonMode))
	case "file":
		f, err := os.OpenFile(c.Log.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open event log: %w", err)
		}
		s.closers = append(s.closers, f)
		out = append(out, emit.NewLogEmitter(f, jsonMode))
	}
	if c.Log.History {
		s.History = emit.NewBufferedEmitter()
		out = append(out, s.History)
	}
	if c.Tracing.Enabled {
		name := c.Tracing.Tracer
		if name == "" {
			name = DefaultTracer
		}
		out = append(out, emit.NewOTelEmitter(otel.Tracer(name)))
	}
	return out, nil
}
