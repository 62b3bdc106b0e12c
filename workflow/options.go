package workflow

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dshills/stepflow/workflow/emit"
)

// DefaultPollInterval bounds how long an idle run waits for input before it
// rechecks cancellation.
const DefaultPollInterval = 50 * time.Millisecond

// Options configures a run. The zero value is valid: no checkpointing, no
// emitter, no limits.
type Options struct {
	// RunID names the run. Generated when empty; taken from the checkpoint on
	// Resume when empty.
	RunID string `json:"run_id" validate:"omitempty,max=128,printascii"`

	// MaxSupersteps ends the run with MAX_SUPERSTEPS_EXCEEDED after this many
	// supersteps. 0 means no limit.
	MaxSupersteps int `json:"max_supersteps" validate:"gte=0"`

	// MaxConcurrency bounds how many executors run at once within a superstep.
	// 0 means no limit.
	MaxConcurrency int `json:"max_concurrency" validate:"gte=0"`

	// PollInterval bounds how long an idle run sleeps between cancellation
	// checks. 0 selects DefaultPollInterval.
	PollInterval time.Duration `json:"poll_interval" validate:"gte=0"`

	// ExecutorTimeout bounds each handler invocation. 0 means no timeout.
	ExecutorTimeout time.Duration `json:"executor_timeout" validate:"gte=0"`

	// CheckpointManager enables checkpoint capture at the end of every
	// superstep.
	CheckpointManager CheckpointManager `json:"-" validate:"-"`

	// Emitter receives a flattened copy of every event.
	Emitter emit.Emitter `json:"-" validate:"-"`

	// Metrics records Prometheus metrics for the run.
	Metrics *PrometheusMetrics `json:"-" validate:"-"`
}

// Option configures Options.
//
//	run, err := workflow.Start(ctx, wf, input,
//	    workflow.WithCheckpointManager(workflow.NewInMemoryCheckpointManager()),
//	    workflow.WithEmitter(emit.NewLogEmitter(os.Stderr, false)),
//	    workflow.WithMaxSupersteps(100),
//	)
type Option func(*Options) error

// WithRunID sets the run id.
func WithRunID(id string) Option {
	return func(o *Options) error {
		o.RunID = id
		return nil
	}
}

// WithCheckpointManager enables checkpointing through m.
func WithCheckpointManager(m CheckpointManager) Option {
	return func(o *Options) error {
		if m == nil {
			return fmt.Errorf("checkpoint manager must not be nil")
		}
		o.CheckpointManager = m
		return nil
	}
}

// WithEmitter sends every event to e. Use emit.NewMultiEmitter for several
// sinks.
func WithEmitter(e emit.Emitter) Option {
	return func(o *Options) error {
		o.Emitter = e
		return nil
	}
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(o *Options) error {
		o.Metrics = m
		return nil
	}
}

// WithMaxSupersteps limits the number of supersteps. Use it to bound cyclic
// graphs whose exit condition may never hold.
func WithMaxSupersteps(n int) Option {
	return func(o *Options) error {
		o.MaxSupersteps = n
		return nil
	}
}

// WithMaxConcurrency bounds concurrent executor invocations per superstep.
func WithMaxConcurrency(n int) Option {
	return func(o *Options) error {
		o.MaxConcurrency = n
		return nil
	}
}

// WithPollInterval sets how often an idle run rechecks cancellation.
func WithPollInterval(d time.Duration) Option {
	return func(o *Options) error {
		o.PollInterval = d
		return nil
	}
}

// WithExecutorTimeout bounds each handler invocation.
func WithExecutorTimeout(d time.Duration) Option {
	return func(o *Options) error {
		o.ExecutorTimeout = d
		return nil
	}
}

// WithOptions applies a complete Options value. Later options override it.
func WithOptions(opts Options) Option {
	return func(o *Options) error {
		*o = opts
		return nil
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks option ranges.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return &EngineError{Message: formatValidation(err), Code: "INVALID_OPTIONS", Cause: err}
	}
	return nil
}

func formatValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s must satisfy %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func buildOptions(opts []Option) (Options, error) {
	var o Options
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&o); err != nil {
			return Options{}, err
		}
	}
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	if o.PollInterval == 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Emitter == nil {
		o.Emitter = emit.NewNullEmitter()
	}
	return o, nil
}
