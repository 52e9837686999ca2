// Package exponent is the demo payload: each job raises an integer to the
// power configured when the worker process started and logs its progress to
// a sink file named after the job.
package exponent

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/mattjoyce/procpool/internal/builder"
	"github.com/mattjoyce/procpool/internal/errdefs"
	"github.com/mattjoyce/procpool/internal/job"
	"github.com/mattjoyce/procpool/internal/logchan"
)

// Name is the builder name registered by Register.
const Name = "exponent"

const DefaultPower = 2

// Tag is the correlation tag every record of an exponent job carries.
var Tag = logchan.TagFilter{Key: "logger_id", Value: "POWER"}

// Register adds the exponent builder to reg.
func Register(reg *builder.Registry) {
	reg.Register(Name, func() builder.Builder { return New() })
}

// Exponential computes value**power. Power is set once per worker process
// by Init.
type Exponential struct {
	power int
}

func New() *Exponential {
	return &Exponential{power: DefaultPower}
}

// Power returns the configured exponent.
func (e *Exponential) Power() int { return e.power }

// InitParams builds the initializer arguments for a pool.
func InitParams(sinkDir string, power int) job.Params {
	return TaggedInitParams(sinkDir, power, Tag)
}

// TaggedInitParams is InitParams with a custom correlation tag.
func TaggedInitParams(sinkDir string, power int, tag logchan.TagFilter) job.Params {
	return job.Params{Kwargs: map[string]any{
		"sink_dir":  sinkDir,
		"power":     power,
		"tag_key":   tag.Key,
		"tag_value": tag.Value,
	}}
}

// Work returns a job computing value**power, identified by value.
func Work(value int64) job.WorkItem {
	return job.WorkItem{
		ID:     strconv.FormatInt(value, 10),
		Kwargs: map[string]any{"value": value},
	}
}

// Init configures the process's log channels to write one file per job into
// sink_dir and records the power.
func (e *Exponential) Init(_ context.Context, p *builder.Process, call job.Call) error {
	var dir string
	found, err := call.Lookup("sink_dir", 0, &dir)
	if err != nil {
		return errdefs.Configf("%v", err)
	}
	if !found || dir == "" {
		return errdefs.Configf("sink_dir is required")
	}

	power := DefaultPower
	if _, err := call.Lookup("power", 1, &power); err != nil {
		return errdefs.Configf("power must be an integer: %v", err)
	}
	if power < 0 {
		return errdefs.Configf("power must not be negative, got %d", power)
	}

	tag := Tag
	if _, err := call.Lookup("tag_key", -1, &tag.Key); err != nil {
		return errdefs.Configf("tag_key: %v", err)
	}
	if _, err := call.Lookup("tag_value", -1, &tag.Value); err != nil {
		return errdefs.Configf("tag_value: %v", err)
	}
	if tag.Key == "" {
		return errdefs.Configf("tag_key must not be empty")
	}

	factory, err := logchan.NewFileHandlerFactory(dir, tag)
	if err != nil {
		return err
	}
	p.Logs.Configure(p.Backend, factory)
	e.power = power

	p.Logger.Debug("exponent initialized", "sink_dir", dir, "power", power, "tag", tag.Key+"="+tag.Value)
	return nil
}

// Run computes value**power inside the job's log scope.
func (e *Exponential) Run(ctx context.Context, p *builder.Process, call job.Call) (any, error) {
	var value int64
	found, err := call.Lookup("value", 0, &value)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("missing argument: value")
	}

	identity := call.ID
	if identity == "" {
		identity = strconv.FormatInt(value, 10)
	}

	var out string
	err = p.Logs.Do(ctx, identity, func(ctx context.Context, s *logchan.Scope) error {
		logger := s.Logger()
		logger.InfoContext(ctx, "start", "pid", p.PID)

		out = Calculate(value, e.power)
		logger.InfoContext(ctx, out)

		logger.InfoContext(ctx, "end")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Calculate formats "<value>**<power> = <answer>" with exact integer
// arithmetic.
func Calculate(value int64, power int) string {
	ans := new(big.Int).Exp(big.NewInt(value), big.NewInt(int64(power)), nil)
	return fmt.Sprintf("%d**%d = %s", value, power, ans)
}
