package pool

import (
	"context"

	"github.com/mattjoyce/procpool/internal/tracker"
)

//go:generate mockgen -destination=mocks/mock_recorder.go -package=mocks github.com/mattjoyce/procpool/internal/pool Recorder

// Recorder persists settled jobs. RecordJob is called once per handle, after
// it reached a terminal state, from a pool goroutine.
type Recorder interface {
	RecordJob(ctx context.Context, builder string, h *tracker.Handle) error
}
