package builder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/procpool/internal/errdefs"
	"github.com/mattjoyce/procpool/internal/job"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("b", func() Builder { return Func{} })
	r.Register("a", func() Builder { return Func{} })
	r.Register("nil", func() Builder { return nil })

	assert.True(t, r.Has("a"))
	assert.False(t, r.Has("zzz"))
	assert.Equal(t, []string{"a", "b", "nil"}, r.Names())

	b, err := r.New("a")
	require.NoError(t, err)
	assert.NotNil(t, b)

	_, err = r.New("zzz")
	assert.True(t, errdefs.IsConfig(err))

	_, err = r.New("nil")
	assert.True(t, errdefs.IsConfig(err))
}

func TestFunc(t *testing.T) {
	p := NewProcess(1, nil)
	require.NotNil(t, p.Backend)
	require.False(t, p.Logs.Configured())

	var f Func
	assert.NoError(t, f.Init(context.Background(), p, job.Call{}))
	_, err := f.Run(context.Background(), p, job.Call{})
	assert.Error(t, err)

	f.RunFunc = func(_ context.Context, _ *Process, call job.Call) (any, error) { return call.ID, nil }
	got, err := f.Run(context.Background(), p, job.Call{ID: "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", got)
}
