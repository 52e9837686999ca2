package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/procpool/internal/errdefs"
)

func track(t *testing.T, tr *Tracker, n int) []*Handle {
	t.Helper()
	out := make([]*Handle, n)
	for i := range n {
		h := NewHandle(fmt.Sprintf("h%d", i), fmt.Sprint(i))
		require.NoError(t, tr.Add(h))
		out[i] = h
	}
	return out
}

func succeed(h *Handle, v string) {
	h.Start(1)
	h.Succeed(json.RawMessage(fmt.Sprintf("%q", v)), nil)
}

func assertPartition(t *testing.T, tr *Tracker) {
	t.Helper()
	seen := map[*Handle]int{}
	for _, h := range tr.Completed() {
		seen[h]++
		assert.True(t, h.Status().Terminal())
		assert.NotEqual(t, StatusTimedOut, h.Status())
	}
	for _, h := range tr.Incomplete() {
		seen[h]++
	}
	assert.Len(t, seen, tr.Len(), "partition must cover every handle")
	for h, n := range seen {
		assert.Equal(t, 1, n, "handle %s in both sets", h.ID())
	}
}

func TestHandleTransitions(t *testing.T) {
	h := NewHandle("h", "j")
	assert.Equal(t, StatusPending, h.Status())
	assert.False(t, h.TimeOut(), "pending cannot time out")
	assert.False(t, h.Succeed(nil, nil), "pending cannot succeed")

	require.True(t, h.Start(42))
	assert.False(t, h.Start(43))
	assert.Equal(t, 42, h.WorkerPID())

	require.True(t, h.TimeOut())
	assert.False(t, h.Succeed(json.RawMessage(`1`), nil), "terminal states never change")
	assert.Equal(t, StatusTimedOut, h.Status())

	select {
	case <-h.Done():
	default:
		t.Fatal("done not closed")
	}

	_, err := h.Result()
	var execErr *errdefs.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "timed_out", execErr.State)
	assert.ErrorIs(t, err, errdefs.ErrTimedOut)
}

func TestHandleResultAndDecode(t *testing.T) {
	h := NewHandle("h", "j")
	h.Start(1)
	h.Succeed(json.RawMessage(`"2**2 = 4"`), nil)

	var s string
	require.NoError(t, h.Decode(&s))
	assert.Equal(t, "2**2 = 4", s)

	boom := errors.New("boom")
	f := NewHandle("f", "k")
	f.Fail(boom, nil)
	assert.ErrorIs(t, f.Decode(&s), boom)

	p := NewHandle("p", "l")
	_, err := p.Result()
	var execErr *errdefs.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "pending", execErr.State)

	c := NewHandle("c", "m")
	require.True(t, c.Cancel())
	assert.ErrorIs(t, c.Err(), errdefs.ErrCancelled)
}

func TestTrackerRejectsDuplicates(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Add(NewHandle("a", "1")))
	assert.ErrorIs(t, tr.Add(NewHandle("a", "2")), ErrDuplicate)
	assert.ErrorIs(t, tr.Add(NewHandle("b", "1")), ErrDuplicate)
	assert.True(t, tr.HasJob("1"))
	assert.Equal(t, 1, tr.Len())
}

func TestTrackerWaitAll(t *testing.T) {
	tr := New()
	hs := track(t, tr, 4)

	for i, h := range hs {
		go func() {
			time.Sleep(time.Duration(i) * 5 * time.Millisecond)
			succeed(h, fmt.Sprint(i))
		}()
	}

	require.NoError(t, tr.Wait(context.Background(), 0, ReturnAll))
	assert.Len(t, tr.Completed(), 4)
	assert.Empty(t, tr.Incomplete())
	assertPartition(t, tr)

	var got []string
	for _, r := range tr.Results() {
		var s string
		require.NoError(t, json.Unmarshal(r, &s))
		got = append(got, s)
	}
	assert.Equal(t, []string{"0", "1", "2", "3"}, got, "results follow tracking order")
}

func TestTrackerWaitTimeoutIsNotAnError(t *testing.T) {
	tr := New()
	hs := track(t, tr, 2)
	succeed(hs[0], "x")

	require.NoError(t, tr.Wait(context.Background(), 20*time.Millisecond, ReturnAll))
	assert.Equal(t, []*Handle{hs[0]}, tr.Completed())
	assert.Equal(t, []*Handle{hs[1]}, tr.Incomplete())
	assertPartition(t, tr)
}

func TestTrackerTimedOutIsIncomplete(t *testing.T) {
	tr := New()
	hs := track(t, tr, 2)
	succeed(hs[0], "ok")
	hs[1].Start(1)
	require.True(t, hs[1].TimeOut())

	require.NoError(t, tr.Wait(context.Background(), 0, ReturnAll))
	assert.Equal(t, []*Handle{hs[0]}, tr.Completed())
	assert.Equal(t, []*Handle{hs[1]}, tr.Incomplete())
	assert.Len(t, tr.Results(), 1)
	assertPartition(t, tr)
}

func TestTrackerWaitAny(t *testing.T) {
	tr := New()
	hs := track(t, tr, 3)

	go func() {
		time.Sleep(10 * time.Millisecond)
		succeed(hs[2], "late")
	}()

	require.NoError(t, tr.Wait(context.Background(), 5*time.Second, ReturnAny))
	assert.Contains(t, tr.Completed(), hs[2])
	assertPartition(t, tr)
}

func TestTrackerWaitFirstFailure(t *testing.T) {
	tr := New()
	hs := track(t, tr, 3)
	succeed(hs[0], "ok")

	go func() {
		time.Sleep(10 * time.Millisecond)
		hs[1].Fail(errors.New("boom"), nil)
	}()

	require.NoError(t, tr.Wait(context.Background(), 5*time.Second, ReturnFirstFailure))
	assert.Contains(t, tr.Completed(), hs[1])
	assert.Contains(t, tr.Incomplete(), hs[2])
	assertPartition(t, tr)
}

func TestTrackerWaitContextCancelled(t *testing.T) {
	tr := New()
	track(t, tr, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tr.Wait(ctx, 0, ReturnAll)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, tr.Incomplete(), 1)
}

func TestTrackerWaitEmpty(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Wait(context.Background(), 0, ReturnAny))
	assert.Empty(t, tr.Completed())
	assert.Empty(t, tr.Incomplete())
}

func TestTrackerClear(t *testing.T) {
	tr := New()
	tr.Clear()

	hs := track(t, tr, 2)
	succeed(hs[0], "a")
	succeed(hs[1], "b")
	require.NoError(t, tr.Wait(context.Background(), 0, ReturnAll))
	require.Len(t, tr.Results(), 2)

	tr.Clear()
	assert.Empty(t, tr.Results())
	assert.Empty(t, tr.Completed())
	assert.Empty(t, tr.Incomplete())
	assert.Equal(t, 0, tr.Len())
	assert.False(t, tr.HasJob("0"))
}

func TestTrackerScopeClearsOnError(t *testing.T) {
	tr := New()
	boom := errors.New("boom")

	err := tr.Scope(func(tr *Tracker) error {
		track(t, tr, 2)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, tr.Len())
}

func TestParseReturnWhen(t *testing.T) {
	for _, w := range []ReturnWhen{ReturnAll, ReturnAny, ReturnFirstFailure} {
		got, err := ParseReturnWhen(w.String())
		require.NoError(t, err)
		assert.Equal(t, w, got)
	}
	_, err := ParseReturnWhen("sometimes")
	assert.Error(t, err)
}
