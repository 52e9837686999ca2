package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/procpool/internal/job"
	"github.com/mattjoyce/procpool/internal/tracker"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), filepath.Join(t.TempDir(), "procpool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func succeeded(t *testing.T, id, jobID string, result string) *tracker.Handle {
	t.Helper()
	h := tracker.NewHandle(id, jobID)
	require.True(t, h.Start(4242))
	require.True(t, h.Succeed(json.RawMessage(result), []job.Sink{
		{Path: "/tmp/logs/" + jobID + ".log", Records: 3, Digest: "blake3:abc"},
	}))
	return h
}

func TestRecordAndList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := openTestLedger(t)

	ok := succeeded(t, "h1", "3", `"3**2 = 9"`)
	require.NoError(t, l.RecordJob(ctx, "exponent", ok))

	bad := tracker.NewHandle("h2", "4")
	require.True(t, bad.Start(4243))
	require.True(t, bad.Fail(errors.New("boom"), nil))
	require.NoError(t, l.RecordJob(ctx, "exponent", bad))

	runs, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, runs, 2)

	byID := map[string]Run{}
	for _, r := range runs {
		byID[r.HandleID] = r
	}

	r := byID["h1"]
	assert.Equal(t, "3", r.JobID)
	assert.Equal(t, "exponent", r.Builder)
	assert.Equal(t, tracker.StatusSucceeded, r.Status)
	assert.Equal(t, 4242, r.WorkerPID)
	assert.JSONEq(t, `"3**2 = 9"`, string(r.Result))
	assert.Nil(t, r.LastError)
	require.Len(t, r.Sinks, 1)
	assert.EqualValues(t, 3, r.Sinks[0].Records)
	assert.Equal(t, "blake3:abc", r.Sinks[0].Digest)
	require.NotNil(t, r.StartedAt)
	assert.GreaterOrEqual(t, r.Duration(), time.Duration(0))

	r = byID["h2"]
	assert.Equal(t, tracker.StatusFailed, r.Status)
	assert.Nil(t, r.Result)
	require.NotNil(t, r.LastError)
	assert.Equal(t, "boom", *r.LastError)
	assert.Empty(t, r.Sinks)
}

func TestRecordCancelledNeverStarted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := openTestLedger(t)

	h := tracker.NewHandle("h1", "7")
	require.True(t, h.Cancel())
	require.NoError(t, l.RecordJob(ctx, "exponent", h))

	runs, err := l.List(ctx, Filter{Status: tracker.StatusCancelled})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Zero(t, runs[0].WorkerPID)
	assert.Nil(t, runs[0].StartedAt)
	assert.Zero(t, runs[0].Duration())
}

func TestRecordRejectsNonTerminal(t *testing.T) {
	t.Parallel()
	l := openTestLedger(t)

	h := tracker.NewHandle("h1", "1")
	err := l.RecordJob(context.Background(), "exponent", h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not terminal")
}

func TestRecordReplacesSameHandle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := openTestLedger(t)

	h := succeeded(t, "h1", "1", `"1**2 = 1"`)
	require.NoError(t, l.RecordJob(ctx, "exponent", h))
	require.NoError(t, l.RecordJob(ctx, "exponent", h))

	runs, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestListFilterAndLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := openTestLedger(t)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, l.RecordJob(ctx, "exponent", succeeded(t, "h-"+id, id, `"ok"`)))
	}
	require.NoError(t, l.RecordJob(ctx, "exponent", succeeded(t, "h-a2", "a", `"ok"`)))

	runs, err := l.List(ctx, Filter{JobID: "a"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = l.List(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.False(t, runs[0].CompletedAt.Before(runs[1].CompletedAt))

	runs, err = l.List(ctx, Filter{Status: tracker.StatusFailed})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "procpool.db")
	l, err := Open(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	require.NoError(t, l.RecordJob(ctx, "exponent", succeeded(t, "fresh", "1", `"ok"`)))
	require.NoError(t, l.RecordJob(ctx, "exponent", succeeded(t, "old", "2", `"ok"`)))

	old := time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339Nano)
	_, err = l.db.ExecContext(ctx, `UPDATE job_runs SET completed_at = ? WHERE handle_id = 'old';`, old)
	require.NoError(t, err)

	n, err := l.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = l.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	runs, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "fresh", runs[0].HandleID)
}

func TestNewWrapsExistingDB(t *testing.T) {
	t.Parallel()
	l := openTestLedger(t)

	var db *sql.DB = l.db
	other := New(db)
	runs, err := other.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}
