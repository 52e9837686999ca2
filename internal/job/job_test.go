package job

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkItemEncodeSnapshots(t *testing.T) {
	kwargs := map[string]any{"value": 3}
	item := WorkItem{ID: "3", Args: []any{"a", 1}, Kwargs: kwargs}

	args, kw, err := item.Encode()
	require.NoError(t, err)

	kwargs["value"] = 99

	assert.JSONEq(t, `"a"`, string(args[0]))
	assert.JSONEq(t, `1`, string(args[1]))
	assert.JSONEq(t, `3`, string(kw["value"]))
}

func TestEncodeRejectsUnmarshalable(t *testing.T) {
	_, _, err := WorkItem{Args: []any{make(chan int)}}.Encode()
	assert.Error(t, err)

	_, _, err = Params{Kwargs: map[string]any{"": 1}}.Encode()
	assert.Error(t, err)
}

func TestCallLookup(t *testing.T) {
	c := Call{
		Args:   []json.RawMessage{json.RawMessage(`"/tmp/logs"`), json.RawMessage(`3`)},
		Kwargs: map[string]json.RawMessage{"power": json.RawMessage(`4`)},
	}

	var power int
	ok, err := c.Lookup("power", 1, &power)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4, power, "keyword wins over positional")

	var dir string
	ok, err = c.Lookup("sink_dir", 0, &dir)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "/tmp/logs", dir)

	var missing int
	ok, err = c.Lookup("value", 5, &missing)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, c.Arg(2, &missing))
	assert.Error(t, c.Kwarg("nope", &missing))

	var wrong int
	assert.Error(t, c.Arg(0, &wrong))
}
