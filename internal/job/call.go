package job

import (
	"encoding/json"
	"fmt"
)

// Call is the worker-side view of a dispatched WorkItem (or of the init
// Params, in which case ID is empty).
type Call struct {
	ID     string
	Args   []json.RawMessage
	Kwargs map[string]json.RawMessage
}

// Arg decodes the positional argument at index i into v.
func (c Call) Arg(i int, v any) error {
	if i < 0 || i >= len(c.Args) {
		return fmt.Errorf("missing positional argument %d", i)
	}
	if err := json.Unmarshal(c.Args[i], v); err != nil {
		return fmt.Errorf("decode positional argument %d: %w", i, err)
	}
	return nil
}

// Kwarg decodes the keyword argument name into v.
func (c Call) Kwarg(name string, v any) error {
	raw, ok := c.Kwargs[name]
	if !ok {
		return fmt.Errorf("missing keyword argument %q", name)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode keyword argument %q: %w", name, err)
	}
	return nil
}

// Lookup decodes the keyword argument name, falling back to the positional
// argument pos. It returns false when neither is present.
func (c Call) Lookup(name string, pos int, v any) (bool, error) {
	if _, ok := c.Kwargs[name]; ok {
		return true, c.Kwarg(name, v)
	}
	if pos >= 0 && pos < len(c.Args) {
		return true, c.Arg(pos, v)
	}
	return false, nil
}
