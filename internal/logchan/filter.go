package logchan

import (
	"context"
	"log/slog"
	"maps"
)

// Tags are the correlation tags attached to a record.
type Tags map[string]string

type tagsKey struct{}

// WithTags returns a context whose log records carry the given key/value
// pairs in addition to any tags already on ctx. A trailing key without a
// value is ignored.
func WithTags(ctx context.Context, kv ...string) context.Context {
	merged := make(Tags, len(kv)/2)
	maps.Copy(merged, TagsFrom(ctx))
	for i := 0; i+1 < len(kv); i += 2 {
		merged[kv[i]] = kv[i+1]
	}
	return context.WithValue(ctx, tagsKey{}, merged)
}

// TagsFrom returns the tags carried by ctx. The result must not be modified.
func TagsFrom(ctx context.Context) Tags {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(tagsKey{}).(Tags)
	return t
}

// Entry is one record as seen by the sinks.
type Entry struct {
	Record slog.Record
	Tags   Tags
}

// TagFilter accepts an entry iff the entry carries tag Key with exactly
// Value. It is a plain comparable value.
type TagFilter struct {
	Key   string
	Value string
}

// Accept reports whether e passes the filter. A missing key is a mismatch.
func (f TagFilter) Accept(e Entry) bool {
	v, ok := e.Tags[f.Key]
	return ok && v == f.Value
}

func acceptAll(e Entry, filters []TagFilter) bool {
	for _, f := range filters {
		if !f.Accept(e) {
			return false
		}
	}
	return true
}
