// Package logchan scopes a log sink to exactly one job's execution window
// inside a worker process.
//
// A Backend fans slog records out to a dynamic set of sinks, each addressable
// by a HandlerID and guarded by TagFilters. A HandlerFactory creates one sink
// per job identity and installs it on the Backend. The per-process Registry
// hands out Scopes: a Scope owns one installed handler for the duration of a
// job and removes it on release, whatever the outcome of the job body.
//
// Records are routed by correlation tags carried on the context:
//
//	err := reg.Do(ctx, "42", func(ctx context.Context, s *logchan.Scope) error {
//		s.Logger().InfoContext(ctx, "start")
//		return nil
//	})
//
// A record that lacks the tag a sink filters on never reaches that sink.
package logchan
