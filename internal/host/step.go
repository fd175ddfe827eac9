package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Step executes fn at most once per logical call site. If a checkpoint
// exists for this call, its stored result is returned without running fn.
// Otherwise fn runs and its JSON-encoded result is checkpointed on success.
// Errors are not checkpointed, so a failed step runs again on the next
// invocation.
//
// This is a package-level generic function because Go does not allow
// generic methods.
func Step[T any](hc *Context, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	return runStep(hc.ctx, hc, hc.nextKey(name), fn)
}

// Parallel runs fns concurrently and returns their results in the order
// of fns, whatever order they finish in. Each function is checkpointed on
// its own, so a retried group re-runs only the members that failed; the
// whole group is checkpointed once every member succeeded. The first error
// cancels the others.
func Parallel[T any](hc *Context, name string, fns []func(ctx context.Context) (T, error)) ([]T, error) {
	groupKey := "parallel:" + hc.nextKey(name)

	data, found, err := hc.store.GetCheckpoint(hc.ctx, hc.runID, groupKey)
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %q: %w", groupKey, err)
	}
	if found {
		var results []T
		if err := json.Unmarshal(data, &results); err != nil {
			return nil, fmt.Errorf("decode checkpoint %q: %w", groupKey, err)
		}
		hc.logger.Debug("returning checkpointed parallel group", slog.String("group", groupKey))
		return results, nil
	}

	results := make([]T, len(fns))
	g, gctx := errgroup.WithContext(hc.ctx)
	for i, fn := range fns {
		key := fmt.Sprintf("%s/%d", groupKey, i)
		g.Go(func() error {
			out, err := runStep(gctx, hc, key, fn)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("parallel %q: %w", name, err)
	}

	if err := saveResult(hc.ctx, hc, groupKey, results); err != nil {
		return nil, err
	}
	return results, nil
}

func runStep[T any](ctx context.Context, hc *Context, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	data, found, err := hc.store.GetCheckpoint(ctx, hc.runID, key)
	if err != nil {
		return zero, fmt.Errorf("get checkpoint %q: %w", key, err)
	}
	if found {
		var out T
		if err := json.Unmarshal(data, &out); err != nil {
			return zero, fmt.Errorf("decode checkpoint %q: %w", key, err)
		}
		hc.logger.Debug("returning checkpointed result", slog.String("step", key))
		return out, nil
	}

	ctx, span := hc.tracer.Start(ctx, "host.step", trace.WithAttributes(
		attribute.String("loanflow.run_id", hc.runID),
		attribute.String("loanflow.step", key),
		attribute.Int("loanflow.attempt", hc.attempt),
	))
	defer span.End()

	out, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, fmt.Errorf("step %q: %w", key, err)
	}

	if err := saveResult(ctx, hc, key, out); err != nil {
		return zero, err
	}
	return out, nil
}

func saveResult(ctx context.Context, hc *Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode checkpoint %q: %w", key, err)
	}
	if err := hc.store.SaveCheckpoint(ctx, hc.runID, key, data); err != nil {
		return fmt.Errorf("save checkpoint %q: %w", key, err)
	}
	return nil
}
