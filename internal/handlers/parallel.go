package handlers

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/spf13/cast"
	"golang.org/x/sync/errgroup"

	perrors "github.com/meow-stack/pipenest/internal/errors"
	"github.com/meow-stack/pipenest/internal/scope"
	"github.com/meow-stack/pipenest/internal/types"
)

// Parallel runs config.branches concurrently. Each branch is a nested
// pipeline step without a type (name plus pipeline or pipeline_file,
// inputs, outputs, config). The result maps branch name to branch result.
//
// Branches share the run's step budget and trace. The first failure
// cancels the remaining branches.
type Parallel struct {
	Nested NestedInvoker
}

// Execute runs the branches.
func (p *Parallel) Execute(ctx context.Context, step *types.StepSpec, ectx *scope.ExecutionContext) (any, error) {
	branches, err := decodeBranches(step)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	if raw, ok := step.Get("max_concurrency"); ok {
		if n := cast.ToInt(raw); n > 0 {
			g.SetLimit(n)
		}
	}

	var mu sync.Mutex
	results := make(map[string]any, len(branches))

	for _, branch := range branches {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = perrors.Panic(r).WithDetail("branch", branch.Name)
				}
			}()

			out, err := p.Nested.InvokeNested(gctx, branch, ectx)
			if err != nil {
				return fmt.Errorf("branch %s: %w", branch.Name, err)
			}

			mu.Lock()
			results[branch.Name] = out
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// decodeBranches turns config.branches into synthetic pipeline steps.
func decodeBranches(step *types.StepSpec) ([]*types.StepSpec, error) {
	raw, ok := step.Get("branches")
	if !ok {
		return nil, perrors.ConfigMissingField("branches").WithDetail("step", step.Name)
	}
	list, err := cast.ToSliceE(raw)
	if err != nil || len(list) == 0 {
		return nil, perrors.ConfigInvalidValue("branches", raw, "must be a non-empty list").
			WithDetail("step", step.Name)
	}

	seen := make(map[string]bool, len(list))
	branches := make([]*types.StepSpec, 0, len(list))
	for i, item := range list {
		m, err := cast.ToStringMapE(item)
		if err != nil {
			return nil, perrors.ConfigInvalidValue(branchField(i, "name"), item, "branch must be a mapping")
		}
		name := cast.ToString(m["name"])
		if name == "" {
			return nil, perrors.ConfigMissingField(branchField(i, "name")).WithDetail("step", step.Name)
		}
		if seen[name] {
			return nil, perrors.ConfigInvalidValue(branchField(i, "name"), name, "duplicate branch name")
		}
		seen[name] = true

		cfg := maps.Clone(m)
		delete(cfg, "name")
		delete(cfg, "type")
		branches = append(branches, &types.StepSpec{
			Name:   name,
			Type:   types.StepTypePipeline,
			Config: cfg,
		})
	}
	return branches, nil
}
