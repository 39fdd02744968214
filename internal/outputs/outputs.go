// Package outputs selects and renames values from a completed pipeline
// result before they are handed back to the calling step.
package outputs

import (
	"fmt"
	"strconv"
	"strings"

	perrors "github.com/meow-stack/pipenest/internal/errors"
	"github.com/meow-stack/pipenest/internal/types"
)

// ParseSpecs converts the loose `outputs` list of a step into specs.
// Entries are either a string or a mapping with `path` and optional `as`.
func ParseSpecs(raw []any) ([]types.OutputSpec, error) {
	specs := make([]types.OutputSpec, 0, len(raw))
	for i, entry := range raw {
		switch v := entry.(type) {
		case string:
			if v == "" {
				return nil, perrors.OutputMalformed(v, fmt.Sprintf("entry %d: empty name", i))
			}
			specs = append(specs, types.OutputSpec{Name: v})
		case types.OutputSpec:
			specs = append(specs, v)
		case map[string]any:
			path, _ := v["path"].(string)
			if path == "" {
				return nil, perrors.OutputMalformed(v, fmt.Sprintf("entry %d: path is required", i))
			}
			alias, ok := v["as"]
			if ok {
				if _, isStr := alias.(string); !isStr {
					return nil, perrors.OutputMalformed(v, fmt.Sprintf("entry %d: as must be a string", i))
				}
			}
			as, _ := alias.(string)
			specs = append(specs, types.OutputSpec{Path: path, As: as})
		default:
			return nil, perrors.OutputMalformed(v, fmt.Sprintf("entry %d: expected string or mapping, got %T", i, v))
		}
	}
	return specs, nil
}

// Extract builds a new map holding only the values named by specs.
// The first spec that does not resolve aborts the whole extraction with
// OutputNotFound; a partial map is never returned.
func Extract(result map[string]any, specs []types.OutputSpec) (map[string]any, error) {
	extracted := make(map[string]any, len(specs))
	for _, spec := range specs {
		if !spec.IsPath() {
			val, ok := result[spec.Name]
			if !ok {
				return nil, perrors.OutputNotFound(spec.Name).
					WithDetail("available", keys(result))
			}
			extracted[spec.Name] = val
			continue
		}

		val, ok := Walk(result, spec.Path)
		if !ok {
			return nil, perrors.OutputNotFound(spec.Path).
				WithDetail("available", keys(result))
		}
		extracted[spec.Key()] = val
	}
	return extracted, nil
}

// Walk follows a dotted path through nested maps and lists.
// A numeric segment indexes into a list.
func Walk(root any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	return WalkSegments(root, strings.Split(path, "."))
}

// WalkSegments is Walk with a pre-split path.
func WalkSegments(root any, segments []string) (any, bool) {
	cur := root
	for _, seg := range segments {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case map[string]string:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		case []string:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		case []map[string]any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
