package types

import "strings"

// OutputSpec selects one value from a completed pipeline result.
// A bare Name copies result[Name] verbatim. A Path walks nested maps and
// lists and stores the value under As.
type OutputSpec struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	As   string `json:"as,omitempty" yaml:"as,omitempty"`
}

// IsPath returns true for {path, as} specs.
func (o OutputSpec) IsPath() bool {
	return o.Path != ""
}

// Key returns the name the extracted value is stored under.
// A path spec without an alias uses the last path segment.
func (o OutputSpec) Key() string {
	if !o.IsPath() {
		return o.Name
	}
	if o.As != "" {
		return o.As
	}
	if i := strings.LastIndex(o.Path, "."); i >= 0 {
		return o.Path[i+1:]
	}
	return o.Path
}

// String renders the spec the way it appears in definitions.
func (o OutputSpec) String() string {
	if !o.IsPath() {
		return o.Name
	}
	return o.Path + " as " + o.Key()
}
