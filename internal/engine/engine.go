// Package engine describes how to start a JavaScript engine worker for each
// supported backend.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Variant selects the engine backend. The set is closed.
type Variant int

const (
	// Node is the standard runtime.
	Node Variant = iota
	// CommonNode is the CommonJS runtime.
	CommonNode
	// PhantomJS is the headless browser runtime.
	PhantomJS
	// Rhino is the embedded interpreter runtime.
	Rhino
	// Trireme is the alternate Node-compatible runtime.
	Trireme
)

var variantNames = [...]string{
	Node:       "node",
	CommonNode: "commonnode",
	PhantomJS:  "phantomjs",
	Rhino:      "rhino",
	Trireme:    "trireme",
}

// Variants returns every supported variant in declaration order.
func Variants() []Variant {
	return []Variant{Node, CommonNode, PhantomJS, Rhino, Trireme}
}

func (v Variant) String() string {
	if v < 0 || int(v) >= len(variantNames) {
		return fmt.Sprintf("Variant(%d)", int(v))
	}
	return variantNames[v]
}

// ParseVariant maps a config value such as "node" to a Variant.
func ParseVariant(s string) (Variant, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, v := range Variants() {
		if variantNames[v] == name {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown engine type %q (want one of %s)", s, strings.Join(variantNames[:], ", "))
}

// MarshalText implements encoding.TextMarshaler.
func (v Variant) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Variant) UnmarshalText(b []byte) error {
	parsed, err := ParseVariant(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Environment is the caller-supplied context for launching a worker.
type Environment struct {
	// ModulePaths is the search path for extension modules.
	ModulePaths []string
	// Command overrides the executable name for the variant.
	Command string
}

// LaunchSpec is an immutable description of how to start one worker.
type LaunchSpec struct {
	Variant Variant
	Command string
	Args    []string
	Env     []string
}

// SupportsModules reports whether the variant resolves extension modules
// from Environment.ModulePaths.
func (v Variant) SupportsModules() bool {
	switch v {
	case Node, CommonNode, Trireme:
		return true
	case PhantomJS, Rhino:
		return false
	}
	return false
}

// Configure builds the launch spec for variant. It has no side effects.
func Configure(v Variant, env Environment) LaunchSpec {
	spec := LaunchSpec{Variant: v}

	switch v {
	case Node:
		spec.Command = "node"
	case CommonNode:
		spec.Command = "common-node"
	case PhantomJS:
		spec.Command = "phantomjs"
		spec.Args = []string{"--ignore-ssl-errors=true"}
	case Rhino:
		spec.Command = "rhino"
		spec.Args = []string{"-opt", "-1"}
	case Trireme:
		spec.Command = "trireme"
	}

	if env.Command != "" {
		spec.Command = env.Command
	}
	if v.SupportsModules() && len(env.ModulePaths) > 0 {
		spec.Env = []string{"NODE_PATH=" + strings.Join(env.ModulePaths, string(os.PathListSeparator))}
	}
	return spec
}

// AbsModulePaths resolves module paths relative to base.
func AbsModulePaths(base string, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		out = append(out, filepath.Clean(p))
	}
	return out
}
