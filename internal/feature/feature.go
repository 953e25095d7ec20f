// Package feature gates behavior that differs between deployments.
package feature

// LegacyGlobalEnv selects the compatibility env-normalization layout: the
// flattened global list is stored under _global_env instead of global_env.
const LegacyGlobalEnv = "legacy-global-env"

// Flags answers whether a named flag is on.
type Flags interface {
	Enabled(name string) bool
}

// Static is a fixed flag set; absent flags are off.
type Static map[string]bool

func (s Static) Enabled(name string) bool { return s[name] }
