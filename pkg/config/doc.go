// Package config loads the engine configuration from a YAML file over
// built-in defaults and validates it. All tunables named in the
// deployment docs live here; packages receive their slice of the
// configuration at construction time rather than reading files
// themselves.
package config
