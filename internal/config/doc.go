// Package config defines the settings document of the hub and its loading
// pipeline: YAML parsing, ${VAR}/$VAR environment expansion over the
// string-valued upstream fields (see ExpandUpstream), defaulting, and
// validation.
//
// The Store hands out two views of the live snapshot: Raw for
// security-relevant checks and ForUser for catalog scoping. The distinction
// is deliberate; see Store.
package config
