// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package session

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/ini.v1"
)

// AllowedConfigOverrides may be set by any caller through the "config"
// session option. Other keys need the config override action.
var AllowedConfigOverrides = map[string]bool{
	"allow_downgrade":              true,
	"allow_vendor_change":          true,
	"best":                         true,
	"clean_requirements_on_remove": true,
	"disable_excludes":             true,
	"exclude_from_weak":            true,
	"exclude_from_weak_autodetect": true,
	"excludepkgs":                  true,
	"ignorearch":                   true,
	"includepkgs":                  true,
	"installonly_limit":            true,
	"installonlypkgs":              true,
	"install_weak_deps":            true,
	"keepcache":                    true,
	"module_obsoletes":             true,
	"module_platform_id":           true,
	"module_stream_switch":         true,
	"multilib_policy":              true,
	"obsoletes":                    true,
	"optional_metadata_types":      true,
	"protect_running_kernel":       true,
	"skip_broken":                  true,
	"skip_if_unavailable":          true,
	"skip_unavailable":             true,
	"strict":                       true,
}

// Options are the session options a client passes to open_session.
type Options struct {
	Locale                string
	ReleaseVer            string
	LoadAvailableRepos    bool
	LoadSystemRepo        bool
	Config                map[string]string
	OptionalMetadataTypes []string
}

// DefaultOptions returns the options used for absent keys.
func DefaultOptions() Options {
	return Options{LoadAvailableRepos: true, LoadSystemRepo: true}
}

// ParseOptions reads the wire options map. Unknown keys are ignored; a known
// key with a value of the wrong type is an ErrInvalidArgs error.
func ParseOptions(raw map[string]any) (Options, error) {
	opts := DefaultOptions()
	var err error
	for key, v := range raw {
		switch key {
		case "locale":
			opts.Locale, err = asString(key, v)
		case "releasever":
			opts.ReleaseVer, err = asString(key, v)
		case "load_available_repos":
			opts.LoadAvailableRepos, err = asBool(key, v)
		case "load_system_repo":
			opts.LoadSystemRepo, err = asBool(key, v)
		case "config":
			opts.Config, err = asStringMap(key, v)
		case "optional_metadata_types":
			opts.OptionalMetadataTypes, err = asStrings(key, v)
		}
		if err != nil {
			return Options{}, err
		}
	}
	return opts, nil
}

// RestrictedOverrides returns the config keys that are not in
// AllowedConfigOverrides, sorted.
func (o Options) RestrictedOverrides() []string {
	var out []string
	for key := range o.Config {
		if !AllowedConfigOverrides[key] {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// BoolOverride reads a boolean config override.
func (o Options) BoolOverride(key string) (value, ok bool) {
	raw, present := o.Config[key]
	if !present {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "yes", "true", "on":
		return true, true
	case "0", "no", "false", "off":
		return false, true
	}
	return false, false
}

// resolverConfig is what the resolver sees of the session config.
func (o Options) resolverConfig() map[string]string {
	if len(o.Config) == 0 && len(o.OptionalMetadataTypes) == 0 && o.Locale == "" {
		return nil
	}
	out := maps.Clone(o.Config)
	if out == nil {
		out = make(map[string]string)
	}
	if len(o.OptionalMetadataTypes) > 0 {
		out["optional_metadata_types"] = strings.Join(o.OptionalMetadataTypes, ",")
	}
	if o.Locale != "" {
		out["locale"] = o.Locale
	}
	return out
}

func asString(key string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidArgs, key, v)
	}
	return s, nil
}

func asBool(key string, v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a boolean, got %T", ErrInvalidArgs, key, v)
	}
	return b, nil
}

func asStrings(key string, v any) ([]string, error) {
	s, ok := v.([]string)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a string array, got %T", ErrInvalidArgs, key, v)
	}
	return s, nil
}

func asStringMap(key string, v any) (map[string]string, error) {
	m, ok := v.(map[string]string)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a string map, got %T", ErrInvalidArgs, key, v)
	}
	return m, nil
}

// DetectReleaseVer reads VERSION_ID from os-release under root.
func DetectReleaseVer(root string) string {
	if root == "" {
		root = "/"
	}
	for _, p := range []string{"etc/os-release", "usr/lib/os-release"} {
		path := filepath.Join(root, p)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		f, err := ini.LoadSources(ini.LoadOptions{
			IgnoreInlineComment:       true,
			KeyValueDelimiters:        "=",
			UnescapeValueDoubleQuotes: true,
		}, path)
		if err != nil {
			continue
		}
		sec := f.Section(ini.DefaultSection)
		if !sec.HasKey("VERSION_ID") {
			continue
		}
		v := strings.Trim(strings.TrimSpace(sec.Key("VERSION_ID").String()), `"'`)
		if v != "" {
			return v
		}
	}
	return ""
}
