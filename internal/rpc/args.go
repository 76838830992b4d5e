// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rpc

import (
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/ManuGH/pkgd/internal/session"
)

// options is an a{sv} argument.
type options map[string]dbus.Variant

// plain unwraps the variants.
func (o options) plain() map[string]any {
	out := make(map[string]any, len(o))
	for k, v := range o {
		out[k] = v.Value()
	}
	return out
}

func (o options) has(key string) bool {
	_, ok := o[key]
	return ok
}

func (o options) boolean(key string, def bool) (bool, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	b, ok := v.Value().(bool)
	if !ok {
		return false, wrongType(key, "b", v)
	}
	return b, nil
}

func (o options) str(key, def string) (string, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	s, ok := v.Value().(string)
	if !ok {
		return "", wrongType(key, "s", v)
	}
	return s, nil
}

func (o options) strings(key string) ([]string, error) {
	v, ok := o[key]
	if !ok {
		return nil, nil
	}
	s, ok := v.Value().([]string)
	if !ok {
		return nil, wrongType(key, "as", v)
	}
	return s, nil
}

func (o options) uint64s(key string) ([]uint64, error) {
	v, ok := o[key]
	if !ok {
		return nil, nil
	}
	s, ok := v.Value().([]uint64)
	if !ok {
		return nil, wrongType(key, "at", v)
	}
	return s, nil
}

// integer accepts any D-Bus integer type and returns it as int64.
func (o options) integer(key string) (int64, bool, error) {
	v, ok := o[key]
	if !ok {
		return 0, false, nil
	}
	switch n := v.Value().(type) {
	case int64:
		return n, true, nil
	case uint64:
		return int64(n), true, nil
	case int32:
		return int64(n), true, nil
	case uint32:
		return int64(n), true, nil
	default:
		return 0, false, wrongType(key, "x", v)
	}
}

func wrongType(key, want string, v dbus.Variant) error {
	return fmt.Errorf("%w: option %q must be of type %s, got %s", session.ErrInvalidArgs, key, want, v.Signature())
}

// stringMap converts a string map into an a{sv} value.
func stringMap(m map[string]string) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, len(m))
	for k, v := range m {
		out[k] = dbus.MakeVariant(v)
	}
	return out
}
