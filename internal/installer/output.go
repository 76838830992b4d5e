// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package installer

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Script types reported by ScriptError.
const (
	ScriptUnknown uint32 = iota
	ScriptPreInstall
	ScriptPostInstall
	ScriptPreUninstall
	ScriptPostUninstall
	ScriptPreTransaction
	ScriptPostTransaction
	ScriptTriggerPreInstall
	ScriptTriggerInstall
	ScriptTriggerUninstall
	ScriptTriggerPostUninstall
)

var scriptTypes = map[string]uint32{
	"prein":         ScriptPreInstall,
	"pre":           ScriptPreInstall,
	"post":          ScriptPostInstall,
	"postin":        ScriptPostInstall,
	"preun":         ScriptPreUninstall,
	"postun":        ScriptPostUninstall,
	"pretrans":      ScriptPreTransaction,
	"posttrans":     ScriptPostTransaction,
	"triggerprein":  ScriptTriggerPreInstall,
	"triggerin":     ScriptTriggerInstall,
	"triggerun":     ScriptTriggerUninstall,
	"triggerpostun": ScriptTriggerPostUninstall,
}

var scriptFailure = regexp.MustCompile(`^(?:error|warning): %(\w+)\(([^)]+)\) scriptlet failed, (?:exit status|signal) (\d+)`)

// scriptError parses an rpm scriptlet failure line.
func scriptError(line string) (nevra string, typ uint32, code uint64, ok bool) {
	m := scriptFailure.FindStringSubmatch(line)
	if m == nil {
		return "", 0, 0, false
	}
	code, err := strconv.ParseUint(m[3], 10, 64)
	if err != nil {
		return "", 0, 0, false
	}
	typ, known := scriptTypes[m[1]]
	if !known {
		typ = ScriptUnknown
	}
	return m[2], typ, code, true
}

// percent parses a "%% 42.000000" progress line.
func percent(line string) (float64, bool) {
	rest, ok := strings.CutPrefix(line, "%%")
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return min(v, 100), true
}

// lineWriter calls fn for each complete line written to it. A trailing
// partial line is delivered by Flush.
type lineWriter struct {
	mu  sync.Mutex
	buf []byte
	fn  func(string)
}

func newLineWriter(fn func(string)) *lineWriter {
	return &lineWriter{fn: fn}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf[:i]), "\r")
		w.buf = w.buf[i+1:]
		if line != "" {
			w.fn(line)
		}
	}
	return len(p), nil
}

func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if line := strings.TrimSpace(string(w.buf)); line != "" {
		w.fn(line)
	}
	w.buf = nil
}
