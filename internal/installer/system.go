// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package installer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	xglog "github.com/ManuGH/pkgd/internal/log"
	"github.com/ManuGH/pkgd/internal/procgroup"
)

// ErrRPMDB reports an unreadable installed-package database.
var ErrRPMDB = errors.New("cannot read the rpm database")

// LoadSystem implements repo.SystemLoader by querying the installed-package
// database once, which fails when the database is missing or locked.
func (r *RPM) LoadSystem(ctx context.Context) error {
	args := []string{"-qa", "--qf", "%{NAME}\n"}
	if r.opts.Root != "" && r.opts.Root != "/" {
		args = append(args, "--root", r.opts.Root)
	}

	var stdout, stderr bytes.Buffer
	// #nosec G204 -- rpm path comes from operator configuration
	cmd := exec.Command(r.opts.RPMPath, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := procgroup.Run(ctx, cmd, r.grace); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %w: %s", ErrRPMDB, err, msg)
		}
		return fmt.Errorf("%w: %w", ErrRPMDB, err)
	}

	xglog.WithContext(ctx, r.logger).Debug().
		Int("installed", bytes.Count(stdout.Bytes(), []byte{'\n'})).
		Str(xglog.FieldEvent, "installer.system_loaded").
		Msg("system repository loaded")
	return nil
}
