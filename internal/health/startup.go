// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/ManuGH/pkgd/internal/config"
	"github.com/ManuGH/pkgd/internal/log"
)

// PerformStartupChecks validates the environment before the bus name is
// requested. Missing state directories are created.
func PerformStartupChecks(_ context.Context, cfg config.AppConfig) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	for _, dir := range []string{cfg.DataDir, cfg.CacheDir, filepath.Dir(cfg.HistoryDB)} {
		if err := ensureWritableDir(logger, dir); err != nil {
			return fmt.Errorf("state directory check failed: %w", err)
		}
	}
	if err := checkExecutables(logger, cfg); err != nil {
		return err
	}
	if cfg.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Listen); err != nil {
			return fmt.Errorf("invalid metrics listen address %q: %w", cfg.Metrics.Listen, err)
		}
	}

	found := 0
	for _, dir := range cfg.ReposDirs {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			found++
		}
	}
	if found == 0 {
		logger.Warn().Strs("repos_dirs", cfg.ReposDirs).Msg("no repository configuration directory exists")
	}

	logger.Info().Msg("startup checks passed")
	return nil
}

func ensureWritableDir(logger zerolog.Logger, path string) error {
	if path == "" {
		return errors.New("empty directory path")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := probeWritable(path); err != nil {
		return fmt.Errorf("directory is not writable: %s: %w", path, err)
	}
	logger.Debug().Str(log.FieldPath, path).Msg("directory is writable")
	return nil
}

func checkExecutables(logger zerolog.Logger, cfg config.AppConfig) error {
	if _, err := exec.LookPath(cfg.Installer.RPMPath); err != nil {
		return fmt.Errorf("rpm binary not found (%s): %w", cfg.Installer.RPMPath, err)
	}
	if len(cfg.Resolver.Command) == 0 {
		return errors.New("resolver command is empty")
	}
	if _, err := exec.LookPath(cfg.Resolver.Command[0]); err != nil {
		// Sessions can still serve repo and history queries without a resolver.
		logger.Warn().
			Err(err).
			Str("resolver", cfg.Resolver.Command[0]).
			Msg("resolver helper not found; resolve calls will fail")
	}
	return nil
}
