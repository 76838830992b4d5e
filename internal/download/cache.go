// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package download

import (
	"errors"
	"io/fs"
	"os"
)

// RemoveFetched deletes the files that results actually transferred. Files
// that were already present are left alone.
func RemoveFetched(results []Result) error {
	var errs []error
	for _, r := range results {
		if r.Reused || r.Path == "" {
			continue
		}
		if err := os.Remove(r.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
