package main

import (
	"fmt"
	"os"
	"path/filepath"

	"pipelined.dev/rpinfer/config"
)

// prepareOutputs creates output directories. Previous contents are
// removed if clean is set.
func prepareOutputs(o config.Output) error {
	for _, dir := range uniqueDirs(o.RawDir, o.ResultDir) {
		if o.Clean {
			if err := cleanDir(dir); err != nil {
				return err
			}
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	return nil
}

func uniqueDirs(dirs ...string) []string {
	out := make([]string, 0, len(dirs))
	seen := make(map[string]bool, len(dirs))
	for _, d := range dirs {
		d = filepath.Clean(d)
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

// cleanDir removes every entry of the directory. Missing directory is
// not an error.
func cleanDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("clean output dir: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("clean output dir: %w", err)
		}
	}
	return nil
}
