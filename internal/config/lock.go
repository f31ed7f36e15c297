package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
)

// LockPath returns the sidecar file that Lock/Check use to record path's
// expected hash: path with a ".lock" suffix appended.
func LockPath(path string) string {
	return path + ".lock"
}

// Lock computes the BLAKE3 hash of the config file at path and writes it
// to LockPath(path), lifted from the teacher's BLAKE3 checksum workflow
// and scoped down to the one file this service reads (SPEC_FULL.md
// §4.K). A later Check call detects any unauthorized edit between
// deploys.
func Lock(path string) error {
	hash, err := hashFile(path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(LockPath(path), []byte(hash+"\n"), 0o600); err != nil {
		return fmt.Errorf("config: write lock file: %w", err)
	}
	return nil
}

// Check verifies the config file at path still matches the hash recorded
// by a prior Lock call. A missing lock file is not an error — integrity
// locking is opt-in.
func Check(path string) error {
	wantRaw, err := os.ReadFile(LockPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read lock file: %w", err)
	}
	want := trimNewline(string(wantRaw))

	got, err := hashFile(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("config: %s has changed since it was locked (expected %s, got %s)", path, want, got)
	}
	return nil
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: read %s: %w", path, err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
