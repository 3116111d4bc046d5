//go:build windows

package store

import "os"

// lockFile is a no-op on Windows; the in-process mutex still serializes
// writers of one store instance.
func lockFile(_ *os.File, _ bool) error { return nil }
func unlockFile(_ *os.File) error       { return nil }
