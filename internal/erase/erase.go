// Package erase overwrites and removes files so their contents cannot be
// recovered by ordinary filesystem inspection.
package erase

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"southwinds.dev/coffer/internal/misc"
)

// ErrEraseFailure is wrapped around every failure to overwrite or remove a file
var ErrEraseFailure = errors.New("secure erase failed")

const chunkSize = 64 * 1024

// Erase overwrites the full extent of the regular file at path with fresh random
// bytes, syncing after every pass, then unlinks it and syncs the parent directory.
// A missing file is not an error. Fewer than the default number of passes is
// raised to the default.
func Erase(path string, passes int) error {
	if passes < misc.ErasePasses {
		passes = misc.ErasePasses
	}

	info, err := os.Lstat(path)
	if err != nil {
		if misc.IsNotFoundError(err) {
			return nil
		}
		return fmt.Errorf("%w: stat %s: %v", ErrEraseFailure, path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrEraseFailure, path)
	}

	if err = overwrite(path, info.Size(), passes); err != nil {
		return err
	}

	if err = os.Remove(path); err != nil {
		if misc.IsNotFoundError(err) {
			return nil
		}
		return fmt.Errorf("%w: remove %s: %v", ErrEraseFailure, path, err)
	}

	if err = syncDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("%w: sync directory: %v", ErrEraseFailure, err)
	}
	return nil
}

func overwrite(path string, size int64, passes int) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrEraseFailure, path, err)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	for pass := 0; pass < passes; pass++ {
		if _, err = f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("%w: seek pass %d: %v", ErrEraseFailure, pass+1, err)
		}

		remaining := size
		for remaining > 0 {
			n := int64(len(buf))
			if remaining < n {
				n = remaining
			}
			if _, err = rand.Read(buf[:n]); err != nil {
				return fmt.Errorf("%w: random source: %v", ErrEraseFailure, err)
			}
			if _, err = f.Write(buf[:n]); err != nil {
				return fmt.Errorf("%w: write pass %d: %v", ErrEraseFailure, pass+1, err)
			}
			remaining -= n
		}

		if err = f.Sync(); err != nil {
			return fmt.Errorf("%w: sync pass %d: %v", ErrEraseFailure, pass+1, err)
		}
	}

	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
