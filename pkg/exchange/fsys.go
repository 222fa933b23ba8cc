// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package exchange

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Filesystem is the storage a transfer reads from and writes to. Names
// passed to Open, Create and Stat are relative to root, slash separated.
type Filesystem interface {
	// Enumerate lists regular files matching pattern under root in
	// lexicographic order of their relative path.
	Enumerate(root, pattern string, recursive bool) ([]FileRecord, error)
	Open(root, name string) (io.ReadCloser, error)
	Create(root, name string, mode uint32) (io.WriteCloser, error)
	Stat(root, name string) (FileRecord, error)
}

// OSFS is the host filesystem.
type OSFS struct{}

// Resolve joins name onto root and refuses anything that escapes root.
func Resolve(root, name string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(name))
	full := filepath.Join(root, filepath.FromSlash(clean))
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, name)
	}
	return full, nil
}

// Enumerate resolves pattern against root. A pattern naming a directory
// selects every file in it; otherwise the last element is a glob.
func (OSFS) Enumerate(root, pattern string, recursive bool) ([]FileRecord, error) {
	full, err := Resolve(root, pattern)
	if err != nil {
		return nil, err
	}

	dir, glob := full, "*"
	if info, err := os.Stat(full); err != nil || !info.IsDir() {
		dir, glob = filepath.Split(full)
	}
	if _, err := filepath.Match(glob, ""); err != nil {
		return nil, fmt.Errorf("pattern %q: %w", pattern, err)
	}

	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, nil
	}

	var records []FileRecord
	add := func(p string, d fs.DirEntry) error {
		if !d.Type().IsRegular() {
			return nil
		}
		if ok, _ := filepath.Match(glob, d.Name()); !ok {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		records = append(records, FileRecord{
			Path: filepath.ToSlash(rel),
			Size: uint64(fi.Size()),
			Mode: uint32(fi.Mode().Perm()),
		})
		return nil
	}

	if recursive {
		err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			return add(p, d)
		})
	} else {
		var entries []fs.DirEntry
		entries, err = os.ReadDir(dir)
		for _, e := range entries {
			if err != nil {
				break
			}
			err = add(filepath.Join(dir, e.Name()), e)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("enumerate %s: %w", pattern, err)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })
	return records, nil
}

func (OSFS) Open(root, name string) (io.ReadCloser, error) {
	full, err := Resolve(root, name)
	if err != nil {
		return nil, err
	}
	return os.Open(full)
}

// Create truncates or creates name, making parent directories as needed.
func (OSFS) Create(root, name string, mode uint32) (io.WriteCloser, error) {
	full, err := Resolve(root, name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, err
	}
	perm := os.FileMode(mode).Perm()
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return nil, err
	}
	// OpenFile leaves the mode of an existing file alone
	if err := f.Chmod(perm); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func (OSFS) Stat(root, name string) (FileRecord, error) {
	full, err := Resolve(root, name)
	if err != nil {
		return FileRecord{}, err
	}
	fi, err := os.Stat(full)
	if err != nil {
		return FileRecord{}, err
	}
	if !fi.Mode().IsRegular() {
		return FileRecord{}, fmt.Errorf("%s: not a regular file", name)
	}
	return FileRecord{Path: path.Clean(filepath.ToSlash(name)), Size: uint64(fi.Size()), Mode: uint32(fi.Mode().Perm())}, nil
}
