package backend

// ABOUTME: In-memory tar packing for CopyIn paths that are not covered by
// ABOUTME: a shared mount. Sync payloads are working trees, small enough
// ABOUTME: to buffer.

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
)

// TarDirectory packs a directory into a tar stream, preserving file
// modes and symlinks. Entry names are relative to root.
func TarDirectory(root string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path) //nolint:gosec // G304: path comes from walking the copy source
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close() //nolint:errcheck,gosec // read-only file
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
