package syncer

// ABOUTME: Differential local mirror: copies only files whose size or
// ABOUTME: mtime changed, deletes extras unless the mapping is protected.

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// mirrorResult lists what a mirror pass touched, as slash-separated paths
// relative to the mapping root.
type mirrorResult struct {
	changed []string
	deleted []string
}

// mirrorTree mirrors src onto dst. With protect=true no deletions happen;
// otherwise files and directories present at dst but absent from src are
// removed. Excluded paths are neither copied nor deleted. An empty src
// means nothing to mirror.
func mirrorTree(src, dst string, exclude []string, protect bool) (mirrorResult, error) {
	var result mirrorResult
	if src == "" {
		return result, nil
	}
	if _, err := os.Stat(src); err != nil {
		return result, fmt.Errorf("source %s: %w", src, err)
	}
	if err := os.MkdirAll(dst, 0750); err != nil {
		return result, fmt.Errorf("create destination %s: %w", dst, err)
	}

	err := filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == src {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if excluded(rel, exclude) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0750)
		}

		same, err := upToDate(path, target)
		if err != nil {
			return err
		}
		if same {
			return nil
		}
		if err := copyFile(path, target); err != nil {
			return fmt.Errorf("copy %s: %w", rel, err)
		}
		result.changed = append(result.changed, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return result, err
	}

	if !protect {
		deleted, err := deleteExtras(src, dst, exclude)
		if err != nil {
			return result, err
		}
		result.deleted = deleted
	}

	sort.Strings(result.changed)
	sort.Strings(result.deleted)
	return result, nil
}

// upToDate reports whether target already matches source by size and
// modification time. Mirrored files keep the source mtime, so an
// unchanged file compares equal on the next pass.
func upToDate(source, target string) (bool, error) {
	srcInfo, err := os.Lstat(source)
	if err != nil {
		return false, err
	}
	dstInfo, err := os.Lstat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	if srcInfo.Mode()&os.ModeSymlink != 0 {
		if dstInfo.Mode()&os.ModeSymlink == 0 {
			return false, nil
		}
		srcLink, _ := os.Readlink(source)
		dstLink, _ := os.Readlink(target)
		return srcLink == dstLink, nil
	}

	return srcInfo.Size() == dstInfo.Size() && srcInfo.ModTime().Equal(dstInfo.ModTime()), nil
}

func copyFile(source, target string) error {
	info, err := os.Lstat(source)
	if err != nil {
		return err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		link, err := os.Readlink(source)
		if err != nil {
			return err
		}
		_ = os.Remove(target)
		return os.Symlink(link, target)
	}

	in, err := os.Open(source) //nolint:gosec // G304: path comes from walking the mapping source
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck // read-only file

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm()) //nolint:gosec // G304: target within destination root
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	// Preserve the source mtime so the next pass sees this file as
	// unchanged.
	return os.Chtimes(target, info.ModTime(), info.ModTime())
}

// deleteExtras removes paths present at dst but absent from src,
// returning what it deleted. Excluded paths are left alone: protection
// patterns shield destination-local state even under mirror semantics.
func deleteExtras(src, dst string, exclude []string) ([]string, error) {
	var deleted []string
	err := filepath.WalkDir(dst, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil // removed together with its parent
			}
			return err
		}
		if path == dst {
			return nil
		}
		rel, err := filepath.Rel(dst, path)
		if err != nil {
			return err
		}
		if excluded(rel, exclude) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if _, err := os.Lstat(filepath.Join(src, rel)); os.IsNotExist(err) {
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("delete %s: %w", rel, err)
			}
			deleted = append(deleted, filepath.ToSlash(rel))
			if d.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	return deleted, err
}

// excluded matches a relative path against exclusion patterns. Patterns
// match the full relative path or any individual path element, so ".git"
// excludes a nested repo and "*.log" excludes logs at any depth.
func excluded(rel string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		for _, element := range splitPath(rel) {
			if ok, _ := filepath.Match(pattern, element); ok {
				return true
			}
		}
	}
	return false
}

func splitPath(rel string) []string {
	var elements []string
	for rel != "" {
		dir, file := filepath.Split(rel)
		if file != "" {
			elements = append(elements, file)
		}
		rel = filepath.Clean(dir)
		if rel == "." || rel == string(os.PathSeparator) {
			break
		}
	}
	return elements
}
