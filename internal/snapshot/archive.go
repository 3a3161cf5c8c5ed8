package snapshot

// ABOUTME: Streaming tar+zstd+age pipeline. Archives never exist in
// ABOUTME: plaintext on disk; encryption is authenticated, so a tampered
// ABOUTME: archive fails decryption instead of extracting garbage.

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
)

// transientDirs are excluded from archives: installed dependency trees,
// caches, and temp files inflate snapshot size without adding recovery
// value, and are regenerated on the next build.
var transientDirs = map[string]bool{
	"node_modules": true,
	".venv":        true,
	"__pycache__":  true,
	".cache":       true,
	".npm":         true,
	"tmp":          true,
	".pnpm-store":  true,
}

// transientSuffixes mark individual files excluded from archives.
var transientSuffixes = []string{".tmp", ".swp", "~"}

// isTransient reports whether a relative path inside the state directory
// should be excluded from snapshots.
func isTransient(relPath string, isDir bool) bool {
	base := filepath.Base(relPath)
	if isDir {
		return transientDirs[base]
	}
	for _, suffix := range transientSuffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	return false
}

// writeArchive streams srcDir as an encrypted, compressed tar to dst.
func writeArchive(dst io.Writer, srcDir string, recipient age.Recipient) error {
	encWriter, err := age.Encrypt(dst, recipient)
	if err != nil {
		return fmt.Errorf("start encryption: %w", err)
	}

	zstdWriter, err := zstd.NewWriter(encWriter)
	if err != nil {
		return fmt.Errorf("start compression: %w", err)
	}

	tarWriter := tar.NewWriter(zstdWriter)

	if err := tarTree(tarWriter, srcDir); err != nil {
		return err
	}

	// Close order matters: tar trailer, zstd frame, age MAC.
	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("finalize tar: %w", err)
	}
	if err := zstdWriter.Close(); err != nil {
		return fmt.Errorf("finalize compression: %w", err)
	}
	if err := encWriter.Close(); err != nil {
		return fmt.Errorf("finalize encryption: %w", err)
	}
	return nil
}

func tarTree(tw *tar.Writer, srcDir string) error {
	return filepath.WalkDir(srcDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == srcDir {
			return nil
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return fmt.Errorf("relativize %s: %w", path, err)
		}
		if isTransient(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}

		// Symlinks are archived as links, not followed: runtime state may
		// link into dependency trees that snapshots deliberately exclude.
		var linkTarget string
		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err = os.Readlink(path)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", path, err)
			}
		}

		header, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			return fmt.Errorf("tar header for %s: %w", rel, err)
		}
		header.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			header.Name += "/"
		}

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", rel, err)
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path) //nolint:gosec // G304: path comes from walking the state dir
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close() //nolint:errcheck // read-only file

		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("archive %s: %w", rel, err)
		}
		return nil
	})
}

// extractArchive decrypts, decompresses, and extracts an archive stream
// into dstDir. dstDir must exist and should be empty: the caller extracts
// into a scratch directory and swaps it in only on success, so a corrupt
// or undecryptable archive never leaves a partially restored state dir.
func extractArchive(src io.Reader, dstDir string, identity age.Identity) error {
	decReader, err := age.Decrypt(src, identity)
	if err != nil {
		return fmt.Errorf("decrypt failed: %w", err)
	}

	zstdReader, err := zstd.NewReader(decReader)
	if err != nil {
		return fmt.Errorf("start decompression: %w", err)
	}
	defer zstdReader.Close()

	tarReader := tar.NewReader(zstdReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target, err := securePath(dstDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, header.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("create directory %s: %w", header.Name, err)
			}

		case tar.TypeSymlink:
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("create symlink %s: %w", header.Name, err)
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
				return fmt.Errorf("create parent of %s: %w", header.Name, err)
			}
			if err := extractFile(tarReader, target, header.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("extract %s: %w", header.Name, err)
			}

		default:
			// Device nodes and the like have no place in agent state.
			return fmt.Errorf("unsupported tar entry type %d for %s", header.Typeflag, header.Name)
		}
	}
}

func extractFile(r io.Reader, target string, perm os.FileMode) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm) //nolint:gosec // G304: target is validated by securePath
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil { //nolint:gosec // G110: archive size is bounded by instance state
		_ = f.Close()
		return err
	}
	return f.Close()
}

// securePath joins name onto root and rejects traversal outside it.
func securePath(root, name string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(name))
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes extraction root", name)
	}
	return target, nil
}
