package backend

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTarDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("alpha"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("beta"), 0644))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(root, "link")))

	stream, err := TarDirectory(root)
	require.NoError(t, err)

	entries := map[string]string{}
	var links []string
	tr := tar.NewReader(stream)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		switch header.Typeflag {
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			require.NoError(t, err)
			entries[header.Name] = string(data)
		case tar.TypeSymlink:
			links = append(links, header.Name+" -> "+header.Linkname)
		}
	}

	assert.Equal(t, map[string]string{"a.txt": "alpha", "sub/b.txt": "beta"}, entries)
	assert.Equal(t, []string{"link -> a.txt"}, links)
}

func TestTarDirectory_MissingRoot(t *testing.T) {
	_, err := TarDirectory(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}
