package fileutils_test

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/regharvest/harvester/internal/common/fileutils"
	"github.com/stretchr/testify/require"
)

func TestAtomicWrite(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		data            []byte
		fileExists      bool
		fileExistsPerms os.FileMode
		invalidDir      bool

		wantError bool
	}{
		"Empty file":          {data: []byte{}},
		"Non-empty file":      {data: []byte("data")},
		"Override file":       {data: []byte("data"), fileExistsPerms: 0600, fileExists: true},
		"Override empty file": {data: []byte{}, fileExistsPerms: 0600, fileExists: true},

		"Override read-only file": {data: []byte("data"), fileExistsPerms: 0400, fileExists: true, wantError: runtime.GOOS == "windows"},
		"Invalid Dir":             {data: []byte("data"), invalidDir: true, wantError: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			oldFile := []byte("Old File!")
			path := filepath.Join(t.TempDir(), "file")
			if tc.invalidDir {
				path = filepath.Join(path, "fake_dir")
			}

			if tc.fileExists {
				err := os.WriteFile(path, oldFile, tc.fileExistsPerms)
				require.NoError(t, err, "Setup: WriteFile should not return an error")
				t.Cleanup(func() { _ = os.Chmod(path, 0600) })
			}

			err := fileutils.AtomicWrite(path, tc.data)
			if tc.wantError {
				require.Error(t, err, "AtomicWrite should return an error")
				if !tc.fileExists {
					return
				}
				data, err := os.ReadFile(path)
				require.NoError(t, err, "ReadFile should not return an error")
				require.Equal(t, oldFile, data, "AtomicWrite should not overwrite the file")
				return
			}
			require.NoError(t, err, "AtomicWrite should not return an error")

			data, err := os.ReadFile(path)
			require.NoError(t, err, "ReadFile should not return an error")
			require.Equal(t, tc.data, data, "AtomicWrite should write the data to the file")
		})
	}
}

func TestAtomicWriteFuncLeavesNoPartialFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "partial.csv")

	err := fileutils.AtomicWriteFunc(path, func(w io.Writer) error {
		if _, err := w.Write([]byte("header\nrow1\n")); err != nil {
			return err
		}
		return errors.New("writer failed midway")
	})
	require.Error(t, err, "AtomicWriteFunc should return the write error")

	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist, "no file should exist at the final path")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err, "ReadDir should not fail")
	require.Empty(t, entries, "temporary files should be cleaned up")
}

func TestFileExists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "present.csv")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0600), "Setup: could not create file")

	tests := map[string]struct {
		path string

		want bool
	}{
		"Existing file":  {path: file, want: true},
		"Missing file":   {path: filepath.Join(dir, "absent.csv")},
		"Directory path": {path: dir},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got, err := fileutils.FileExists(tc.path)
			require.NoError(t, err, "FileExists should not fail")
			require.Equal(t, tc.want, got, "FileExists returned an unexpected result")
		})
	}
}
