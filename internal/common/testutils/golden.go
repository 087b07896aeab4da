package testutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/regharvest/harvester/internal/common/fileutils"
	"github.com/stretchr/testify/require"
)

// UpdateGoldenEnv is the environment variable which, when set, rewrites golden files with the current output.
const UpdateGoldenEnv = "TESTS_UPDATE_GOLDEN"

type goldenOptions struct {
	path string
}

// GoldenOption tweaks the golden file lookup.
type GoldenOption func(*goldenOptions)

// WithGoldenPath overrides the golden file path.
func WithGoldenPath(path string) GoldenOption {
	return func(o *goldenOptions) {
		o.path = path
	}
}

// GoldenPath is the default golden file of the running test: testdata/golden/<test name>.
// Subtests are stored in a directory named after their parent test.
func GoldenPath(t *testing.T) string {
	t.Helper()
	return filepath.Join("testdata", "golden", filepath.FromSlash(t.Name()))
}

// LoadWithUpdateFromGolden returns the content of the golden file of the running test.
// When UpdateGoldenEnv is set, the file is first replaced by got.
func LoadWithUpdateFromGolden(t *testing.T, got string, args ...GoldenOption) string {
	t.Helper()

	opts := goldenOptions{path: GoldenPath(t)}
	for _, arg := range args {
		arg(&opts)
	}

	if os.Getenv(UpdateGoldenEnv) != "" {
		t.Logf("Updating golden file %s", opts.path)
		require.NoError(t, os.MkdirAll(filepath.Dir(opts.path), 0o750), "Cannot create golden directory")
		require.NoError(t, fileutils.AtomicWrite(opts.path, []byte(got)), "Cannot update golden file")
	}

	want, err := os.ReadFile(opts.path)
	require.NoError(t, err, "Cannot load golden file %s", opts.path)
	return string(want)
}
