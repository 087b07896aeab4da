package daemon_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/regharvest/harvester/cmd/harvest-service/daemon"
	"github.com/regharvest/harvester/internal/common/constants"
	"github.com/regharvest/harvester/internal/harvest/claim"
	"github.com/regharvest/harvester/internal/harvest/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	a, err := daemon.New()
	require.NoError(t, err, "Setup: New should not return an error")
	a.SetArgs("version")
	a.SetOut(io.Discard)

	require.NoError(t, a.Run(), "Run should not return an error")

	got := a.Config()
	assert.Equal(t, constants.DefaultSchedule, got.Schedule, "Schedule should default to the weekly sweep")
	assert.Equal(t, constants.DefaultMaxConcurrency, got.MaxConcurrency, "MaxConcurrency should have its default")
	assert.Equal(t, constants.DefaultHeaders, got.Headers, "Headers should have their default")
	assert.Equal(t, constants.DefaultArtifactTemplate, got.ArtifactTemplate, "ArtifactTemplate should have its default")
	assert.Equal(t, constants.DefaultUpstreamURL, got.Upstream.BaseURL, "Upstream URL should have its default")
	assert.Equal(t, constants.DefaultPageSize, got.Upstream.PageSize, "PageSize should have its default")
	assert.Equal(t, constants.DefaultMaxPages, got.Upstream.MaxPages, "MaxPages should have its default")
	assert.Equal(t, 30*time.Second, got.Upstream.Timeout, "Upstream timeout should have its default")
	assert.Equal(t, claim.DefaultTTL, got.Redis.ClaimTTL, "Claim TTL should have its default")
	assert.Equal(t, 5432, got.DB.Port, "Database port should have its default")
	assert.Equal(t, 2114, got.Metrics.Port, "Metrics port should have its default")
	assert.Empty(t, got.Redis.Addr, "Redis should be disabled by default")
	assert.False(t, got.RunOnStart, "RunOnStart should be disabled by default")
}

func TestConfigArg(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "conf.yaml")
	conf := `verbosity: 1
schedule: "@daily"
maxconcurrency: 3
upstream:
  servicekey: abc%2B
  timeout: 5s
db:
  host: db.example
  dbname: harvest
`
	require.NoError(t, os.WriteFile(configPath, []byte(conf), 0600), "Setup: couldn't write config file")

	a, err := daemon.New()
	require.NoError(t, err, "Setup: New should not return an error")
	a.SetArgs("version", "--config", configPath)
	a.SetOut(io.Discard)

	require.NoError(t, a.Run(), "Run should not return an error")

	got := a.Config()
	require.Equal(t, 1, got.Verbosity, "Verbosity should be read from the config file")
	require.Equal(t, "@daily", got.Schedule, "Schedule should be read from the config file")
	require.Equal(t, 3, got.MaxConcurrency, "MaxConcurrency should be read from the config file")
	require.Equal(t, "abc%2B", got.Upstream.ServiceKey, "Service key should be read verbatim from the config file")
	require.Equal(t, 5*time.Second, got.Upstream.Timeout, "Durations should be decoded from strings")
	require.Equal(t, ledger.Config{Host: "db.example", Port: 5432, DBName: "harvest"}, got.DB, "Database config should merge the file and the flag defaults")
}

func TestFlagsOverrideConfig(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "conf.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("schedule: \"@daily\"\nrunonstart: false\n"), 0600),
		"Setup: couldn't write config file")

	a, err := daemon.New()
	require.NoError(t, err, "Setup: New should not return an error")
	a.SetArgs("version", "--config", configPath, "--schedule", "@hourly", "--run-on-start", "--headers", "bizNm,bizNo")
	a.SetOut(io.Discard)

	require.NoError(t, a.Run(), "Run should not return an error")
	require.Equal(t, "@hourly", a.Config().Schedule, "Flag should override the config file")
	require.True(t, a.Config().RunOnStart, "Flag should override the config file")
	require.Equal(t, []string{"bizNm", "bizNo"}, a.Config().Headers, "Headers flag should be split on commas")
}

func TestConfigEnv(t *testing.T) {
	t.Setenv("BIZREG_HARVEST_SERVICE_UPSTREAM_TIMEOUT", "7s")
	t.Setenv("BIZREG_HARVEST_SERVICE_HEADERS", "bizNm,bizAddress")
	t.Setenv("BIZREG_HARVEST_SERVICE_REDIS_ADDR", "localhost:6379")

	a, err := daemon.New()
	require.NoError(t, err, "Setup: New should not return an error")
	a.SetArgs("version")
	a.SetOut(io.Discard)

	require.NoError(t, a.Run(), "Run should not return an error")
	require.Equal(t, 7*time.Second, a.Config().Upstream.Timeout, "Nested duration should be read from the environment")
	require.Equal(t, []string{"bizNm", "bizAddress"}, a.Config().Headers, "Headers should be split on commas")
	require.Equal(t, "localhost:6379", a.Config().Redis.Addr, "Redis address should be read from the environment")
}

func TestBadConfigReturnsError(t *testing.T) {
	t.Parallel()

	a, err := daemon.New()
	require.NoError(t, err, "Setup: New should not return an error")
	// Use version to still run preExec to load no config but without running the daemon
	a.SetArgs("version", "--config", "/does/not/exist.yaml")

	err = a.Run()
	require.Error(t, err, "Run should return an error on config file")
}

func TestSetupErrors(t *testing.T) {
	t.Parallel()

	missingGrid := filepath.Join(t.TempDir(), "missing.yaml")
	badGrid := filepath.Join(t.TempDir(), "grid.yaml")
	require.NoError(t, os.WriteFile(badGrid, []byte("grid:\n  - city: \"\"\n    districts: [강남구]\n"), 0600),
		"Setup: couldn't write grid file")

	tests := map[string]struct {
		args   []string
		daemon bool
	}{
		"Missing grid file":         {args: []string{"--grid-file", missingGrid}},
		"Invalid grid file":         {args: []string{"--grid-file", badGrid}},
		"Invalid artifact template": {args: []string{"--artifact-template", "%s.csv"}},
		"Empty upstream URL":        {args: []string{"--upstream-url="}},
		"Unreachable database":      {args: []string{"--db-host", "127.0.0.1", "--db-port", "1"}},

		"Daemon with missing grid file":    {args: []string{"--grid-file", missingGrid}, daemon: true},
		"Daemon with unreachable database": {args: []string{"--db-host", "127.0.0.1", "--db-port", "1"}, daemon: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			args := tc.args
			if !tc.daemon {
				args = append([]string{"sweep"}, args...)
			}

			a := daemon.NewForTests(t, nil, args...)
			err := a.Run()
			require.Error(t, err, "Run should fail on invalid setup")
			require.False(t, a.UsageError(), "Setup errors should not be reported as usage errors")

			// Quit should not block once the command has returned.
			a.Quit()
		})
	}
}

func TestUsageErrors(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "fake.sql")
	require.NoError(t, os.WriteFile(file, nil, 0600), "Setup: couldn't write fake migration file")

	tests := map[string]struct {
		args []string
	}{
		"Unknown command":           {args: []string{"doesnotexist"}},
		"Unknown flag":              {args: []string{"--doesnotexist"}},
		"Root takes no argument":    {args: []string{"extra"}},
		"Sweep takes no argument":   {args: []string{"sweep", "extra"}},
		"Non positive limit":        {args: []string{"history", "--limit", "0"}},
		"Migrate requires a path":   {args: []string{"migrate"}},
		"Migrate missing path":      {args: []string{"migrate", filepath.Join(t.TempDir(), "missing")}},
		"Migrate path is a file":    {args: []string{"migrate", file}},
		"Migrate too many paths":    {args: []string{"migrate", file, file}},
		"Version takes no argument": {args: []string{"version", "extra"}},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			a, err := daemon.New()
			require.NoError(t, err, "Setup: New should not return an error")
			a.SetArgs(tc.args...)
			a.SetOut(io.Discard)

			err = a.Run()
			require.Error(t, err, "Run should return an error")
			require.True(t, a.UsageError(), "Usage error is reported as such")
		})
	}
}

func TestSilenceUsage(t *testing.T) {
	t.Parallel()

	a, err := daemon.New()
	require.NoError(t, err, "Setup: New should not return an error")

	a.SetSilenceUsage(true)
	assert.False(t, a.UsageError())

	a.SetSilenceUsage(false)
	assert.True(t, a.UsageError())
}

func TestNoUsageError(t *testing.T) {
	t.Parallel()

	a, err := daemon.New()
	require.NoError(t, err, "Setup: New should not return an error")
	a.SetArgs("completion", "bash")
	a.SetOut(io.Discard)

	err = a.Run()
	require.NoError(t, err, "Run should not return an error")
	require.False(t, a.UsageError(), "No usage error is reported as such")
}

func TestVersion(t *testing.T) {
	t.Parallel()

	a, err := daemon.New()
	require.NoError(t, err, "Setup: New should not return an error")
	a.SetArgs("version")
	var out bytes.Buffer
	a.SetOut(&out)

	require.NoError(t, a.Run(), "Run should not return an error")
	require.Equal(t, constants.HarvestServiceCmdName+"\t"+constants.Version+"\n", out.String(), "Version should print the command name and version")
}

func TestAppCanSigHupAfterExecute(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping Hup test on Windows")
	}
	r, w, err := os.Pipe()
	require.NoError(t, err, "Setup: pipe shouldn't fail")

	a, err := daemon.New()
	require.NoError(t, err, "Setup: New should not return an error")
	a.SetArgs("version")
	a.SetOut(io.Discard)
	require.NoError(t, a.Run(), "Setup: Run should not return an error")
	a.Quit()

	orig := os.Stdout
	os.Stdout = w

	a.Hup()

	os.Stdout = orig
	w.Close()

	var out bytes.Buffer
	_, err = io.Copy(&out, r)
	require.NoError(t, err, "Couldn't copy stdout to buffer")
	require.NotEmpty(t, out.String(), "Stacktrace is printed")
}

func TestRootCmd(t *testing.T) {
	t.Parallel()

	app, err := daemon.New()
	require.NoError(t, err)

	cmd := app.RootCmd()

	assert.NotNil(t, cmd, "Returned root cmd should not be nil")
	assert.Equal(t, constants.HarvestServiceCmdName, cmd.Name())
}
