// Package constants is responsible for defining the constants used in the application.
// It also provides utility functions to get the default data paths.
package constants

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

var (
	// Version is the version of the application.
	Version = "Dev"
)

const (
	// HarvestServiceCmdName is the name of the harvest service command.
	HarvestServiceCmdName = "bizreg-harvest-service"

	// DefaultLogLevel is the default log level selected without any verbosity flags.
	DefaultLogLevel = slog.LevelWarn
)

// Service constants.
const (
	// DefaultServiceFolder is the name of the default root folder for the service.
	DefaultServiceFolder = "bizreg-harvest"

	// DefaultArtifactsFolder is the name of the default folder the CSV artifacts are written to.
	DefaultArtifactsFolder = "artifacts"

	// DefaultArtifactTemplate is the artifact file name template, formatted with city then district.
	DefaultArtifactTemplate = "%s_%s.csv"

	// DefaultSchedule is the default cron expression of the grid sweep: every Monday at 06:00.
	DefaultSchedule = "0 6 * * MON"

	// DefaultPageSize is the number of records requested per upstream page.
	DefaultPageSize = 1000

	// DefaultMaxPages is the hard cap on the number of pages requested for a single region.
	DefaultMaxPages = 49

	// DefaultMaxConcurrency is the default number of regions harvested at once.
	DefaultMaxConcurrency = 5

	// DefaultUpstreamURL is the business registry API base URL.
	DefaultUpstreamURL = "https://apis.data.go.kr/1130000/MllBsDtl_2Service"

	// DefaultUpstreamEndpoint is the business registry API endpoint path.
	DefaultUpstreamEndpoint = "/getMllBsInfoDetail_2"
)

// DefaultHeaders is the column schema of the CSV artifacts.
var DefaultHeaders = []string{"sellerId", "bizNm", "bizNo", "bizType", "bizAddress", "bizNesAddress"}

// Service variables.
var (
	// DefaultServiceDataDir is the default data directory for the service.
	DefaultServiceDataDir = DefaultServiceFolder

	// DefaultArtifactsDir is the default artifacts directory for the service.
	DefaultArtifactsDir = filepath.Join(DefaultServiceDataDir, DefaultArtifactsFolder)
)

func init() {
	userCacheDir, err := os.UserCacheDir()
	if err != nil {
		panic(fmt.Sprintf("Could not fetch cache directory: %v", err))
	}

	DefaultServiceDataDir = filepath.Join(userCacheDir, DefaultServiceFolder)
	DefaultArtifactsDir = filepath.Join(DefaultServiceDataDir, DefaultArtifactsFolder)
}
