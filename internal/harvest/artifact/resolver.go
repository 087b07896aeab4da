// Package artifact resolves and writes the per-region CSV artifacts.
package artifact

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/regharvest/harvester/internal/common/constants"
	"github.com/regharvest/harvester/internal/common/fileutils"
	"github.com/regharvest/harvester/internal/harvest/region"
	"golang.org/x/text/unicode/norm"
)

// ErrInvalidTemplate is returned when a name template does not take exactly a city and a district.
var ErrInvalidTemplate = errors.New("artifact template must contain exactly two %s verbs")

// ErrNameCollision is returned when distinct regions map to the same artifact.
var ErrNameCollision = errors.New("distinct regions share an artifact name")

// Resolver maps a region to its artifact path under a fixed directory.
type Resolver struct {
	dir      string
	template string
}

// NewResolver returns a resolver placing artifacts in dir, named after template.
// An empty template uses the default "%s_%s.csv".
func NewResolver(dir, template string) (*Resolver, error) {
	if template == "" {
		template = constants.DefaultArtifactTemplate
	}
	if strings.Count(template, "%s") != 2 || strings.Count(template, "%") != 2 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTemplate, template)
	}
	if strings.ContainsAny(template, `/\`) {
		return nil, fmt.Errorf("%w: %q contains a path separator", ErrInvalidTemplate, template)
	}

	return &Resolver{dir: dir, template: template}, nil
}

// Dir is the directory artifacts are placed in.
func (r Resolver) Dir() string {
	return r.dir
}

// Name returns the artifact file name of u.
func (r Resolver) Name(u region.Unit) string {
	return fmt.Sprintf(r.template, sanitize(u.City), sanitize(u.District))
}

// Resolve returns the full artifact path of u. It is pure and deterministic.
func (r Resolver) Resolve(u region.Unit) string {
	return filepath.Join(r.dir, r.Name(u))
}

// Exists reports whether the artifact of u is already present.
// A missing file is not an error; other filesystem errors are returned.
func (r Resolver) Exists(u region.Unit) (bool, error) {
	return fileutils.FileExists(r.Resolve(u))
}

// CheckGrid returns ErrNameCollision when two units of g resolve to the same artifact name.
func (r Resolver) CheckGrid(g region.Grid) error {
	seen := make(map[string]region.Unit, g.Len())
	for _, u := range g.Units() {
		n := r.Name(u)
		if prev, ok := seen[n]; ok {
			return fmt.Errorf("%w: %s and %s both map to %q", ErrNameCollision, prev, u, n)
		}
		seen[n] = u
	}
	return nil
}

var separators = strings.NewReplacer("/", "_", `\`, "_", "\x00", "")

// sanitize normalises a name to NFC and makes it safe to use as a path element.
func sanitize(name string) string {
	s := separators.Replace(norm.NFC.String(strings.TrimSpace(name)))
	if s == "." || s == ".." {
		return strings.Repeat("_", len(s))
	}
	return s
}
