// Package config provides a manager that loads and watches the region grid file.
//
// The grid file may be written in YAML, JSON or TOML, chosen by its extension:
//
//	grid:
//	  - city: 서울특별시
//	    districts: [강남구, 강동구]
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/regharvest/harvester/internal/harvest/region"
	"gopkg.in/yaml.v3"
)

// ErrUnsupportedFormat is returned when the grid file extension is not a known format.
var ErrUnsupportedFormat = errors.New("unsupported grid file format")

// GridFile is the on-disk representation of a grid.
type GridFile struct {
	Grid []region.CityDistricts `yaml:"grid" json:"grid" toml:"grid"`
}

// Manager holds the current region grid, optionally backed by a file.
type Manager struct {
	grid     region.Grid
	lock     sync.RWMutex
	gridPath string
	validate func(region.Grid) error

	log *slog.Logger
}

type options struct {
	Logger    *slog.Logger
	Validator func(region.Grid) error
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// WithLogger overrides the logger of the Manager.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.Logger = l
	}
}

// WithValidator adds a check a loaded grid must pass before replacing the current one.
func WithValidator(v func(region.Grid) error) Options {
	return func(o *options) {
		o.Validator = v
	}
}

// New creates a grid manager for path. An empty path serves the default grid.
func New(path string, args ...Options) *Manager {
	opts := options{
		Logger: slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	return &Manager{
		grid:     region.DefaultGrid(),
		gridPath: path,
		validate: opts.Validator,
		log:      opts.Logger,
	}
}

// Load reads and validates the grid file, then replaces the current grid.
// On error the current grid is kept.
func (cm *Manager) Load() error {
	if cm.gridPath == "" {
		return nil
	}

	data, err := os.ReadFile(cm.gridPath)
	if err != nil {
		return fmt.Errorf("reading grid file: %w", err)
	}

	gf, err := decode(cm.gridPath, data)
	if err != nil {
		return err
	}

	g, err := region.NewGrid(gf.Grid)
	if err != nil {
		return fmt.Errorf("invalid grid in %s: %w", cm.gridPath, err)
	}
	if cm.validate != nil {
		if err := cm.validate(g); err != nil {
			return fmt.Errorf("rejected grid in %s: %w", cm.gridPath, err)
		}
	}

	cm.lock.Lock()
	cm.grid = g
	cm.lock.Unlock()

	cm.log.Info("Region grid loaded", "file", cm.gridPath, "regions", g.Len())
	return nil
}

func decode(path string, data []byte) (GridFile, error) {
	var gf GridFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &gf); err != nil {
			return gf, fmt.Errorf("decoding grid YAML: %w", err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&gf); err != nil {
			return gf, fmt.Errorf("decoding grid JSON: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &gf); err != nil {
			return gf, fmt.Errorf("decoding grid TOML: %w", err)
		}
	default:
		return gf, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	return gf, nil
}

// Watch starts watching the grid file for changes.
//
// It returns two channels: one for changes which result in a successful load and another for unrecoverable watcher errors.
// Without a grid file, both channels are closed once ctx is done.
func (cm *Manager) Watch(ctx context.Context) (changes <-chan struct{}, errs <-chan error, err error) {
	changesCh := make(chan struct{}, 1)
	errorsCh := make(chan error, 1)

	if cm.gridPath == "" {
		go func() {
			<-ctx.Done()
			close(changesCh)
			close(errorsCh)
		}()
		return changesCh, errorsCh, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create watcher: %v", err)
	}

	gridDir := filepath.Dir(cm.gridPath)
	if err := watcher.Add(gridDir); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("failed to add directory %s to watcher: %v", gridDir, err)
	}
	cm.log.Info("Watching grid directory", "dir", gridDir)

	if err := cm.Load(); err != nil {
		cm.log.Warn("Error loading initial grid", "err", err)
	}

	target := filepath.Clean(cm.gridPath)
	go func() {
		defer close(changesCh)
		defer close(errorsCh)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				cm.log.Info("Grid watcher stopped")
				return
			case event, ok := <-watcher.Events:
				if !ok {
					errorsCh <- errors.New("watcher events channel closed unexpectedly")
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Clean(event.Name) != target {
					continue
				}

				cm.log.Debug("Grid file changed. Reloading...")
				if err := cm.Load(); err != nil {
					cm.log.Warn("Error reloading grid, keeping previous one", "err", err)
					continue
				}

				select {
				case changesCh <- struct{}{}:
				default:
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					errorsCh <- errors.New("watcher errors channel closed unexpectedly")
					return
				}
				cm.log.Warn("Watcher error", "err", err)
			}
		}
	}()

	return changesCh, errorsCh, nil
}

// Grid returns a snapshot of the current grid.
func (cm *Manager) Grid() region.Grid {
	cm.lock.RLock()
	defer cm.lock.RUnlock()
	return cm.grid
}
