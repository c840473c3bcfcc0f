package router

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/soundctl/audiorouter/pkg/router/util"
)

// BufferConfig carries the audio stream parameters of a routing session.
type BufferConfig struct {
	BufferSize int `json:"buffer_size"`
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// DefaultBufferConfig mirrors the driver-friendly defaults: a small
// buffer for low latency, 48kHz stereo.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		BufferSize: 512,
		SampleRate: 48000,
		Channels:   2,
	}
}

// Preset is a named, persisted routing configuration. Runtime session
// facts (remembered prior output, state tag) are deliberately absent.
type Preset struct {
	Source      DeviceID     `json:"source"`
	Destination DeviceID     `json:"destination"`
	Buffer      BufferConfig `json:"buffer"`
}

// PresetStore persists named presets. The engine treats preset records as
// inert data; device identifiers inside them are only validated when a
// routing start actually uses them.
type PresetStore interface {
	Save(name string, preset Preset) error
	Load(name string) (Preset, error)
	Delete(name string) error
	List() ([]string, error)
}

// filePresetStore keeps one JSON file per preset under <appdir>/presets.
type filePresetStore struct {
	logger *zap.SugaredLogger
	dir    string
}

// NewFilePresetStore creates a preset store rooted at the given directory.
func NewFilePresetStore(logger *zap.SugaredLogger, dir string) (PresetStore, error) {
	logger = logger.Named("presets")

	if err := util.EnsureDirExists(dir); err != nil {
		return nil, fmt.Errorf("create presets dir: %w", err)
	}

	logger.Debugw("Created preset store instance", "dir", dir)

	return &filePresetStore{
		logger: logger,
		dir:    dir,
	}, nil
}

func (s *filePresetStore) path(name string) string {
	// presets are user-named; keep the filename shell-friendly
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '-'
		}
		return r
	}, name)

	return filepath.Join(s.dir, safe+".json")
}

func (s *filePresetStore) Save(name string, preset Preset) error {
	data, err := json.MarshalIndent(preset, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal preset %q: %w", name, err)
	}

	if err := os.WriteFile(s.path(name), data, 0o644); err != nil {
		s.logger.Warnw("Failed to write preset file", "name", name, "error", err)
		return fmt.Errorf("write preset %q: %w", name, err)
	}

	s.logger.Infow("Saved preset", "name", name)

	return nil
}

func (s *filePresetStore) Load(name string) (Preset, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return Preset{}, fmt.Errorf("%w: %q", ErrPresetNotFound, name)
		}
		return Preset{}, fmt.Errorf("read preset %q: %w", name, err)
	}

	var preset Preset
	if err := json.Unmarshal(data, &preset); err != nil {
		return Preset{}, fmt.Errorf("parse preset %q: %w", name, err)
	}

	s.logger.Debugw("Loaded preset", "name", name)

	return preset, nil
}

func (s *filePresetStore) Delete(name string) error {
	if err := os.Remove(s.path(name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %q", ErrPresetNotFound, name)
		}
		return fmt.Errorf("delete preset %q: %w", name, err)
	}

	s.logger.Infow("Deleted preset", "name", name)

	return nil
}

func (s *filePresetStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list presets dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ".json"))
	}

	sort.Strings(names)

	return names, nil
}
