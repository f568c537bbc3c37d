package devices

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fieldpoll/fieldpoll/internal/types"
)

// Loader reads device definition files (.json, .yaml, .yml) from a list of
// directories. A file holds one device or a list of devices.
type Loader struct {
	validator   *Validator
	searchPaths []string
	logger      *zap.Logger
}

func NewLoader(searchPaths []string, validator *Validator, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		validator:   validator,
		searchPaths: searchPaths,
		logger:      logger,
	}
}

// LoadAll returns every definition that passed validation. Files that fail
// are reported in the joined error; the others are still returned.
func (l *Loader) LoadAll() ([]types.Device, error) {
	var (
		devices []types.Device
		errs    []error
	)
	seen := make(map[string]string)

	for _, dir := range l.searchPaths {
		files, err := definitionFiles(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				l.logger.Debug("Device search path missing", zap.String("path", dir))
				continue
			}
			errs = append(errs, fmt.Errorf("scan %s: %w", dir, err))
			continue
		}

		for _, file := range files {
			loaded, err := l.LoadFile(file)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			for _, d := range loaded {
				if prev, dup := seen[d.ID]; dup {
					errs = append(errs, fmt.Errorf("%s: device %s already defined in %s", file, d.ID, prev))
					continue
				}
				seen[d.ID] = file
				devices = append(devices, d)
			}
		}
	}

	l.logger.Info("Device definitions loaded",
		zap.Int("devices", len(devices)),
		zap.Int("errors", len(errs)))
	return devices, errors.Join(errs...)
}

// LoadFile parses and validates one definition file. Devices without an ID
// take the file's base name; a list needs explicit IDs.
func (l *Loader) LoadFile(path string) ([]types.Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	docs, err := splitDefinitions(path, data)
	if err != nil {
		return nil, &ValidationError{Source: path, Err: err}
	}

	devices := make([]types.Device, 0, len(docs))
	for i, doc := range docs {
		device, err := l.validator.Decode(doc)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", path, i, err)
		}
		if device.ID == "" && len(docs) == 1 {
			device.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		if err := l.validator.Check(&device); err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", path, i, err)
		}
		devices = append(devices, device)
	}
	return devices, nil
}

func definitionFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// splitDefinitions normalises a file to one JSON document per device.
// YAML is converted so that the JSON schema applies to both formats.
func splitDefinitions(path string, data []byte) ([][]byte, error) {
	var doc interface{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	}

	var items []interface{}
	switch v := doc.(type) {
	case []interface{}:
		items = v
	case map[string]interface{}:
		if list, ok := v["devices"].([]interface{}); ok {
			items = list
		} else {
			items = []interface{}{v}
		}
	default:
		return nil, fmt.Errorf("expected a device object or a list of devices")
	}

	out := make([][]byte, 0, len(items))
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}
