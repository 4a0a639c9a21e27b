package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// DefaultFile is the description file name looked up when none is given.
const DefaultFile = "pulsar.toml"

// ErrNoDescription indicates the pipeline description file does not exist.
var ErrNoDescription = errors.New("pipeline description not found")

// Load reads and parses the pipeline description at path.
func Load(path string) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoDescription, path)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes a TOML pipeline description. Unknown keys are rejected so
// that a misspelled option fails loudly instead of being ignored. The
// source is used for error context and as the fallback pipeline name.
func Parse(data []byte, source string) (*Description, error) {
	var d Description
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("parsing %s: %s", source, strings.TrimSpace(strict.String()))
		}
		return nil, fmt.Errorf("parsing %s: %w", source, err)
	}

	d.SourceFile = source
	if d.Pipeline.Name == "" && source != "" {
		base := filepath.Base(source)
		d.Pipeline.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return &d, nil
}
