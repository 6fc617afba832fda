package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/TheStrul/Sacks-new-sub007/internal/datasource"
	"github.com/TheStrul/Sacks-new-sub007/internal/datasource/file"
)

// Format is the encoding of a rules document.
type Format string

const (
	FormatAuto Format = ""
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ErrInvalidRuleSet wraps decoding and validation failures.
var ErrInvalidRuleSet = errors.New("config: invalid rule set")

// FormatFromName picks the format from a file name or URL path extension.
func FormatFromName(name string) Format {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	default:
		return FormatAuto
	}
}

// Load reads a rules document from src. name is only used to pick the
// format (by extension) and in error messages.
func Load(ctx context.Context, src datasource.Source, name string) (*RuleSet, error) {
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open rules %s: %w", name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", name, err)
	}
	rs, err := Decode(data, FormatFromName(name))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return rs, nil
}

// LoadFile reads a rules document from a local path.
func LoadFile(path string) (*RuleSet, error) {
	return Load(context.Background(), file.NewLocal(path), path)
}

// Decode parses a rules document. With FormatAuto, a document whose first
// non-space byte is '{' is treated as JSON, anything else as YAML.
func Decode(data []byte, format Format) (*RuleSet, error) {
	if format == FormatAuto {
		format = FormatYAML
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
			format = FormatJSON
		}
	}

	if format == FormatYAML {
		js, err := yaml.YAMLToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("%w: yaml: %v", ErrInvalidRuleSet, err)
		}
		data = js
	}

	var rs RuleSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("%w: json: %v", ErrInvalidRuleSet, err)
	}
	return &rs, nil
}
