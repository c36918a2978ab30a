package snapshot

import (
	"encoding/json"
	"io"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatForPath guesses the format from a file extension, defaulting to JSON.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

func Encode(w io.Writer, tables []Table, format Format) error {
	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tables)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(tables); err != nil {
			return err
		}
		return enc.Close()
	default:
		return errors.Errorf("unknown snapshot format %q", format)
	}
}

func Decode(r io.Reader, format Format) ([]Table, error) {
	var tables []Table
	switch format {
	case FormatJSON, "":
		if err := json.NewDecoder(r).Decode(&tables); err != nil {
			return nil, errors.Wrap(err, "decode json snapshot")
		}
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&tables); err != nil {
			return nil, errors.Wrap(err, "decode yaml snapshot")
		}
	default:
		return nil, errors.Errorf("unknown snapshot format %q", format)
	}
	return tables, nil
}
