package config

import (
	"fmt"
	"os"
	"strings"
)

// Template renders the default node config in the given format.
func Template(format string) (string, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "yml":
		format = FormatYAML
	case FormatTOML, FormatYAML:
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	data, err := Encode(DefaultNode(), format)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteTemplate writes the default node config to path, picking the format
// from its extension.
func WriteTemplate(path string, overwrite bool) error {
	format, err := FormatOf(path)
	if err != nil {
		return err
	}
	template, err := Template(format)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
