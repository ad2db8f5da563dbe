// Package bootstrap seeds first-run files.
package bootstrap

import (
	"embed"
	"os"
	"path/filepath"
)

//go:embed templates/config.json5
var templateFS embed.FS

const configTemplate = "templates/config.json5"

// ConfigTemplate returns the annotated starter config.
func ConfigTemplate() ([]byte, error) {
	return templateFS.ReadFile(configTemplate)
}

// EnsureConfigFile writes the starter config to path unless a file already
// exists there. Returns true if the file was created.
func EnsureConfigFile(path string) (bool, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return false, err
		}
	}

	// O_EXCL: never overwrite an existing config.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := ConfigTemplate()
	if err != nil {
		os.Remove(path)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
