// Package pivconfig loads the demo CLI's configuration file, a JSON-with-
// comments document in the style the object store's teacher project uses
// for its own project config (.tk.json), parsed the same way: hujson
// standardizes comments/trailing commas away before the standard decoder
// runs.
package pivconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
)

// FileName is the default config file name, resolved relative to the
// current working directory unless an explicit path is given.
const FileName = ".pivstore.json"

// ErrConfigFileNotFound is returned when an explicitly named config file
// does not exist.
var ErrConfigFileNotFound = errors.New("pivconfig: config file not found")

// Config holds the demo CLI's persisted defaults. None of these fields are
// required; every one has a zero-value meaning "let the command decide".
type Config struct {
	// ObjectCount/ObjectSize are the defaults Format uses when not
	// overridden by flags.
	ObjectCount int `json:"object_count,omitempty"`
	ObjectSize  int `json:"object_size,omitempty"`
	// EncryptionKeySlot is the default device slot new Format calls bind
	// the store's encryption key to.
	EncryptionKeySlot int `json:"encryption_key_slot,omitempty"`
	// EmulatorPath is the file the CLI's emulator snapshot is persisted
	// to (".pivstore.img" when empty). Every command, the shell included,
	// runs against this emulator; the CLI has no real-reader mode.
	EmulatorPath string `json:"emulator_path,omitempty"`
}

// Load reads path (or, if path is empty, FileName in the current
// directory) and returns the parsed config. A missing default file is not
// an error; Load returns the zero Config. An explicitly named path that
// does not exist is an error.
func Load(path string) (Config, error) {
	explicit := path != ""

	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("pivconfig: getwd: %w", err)
		}

		path = filepath.Join(wd, FileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if explicit {
				return Config{}, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
			}

			return Config{}, nil
		}

		return Config{}, fmt.Errorf("pivconfig: read %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("pivconfig: invalid JSONC in %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("pivconfig: parse %s: %w", path, err)
	}

	return cfg, nil
}
