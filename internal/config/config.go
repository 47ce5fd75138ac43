package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the optional reel configuration file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
	Volume   VolumeConfig   `toml:"volume"`
}

// DefaultsConfig holds persistent flag defaults.
type DefaultsConfig struct {
	BlockingFactor  *int    `toml:"blocking_factor"`
	Format          *string `toml:"format"`
	Sparse          *bool   `toml:"sparse"`
	SparseVersion   *string `toml:"sparse_version"`
	HoleDetection   *string `toml:"hole_detection"`
	ReadFullRecords *bool   `toml:"read_full_records"`
	Compress        *string `toml:"compress"`
	BWLimit         *string `toml:"bwlimit"`
	IndexDB         *string `toml:"index_db"`
}

// VolumeConfig holds multi-volume defaults.
type VolumeConfig struct {
	MultiVolume   *bool   `toml:"multi_volume"`
	TapeLength    *string `toml:"tape_length"`
	VolnoFile     *string `toml:"volno_file"`
	InfoScript    *string `toml:"info_script"`
	Label         *string `toml:"label"`
	RestrictShell *bool   `toml:"restrict_shell"`
	// ContinueOn names the write errors that switch volumes, e.g.
	// ["ENOSPC", "EIO"].
	ContinueOn []string `toml:"continue_on"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "reel", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}
	return LoadFile(path)
}

// LoadFile reads the config file at path. A missing file is a zero
// Config.
func LoadFile(path string) (Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	return cfg, nil
}
