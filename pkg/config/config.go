// Package config layers the settings of tagsweep: defaults, an optional yaml
// file and the environment. Command line flags are applied on top by the
// cli, as they take precedence over everything else.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultRegistry is used if no registry is configured
const DefaultRegistry = "http://localhost:5000"

// Config is the value object every command is built from
type Config struct {

	// Registry is the base url of the registry
	Registry string `yaml:"registry"`

	// Auth is passed to the registry provider as is
	Auth string `yaml:"auth"`

	// DataDir holds the journal and the lock file
	DataDir string `yaml:"data_dir"`

	// DeleteEnabled gates all mutating commands
	DeleteEnabled bool `yaml:"delete_enabled"`

	// Timeout bounds each command, zero means no timeout
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the configuration used without file or environment
func Default() *Config {
	return &Config{
		Registry: DefaultRegistry,
		DataDir:  DefaultDataDir(),
	}
}

// DefaultDataDir returns the data directory for the current user
func DefaultDataDir() string {
	usr, err := user.Current()

	if err != nil || usr.Uid == "0" || usr.HomeDir == "" {
		return "/var/lib/tagsweep"
	}

	return path.Join(usr.HomeDir, ".local", "share", "seantis", "tagsweep")
}

// Load returns the defaults, overlaid with the given yaml file (if the path
// is not empty) and the environment
func Load(file string) (*Config, error) {
	c := Default()

	if file != "" {
		if err := c.ReadFile(file); err != nil {
			return nil, err
		}
	}

	if err := c.ReadEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	return c, nil
}

// ReadFile overlays the values set in the given yaml file
func (c *Config) ReadFile(file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("error reading config %s: %v", file, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("error parsing config %s: %v", file, err)
	}

	return nil
}

// ReadEnv overlays the values found through the given lookup function
func (c *Config) ReadEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("REGISTRY"); ok && v != "" {
		c.Registry = v
	}

	if v, ok := lookup("TAGSWEEP_AUTH"); ok && v != "" {
		c.Auth = v
	}

	if v, ok := lookup("TAGSWEEP_DATA"); ok && v != "" {
		c.DataDir = v
	}

	if v, ok := lookup("DELETE_ENABLED"); ok && v != "" {
		enabled, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			return fmt.Errorf("invalid DELETE_ENABLED value %q", v)
		}

		c.DeleteEnabled = enabled
	}

	if v, ok := lookup("TAGSWEEP_TIMEOUT"); ok && v != "" {
		timeout, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid TAGSWEEP_TIMEOUT value %q", v)
		}

		c.Timeout = timeout
	}

	return nil
}

// LockPath returns the path of the lock held by mutating commands
func (c *Config) LockPath() string {
	return path.Join(c.DataDir, "tagsweep.lock")
}
