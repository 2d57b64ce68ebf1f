// Package config loads the storage agent's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JaneliaSciComp/jacs-storage/internal/bundle"
)

// File mirrors the agent configuration file. Zero values mean "not set" so
// command-line flags and built-in defaults can fill them in.
type File struct {
	BindAddress     string   `yaml:"bind_address"`
	Port            int      `yaml:"port"`
	Workers         int      `yaml:"workers"`
	PipeChunks      int      `yaml:"pipe_chunks"`
	ChunkSize       int      `yaml:"chunk_size"`
	RootDir         string   `yaml:"root_dir"`
	LedgerPath      string   `yaml:"ledger_path"`
	LogLevel        string   `yaml:"log_level"`
	LogFormat       string   `yaml:"log_format"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	Auth AuthFile         `yaml:"auth"`
	S3   *bundle.S3Config `yaml:"s3,omitempty"`
}

// AuthFile configures token validation.
type AuthFile struct {
	// Secret is the HS256 signing key shared with the token issuer.
	Secret string `yaml:"secret"`
	// StaticTokens maps fixed service tokens to subjects.
	StaticTokens map[string]string `yaml:"static_tokens"`
}

// Duration accepts strings such as "30s" or "2m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Load reads path, expands environment references and decodes it.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return &f, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv substitutes ${VAR} and ${VAR:-default}. Unset variables without
// a default become empty.
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v, ok := os.LookupEnv(m[1]); ok && v != "" {
			return v
		}
		return m[2]
	})
}
