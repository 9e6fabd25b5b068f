package stage

import "fmt"

// Config holds the runtime configuration named by spec.md §6's External
// Interfaces: where job artifacts live, how to reach the Job Store, and the
// optional external services a deployment may point the Front Service at.
type Config struct {
	BaseDir       string `mapstructure:"base_dir" yaml:"base_dir"`
	DatabaseURL   string `mapstructure:"database_url" yaml:"database_url"`
	FileServerURL string `mapstructure:"fileserver_url" yaml:"fileserver_url"`
	VerifierURL   string `mapstructure:"verifier_url" yaml:"verifier_url"`

	CACertPath string `mapstructure:"ca_cert_path" yaml:"ca_cert_path"`
	CertPath   string `mapstructure:"cert_path" yaml:"cert_path"`
	KeyPath    string `mapstructure:"key_path" yaml:"key_path"`
}

func DefaultConfig() Config {
	return Config{
		BaseDir:     "./data",
		DatabaseURL: "file:./data/stage.db?_pragma=busy_timeout(5000)",
	}
}

// Validate enforces the "if any TLS path is set, all three must be set"
// rule from spec.md §6.
func (c Config) Validate() error {
	paths := []string{c.CACertPath, c.CertPath, c.KeyPath}
	set := 0
	for _, p := range paths {
		if p != "" {
			set++
		}
	}
	if set != 0 && set != len(paths) {
		return fmt.Errorf("tls config incomplete: ca_cert_path, cert_path, and key_path must all be set or all be empty")
	}
	return nil
}
