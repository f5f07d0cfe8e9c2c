package evaluation

import (
	"os"
	"runtime"

	"github.com/pkg/errors"

	"gopkg.in/yaml.v3"
)

// Configuration is the engine configuration record. Any flags that influence
// the engine are passed in through it at construction time; the engine reads
// no globals.
type Configuration struct {
	// Parallelism is the number of worker goroutines driving evaluation. A
	// zero value resolves to the number of logical CPUs.
	Parallelism int `yaml:"parallelism"`
	// ErrorMode selects fail-fast or keep-going error handling.
	ErrorMode ErrorMode `yaml:"errorMode"`
	// ErrorOnExternalPaths makes references from internal nodes to
	// external-mutable paths typed errors instead of per-build sentinel
	// dependencies.
	ErrorOnExternalPaths bool `yaml:"errorOnExternalPaths"`
}

// EnsureValid ensures that Configuration's invariants are respected.
func (c *Configuration) EnsureValid() error {
	if c == nil {
		return errors.New("nil configuration")
	}
	if c.Parallelism < 0 {
		return errors.New("negative parallelism")
	}
	return nil
}

// EffectiveParallelism resolves the configured parallelism, substituting the
// logical CPU count for the zero value.
func (c *Configuration) EffectiveParallelism() int {
	if c.Parallelism > 0 {
		return c.Parallelism
	}
	return runtime.NumCPU()
}

// LoadConfiguration loads and validates a configuration from a YAML file.
func LoadConfiguration(path string) (*Configuration, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read configuration file")
	}
	configuration := &Configuration{}
	if err := yaml.Unmarshal(contents, configuration); err != nil {
		return nil, errors.Wrap(err, "unable to parse configuration file")
	}
	if err := configuration.EnsureValid(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return configuration, nil
}
