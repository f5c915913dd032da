// Package worker drives one build on a worker machine: it restores caches,
// runs the job's steps as supervised subprocesses, saves caches and cleans
// up, each as a phase of a phase.Executor.
package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/k11v/mortar/internal/archive"
	"github.com/k11v/mortar/internal/cachekey"
	"github.com/k11v/mortar/internal/phase"
)

// Job is the definition of a build.
type Job struct {
	Platform    string            `yaml:"platform"` // required
	WorkingDir  string            `yaml:"workingDir"`
	Env         map[string]string `yaml:"env"`
	SecretsFile string            `yaml:"secretsFile"`
	Cache       JobCache          `yaml:"cache"`
	Steps       []Step            `yaml:"steps"` // required
	CleanUp     []string          `yaml:"cleanUp"`
}

type JobCache struct {
	Key         string   `yaml:"key"`
	KeyPrefixes []string `yaml:"keyPrefixes"`
	Paths       []string `yaml:"paths"`
	Patterns    []string `yaml:"patterns"`
	Ccache      bool     `yaml:"ccache"`
	CcacheDir   string   `yaml:"ccacheDir"` // default: ".ccache"
}

// Inputs returns the paths and patterns to cache.
func (c *JobCache) Inputs() []archive.Input {
	var inputs []archive.Input
	for _, p := range c.Paths {
		inputs = append(inputs, archive.Literal(p))
	}
	for _, p := range c.Patterns {
		inputs = append(inputs, archive.Glob(p))
	}
	return inputs
}

type Step struct {
	Phase string `yaml:"phase"` // required
	Run   string `yaml:"run"`   // required
	Dir   string `yaml:"dir"`

	// WarnAfter and KillAfter are inactivity deadlines. Zero disables them.
	WarnAfter time.Duration `yaml:"warnAfter"`
	KillAfter time.Duration `yaml:"killAfter"`

	// TimeoutKind names the step in timeout errors. It defaults to Run.
	TimeoutKind string `yaml:"timeoutKind"`
}

func (s *Step) timeoutKind() string {
	if s.TimeoutKind == "" {
		return s.Run
	}
	return s.TimeoutKind
}

var reservedTags = []phase.Tag{
	phase.TagRestoreCache,
	phase.TagRestoreCcache,
	phase.TagSaveCache,
	phase.TagSaveCcache,
	phase.TagCleanUp,
}

// LoadJob reads a job from a YAML file. A relative working directory or
// secrets file is resolved against the directory of the file.
func LoadJob(name string) (*Job, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("worker.LoadJob: %w", err)
	}
	defer f.Close()

	var job Job
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err = dec.Decode(&job); err != nil {
		return nil, fmt.Errorf("worker.LoadJob: invalid job file: %w", err)
	}

	base := filepath.Dir(name)
	if job.WorkingDir == "" {
		job.WorkingDir = base
	} else if !filepath.IsAbs(job.WorkingDir) {
		job.WorkingDir = filepath.Join(base, job.WorkingDir)
	}
	if job.SecretsFile != "" && !filepath.IsAbs(job.SecretsFile) {
		job.SecretsFile = filepath.Join(base, job.SecretsFile)
	}
	if job.WorkingDir, err = filepath.Abs(job.WorkingDir); err != nil {
		return nil, fmt.Errorf("worker.LoadJob: %w", err)
	}

	if err = job.Validate(); err != nil {
		return nil, fmt.Errorf("worker.LoadJob: %w", err)
	}
	return &job, nil
}

// Validate reports every problem of the job at once.
func (j *Job) Validate() error {
	var errs []error

	if _, known := cachekey.ParsePlatform(j.Platform); !known {
		errs = append(errs, fmt.Errorf("unknown platform %q", j.Platform))
	}
	if len(j.Steps) == 0 {
		errs = append(errs, errors.New("missing steps"))
	}
	seen := make(map[string]bool)
	for i, s := range j.Steps {
		switch {
		case s.Phase == "":
			errs = append(errs, fmt.Errorf("step %d: missing phase", i))
		case slices.Contains(reservedTags, phase.Tag(s.Phase)):
			errs = append(errs, fmt.Errorf("step %d: reserved phase %s", i, s.Phase))
		case seen[s.Phase]:
			errs = append(errs, fmt.Errorf("step %d: duplicate phase %s", i, s.Phase))
		}
		seen[s.Phase] = true
		if s.Run == "" {
			errs = append(errs, fmt.Errorf("step %d: missing run", i))
		}
		if s.WarnAfter < 0 || s.KillAfter < 0 {
			errs = append(errs, fmt.Errorf("step %d: negative deadline", i))
		}
	}
	if len(j.Cache.Inputs()) > 0 && j.Cache.Key == "" {
		errs = append(errs, errors.New("cache: missing key"))
	}

	return errors.Join(errs...)
}

// InitialEnv merges the worker environment, the job env and the secrets
// file, later ones winning.
func (j *Job) InitialEnv(environ []string) (phase.Env, error) {
	env := phase.ParseEnviron(environ).Merge(phase.EnvFromMap(j.Env))

	if j.SecretsFile != "" {
		secrets, err := godotenv.Read(j.SecretsFile)
		if err != nil {
			return phase.Env{}, fmt.Errorf("worker.Job: %w", err)
		}
		env = env.Merge(phase.EnvFromMap(secrets))
	}
	return env, nil
}
