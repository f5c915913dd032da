package phase

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// EnvDirKey always holds the propagation directory of the build.
const EnvDirKey = "__BUILD_ENVS_DIR"

// Env is an immutable ordered set of environment variables. Keys keep the
// position of their first appearance. The zero value is empty.
type Env struct {
	keys   []string
	values map[string]string
}

// ParseEnviron parses "key=value" pairs as returned by os.Environ.
// Later pairs win and entries without "=" are ignored.
func ParseEnviron(environ []string) Env {
	var e Env
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		e = e.With(k, v)
	}
	return e
}

// EnvFromMap builds an Env with keys in ascending order.
func EnvFromMap(m map[string]string) Env {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	e := Env{keys: keys, values: make(map[string]string, len(m))}
	for k, v := range m {
		e.values[k] = v
	}
	return e
}

func (e Env) Get(key string) (string, bool) {
	v, ok := e.values[key]
	return v, ok
}

func (e Env) Len() int {
	return len(e.keys)
}

func (e Env) Keys() []string {
	return slices.Clone(e.keys)
}

// Environ formats e as "key=value" pairs for exec.Cmd.Env.
func (e Env) Environ() []string {
	environ := make([]string, 0, len(e.keys))
	for _, k := range e.keys {
		environ = append(environ, k+"="+e.values[k])
	}
	return environ
}

// With returns a copy of e where key is set to value.
func (e Env) With(key, value string) Env {
	next := e.clone(1)
	if _, ok := next.values[key]; !ok {
		next.keys = append(next.keys, key)
	}
	next.values[key] = value
	return next
}

// Merge returns a copy of e overridden by delta.
func (e Env) Merge(delta Env) Env {
	next := e.clone(delta.Len())
	for _, k := range delta.keys {
		if _, ok := next.values[k]; !ok {
			next.keys = append(next.keys, k)
		}
		next.values[k] = delta.values[k]
	}
	return next
}

func (e Env) clone(extra int) Env {
	next := Env{
		keys:   make([]string, len(e.keys), len(e.keys)+extra),
		values: make(map[string]string, len(e.keys)+extra),
	}
	copy(next.keys, e.keys)
	for k, v := range e.values {
		next.values[k] = v
	}
	return next
}

func validEnvName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "=\x00")
}

// harvestEnv reads every file in dir as a variable named after the file
// and deletes it. A file that can't be harvested doesn't stop the others.
// The directory is empty afterwards unless deletion itself failed.
func harvestEnv(dir string, logger *slog.Logger) (Env, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return Env{}, os.MkdirAll(dir, 0o777)
	}
	if err != nil {
		return Env{}, err
	}

	var delta Env
	var errs []error
	for _, entry := range entries {
		name := entry.Name()
		p := filepath.Join(dir, name)

		switch {
		case entry.IsDir():
			logger.Warn("skipped env directory", "name", name)
		case !validEnvName(name):
			logger.Warn("skipped env file with invalid name", "name", name)
		case name == EnvDirKey:
			logger.Warn("skipped env file overriding a reserved variable", "name", name)
		default:
			value, err := os.ReadFile(p)
			if err != nil {
				errs = append(errs, fmt.Errorf("read %s: %w", name, err))
				break
			}
			delta = delta.With(name, string(value))
		}

		if err = os.RemoveAll(p); err != nil {
			errs = append(errs, err)
		}
	}
	return delta, errors.Join(errs...)
}

// drainEnvDir empties dir leaving dir itself in place.
func drainEnvDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, entry := range entries {
		if err = os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
