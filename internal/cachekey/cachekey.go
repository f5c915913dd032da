// Package cachekey derives cache keys and cache versions.
//
// A version identifies what was cached (the platform and the cached paths),
// a key identifies which inputs it was built from (the dependency lockfile).
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

var (
	ErrUnknownPlatform = errors.New("unknown platform")
	ErrNoLockfile      = errors.New("no lockfile found")
)

type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

func ParsePlatform(s string) (platform Platform, known bool) {
	platform = Platform(s)
	switch platform {
	case PlatformAndroid, PlatformIOS:
		return platform, true
	default:
		return platform, false
	}
}

// Prefix returns the compiler cache key prefix for the platform.
// Keys built by RequestKey start with it, so it is also the fallback
// prefix used for prefix-matched restores.
func Prefix(platform Platform) (string, error) {
	switch platform {
	case PlatformAndroid:
		return "android-ccache-", nil
	case PlatformIOS:
		return "ios-ccache-", nil
	default:
		return "", fmt.Errorf("cachekey: %w: %q", ErrUnknownPlatform, platform)
	}
}

// Key is a cache key split into its platform prefix and hash.
type Key struct {
	Platform Platform
	Hash     string
}

func (k Key) String() string {
	prefix, err := Prefix(k.Platform)
	if err != nil {
		return k.Hash
	}
	return prefix + k.Hash
}

const versionSeparator = "|"

// Generator computes versions for the given OS and CPU architecture.
// The zero value uses the running platform.
type Generator struct {
	OS   string
	Arch string
}

func (g Generator) goos() string {
	if g.OS == "" {
		return runtime.GOOS
	}
	return g.OS
}

func (g Generator) goarch() string {
	if g.Arch == "" {
		return runtime.GOARCH
	}
	return g.Arch
}

// Version hashes the OS, the architecture and paths in the given order.
// It doesn't read the paths. Reordering paths changes the version.
func (g Generator) Version(paths []string) string {
	parts := make([]string, 0, len(paths)+2)
	parts = append(parts, g.goos(), g.goarch())
	parts = append(parts, paths...)
	sum := sha256.Sum256([]byte(strings.Join(parts, versionSeparator)))
	return hex.EncodeToString(sum[:])
}

// Version is Generator.Version for the running platform.
func Version(paths []string) string {
	return Generator{}.Version(paths)
}

// lockfiles is ordered by precedence when several package managers left
// their lockfiles in the same directory.
var lockfiles = []string{
	"bun.lockb",
	"pnpm-lock.yaml",
	"yarn.lock",
	"package-lock.json",
}

// FindLockfile looks for a dependency lockfile in workingDir and then in
// its ancestors, which covers packages inside monorepo workspaces.
func FindLockfile(workingDir string) (string, error) {
	dir, err := filepath.Abs(workingDir)
	if err != nil {
		return "", fmt.Errorf("cachekey: %w", err)
	}

	for {
		for _, name := range lockfiles {
			p := filepath.Join(dir, name)
			info, err := os.Stat(p)
			if err == nil && info.Mode().IsRegular() {
				return p, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("cachekey: %w in %s or its parents", ErrNoLockfile, workingDir)
		}
		dir = parent
	}
}

// RequestKey builds the compiler cache key for a build in workingDir.
// It changes whenever the lockfile changes.
func RequestKey(workingDir string, platform Platform) (Key, error) {
	if _, err := Prefix(platform); err != nil {
		return Key{}, err
	}

	lockfile, err := FindLockfile(workingDir)
	if err != nil {
		return Key{}, err
	}

	hash, err := hashFile(lockfile)
	if err != nil {
		return Key{}, fmt.Errorf("cachekey: %w", err)
	}

	return Key{Platform: platform, Hash: hash}, nil
}

func hashFile(name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err = io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
