// Package archive packs cached paths into a gzip-compressed tar and unpacks
// them back.
//
// Files under the working directory are stored by their relative path and
// restore relative to the destination. Files outside of it are stored under
// AbsolutePrefix followed by their absolute path and restore to that
// absolute path whatever the destination is.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/gzip"
)

// AbsolutePrefix is the archive directory holding files that restore to
// absolute paths.
const AbsolutePrefix = "__absolute__"

var ErrNoFiles = errors.New("no files found to cache")

type inputKind int

const (
	inputLiteral inputKind = iota
	inputGlob
)

// Input is a path to pack. It is either a literal path or a glob pattern,
// and the choice is made by the caller, never guessed from the string.
// Relative inputs are resolved against the working directory.
type Input struct {
	kind  inputKind
	value string
}

func Literal(p string) Input {
	return Input{kind: inputLiteral, value: p}
}

// Glob supports doublestar patterns like "android/**/build/*.so".
func Glob(pattern string) Input {
	return Input{kind: inputGlob, value: pattern}
}

func (in Input) IsGlob() bool {
	return in.kind == inputGlob
}

func (in Input) String() string {
	return in.value
}

// Entry maps a file on disk to its name inside the archive.
// Name is slash-separated.
type Entry struct {
	Source string
	Name   string
}

// Manifest is sorted by Name and has no duplicate names.
type Manifest []Entry

// BuildManifest resolves inputs to files. Directories are expanded
// recursively. Missing literal paths and globs without matches contribute
// nothing.
func BuildManifest(inputs []Input, workingDir string) (Manifest, error) {
	wd, err := filepath.Abs(workingDir)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}

	seen := make(map[string]struct{})
	var manifest Manifest
	for _, in := range inputs {
		roots, err := resolveInput(in, wd)
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}

		for _, root := range roots {
			files, err := expandPath(root)
			if err != nil {
				return nil, fmt.Errorf("archive: %w", err)
			}
			for _, file := range files {
				name := entryName(wd, file)
				if _, ok := seen[name]; ok {
					continue
				}
				seen[name] = struct{}{}
				manifest = append(manifest, Entry{Source: file, Name: name})
			}
		}
	}

	slices.SortFunc(manifest, func(a, b Entry) int {
		return strings.Compare(a.Name, b.Name)
	})
	return manifest, nil
}

func resolveInput(in Input, wd string) ([]string, error) {
	p := in.value

	if in.kind == inputGlob {
		matches, err := glob(p, wd)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", in.value, err)
		}
		return matches, nil
	}

	if !filepath.IsAbs(p) {
		p = filepath.Join(wd, p)
	}
	p = filepath.Clean(p)
	if _, err := os.Lstat(p); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return []string{p}, nil
}

// glob matches pattern against the file system. A relative pattern is
// matched below wd, so metacharacters in wd itself stay literal.
func glob(pattern, wd string) ([]string, error) {
	pattern = filepath.Clean(pattern)
	if filepath.IsAbs(pattern) {
		return doublestar.FilepathGlob(pattern)
	}

	root := filepath.Clean(wd)
	for pattern == ".." || strings.HasPrefix(pattern, ".."+string(filepath.Separator)) {
		root = filepath.Dir(root)
		pattern = strings.TrimPrefix(strings.TrimPrefix(pattern, ".."), string(filepath.Separator))
	}
	if pattern == "" || pattern == "." {
		return []string{root}, nil
	}

	matches, err := doublestar.Glob(os.DirFS(root), filepath.ToSlash(pattern))
	if err != nil {
		return nil, err
	}
	for i, m := range matches {
		matches[i] = filepath.Join(root, filepath.FromSlash(m))
	}
	return matches, nil
}

// expandPath returns p itself or, for a directory, every regular file and
// symlink below it.
func expandPath(p string) ([]string, error) {
	info, err := os.Lstat(p)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if isPackable(info.Mode()) {
			return []string{p}, nil
		}
		return nil, nil
	}

	var files []string
	err = filepath.WalkDir(p, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if isPackable(d.Type()) {
			files = append(files, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func isPackable(mode fs.FileMode) bool {
	return mode.IsRegular() || mode&fs.ModeSymlink != 0
}

func entryName(wd, file string) string {
	rel, err := filepath.Rel(wd, file)
	if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(rel)
	}
	return path.Join(AbsolutePrefix, filepath.ToSlash(file))
}

// Archive is a packed archive on disk. Close removes it.
type Archive struct {
	Path     string
	Size     int64
	Manifest Manifest

	dir string
}

func (a *Archive) Close() error {
	return os.RemoveAll(a.dir)
}

// Pack stages the files of inputs into a fresh temporary directory using
// the manifest layout and archives that directory.
func Pack(ctx context.Context, inputs []Input, workingDir string) (*Archive, error) {
	manifest, err := BuildManifest(inputs, workingDir)
	if err != nil {
		return nil, err
	}
	if len(manifest) == 0 {
		return nil, fmt.Errorf("archive: %w", ErrNoFiles)
	}

	tempDir, err := os.MkdirTemp("", "mortar-archive-")
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	a, err := pack(ctx, manifest, tempDir)
	if err != nil {
		_ = os.RemoveAll(tempDir)
		return nil, fmt.Errorf("archive: %w", err)
	}
	return a, nil
}

func pack(ctx context.Context, manifest Manifest, tempDir string) (*Archive, error) {
	stageDir := filepath.Join(tempDir, "stage")
	for _, e := range manifest {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dst := filepath.Join(stageDir, filepath.FromSlash(e.Name))
		if err := os.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
			return nil, err
		}
		if err := stageFile(e.Source, dst); err != nil {
			return nil, err
		}
	}

	archivePath := filepath.Join(tempDir, "cache.tar.gz")
	if err := writeTarGz(ctx, stageDir, archivePath); err != nil {
		return nil, err
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, err
	}

	return &Archive{
		Path:     archivePath,
		Size:     info.Size(),
		Manifest: manifest,
		dir:      tempDir,
	}, nil
}

// stageFile hard-links src to dst and copies it when linking isn't possible,
// for example across filesystems.
func stageFile(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	}
	if err = os.Link(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst, info.Mode().Perm())
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func writeTarGz(ctx context.Context, root, name string) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)

	// WalkDir visits files in lexical order which keeps archives of
	// the same files identical.
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return writeTarEntry(tw, root, p, d)
	})
	if err != nil {
		return err
	}

	if err = tw.Close(); err != nil {
		return err
	}
	if err = gw.Close(); err != nil {
		return err
	}
	return f.Close()
}

func writeTarEntry(tw *tar.Writer, root, p string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(p); err != nil {
			return err
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(rel)
	if info.IsDir() {
		hdr.Name += "/"
	}
	// Owners of the worker that packed the archive mean nothing on the
	// worker that unpacks it.
	hdr.Uid, hdr.Gid, hdr.Uname, hdr.Gname = 0, 0, "", ""

	if err = tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// Unpack extracts the archive at name into destDir keeping stored names,
// then moves entries under AbsolutePrefix to their absolute paths.
// Entries that can't be extracted faithfully are logged and skipped.
func Unpack(ctx context.Context, name string, destDir string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	dest, err := filepath.Abs(destDir)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if err = os.MkdirAll(dest, 0o777); err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	if err = extract(ctx, name, dest, logger); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if err = restoreAbsolute(dest); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	return nil
}

func extract(ctx context.Context, name, dest string, logger *slog.Logger) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err = ctx.Err(); err != nil {
			return err
		}

		entry := path.Clean(hdr.Name)
		if path.IsAbs(entry) || entry == ".." || strings.HasPrefix(entry, "../") {
			logger.Warn("skipped archive entry outside of destination", "name", hdr.Name)
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(entry))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err = os.MkdirAll(target, 0o777); err != nil {
				return err
			}
		case tar.TypeReg:
			if err = extractFile(tr, hdr, target); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err = os.MkdirAll(filepath.Dir(target), 0o777); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err = os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			logger.Warn("skipped unsupported archive entry", "name", hdr.Name, "type", string(hdr.Typeflag))
		}
	}
}

func extractFile(r io.Reader, hdr *tar.Header, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o777); err != nil {
		return err
	}

	perm := hdr.FileInfo().Mode().Perm()
	if perm == 0 {
		perm = 0o666
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}

	// ccache and gradle compare modification times.
	return os.Chtimes(target, hdr.ModTime, hdr.ModTime)
}

func restoreAbsolute(dest string) error {
	absRoot := filepath.Join(dest, AbsolutePrefix)
	if _, err := os.Lstat(absRoot); errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}

	var files []string
	err := filepath.WalkDir(absRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, file := range files {
		rel, err := filepath.Rel(absRoot, file)
		if err != nil {
			return err
		}
		target := string(filepath.Separator) + rel
		if err = os.MkdirAll(filepath.Dir(target), 0o777); err != nil {
			return err
		}
		if err = moveFile(file, target); err != nil {
			return err
		}
	}

	return os.RemoveAll(absRoot)
}

// moveFile renames src to dst and falls back to copying when src and dst
// are on different filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	_ = os.Remove(dst)
	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		if err = os.Symlink(target, dst); err != nil {
			return err
		}
		return os.Remove(src)
	}

	if err = copyFile(src, dst, info.Mode().Perm()); err != nil {
		return err
	}
	if err = os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return err
	}
	return os.Remove(src)
}
