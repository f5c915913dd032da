package procwatch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

// ChildLister lists the direct children of any of the given parents.
// An empty result means there are none.
type ChildLister interface {
	Children(ctx context.Context, parents []int) ([]int, error)
}

// PgrepLister runs a single "pgrep -P <pid,pid,...>" per call.
type PgrepLister struct {
	// Path defaults to "pgrep" looked up in PATH.
	Path string
}

func (l PgrepLister) path() string {
	if l.Path == "" {
		return "pgrep"
	}
	return l.Path
}

func (l PgrepLister) Children(ctx context.Context, parents []int) ([]int, error) {
	if len(parents) == 0 {
		return nil, nil
	}

	ids := make([]string, len(parents))
	for i, pid := range parents {
		ids[i] = strconv.Itoa(pid)
	}

	out, err := exec.CommandContext(ctx, l.path(), "-P", strings.Join(ids, ",")).Output()
	if err != nil {
		// pgrep exits with 1 when nothing matched.
		if exitErr := (*exec.ExitError)(nil); errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("procwatch.PgrepLister: %w", err)
	}

	pids, err := parsePids(out)
	if err != nil {
		return nil, fmt.Errorf("procwatch.PgrepLister: %w", err)
	}
	return pids, nil
}

func parsePids(out []byte) ([]int, error) {
	var pids []int
	s := bufio.NewScanner(bytes.NewReader(out))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("bad pid %q: %w", line, err)
		}
		pids = append(pids, pid)
	}
	return pids, s.Err()
}

// ProcfsLister finds children by scanning the parent pid of every process
// in a proc filesystem. It works where pgrep isn't installed.
type ProcfsLister struct {
	// MountPoint defaults to procfs.DefaultMountPoint.
	MountPoint string
}

func (l ProcfsLister) Children(_ context.Context, parents []int) ([]int, error) {
	mountPoint := l.MountPoint
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}

	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("procwatch.ProcfsLister: %w", err)
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("procwatch.ProcfsLister: %w", err)
	}

	var pids []int
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			// The process exited while scanning.
			continue
		}
		if slices.Contains(parents, stat.PPID) {
			pids = append(pids, p.PID)
		}
	}
	return pids, nil
}

// Tree is a snapshot of a process and its descendants.
type Tree struct {
	Root    int
	Members map[int]struct{}

	// Passes counts the queries that found new members. The final query
	// confirming that nothing else exists isn't counted.
	Passes int
}

func (t *Tree) Has(pid int) bool {
	_, ok := t.Members[pid]
	return ok
}

// Pids returns the members in ascending order.
func (t *Tree) Pids() []int {
	pids := make([]int, 0, len(t.Members))
	for pid := range t.Members {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	return pids
}

// Discover collects root and all of its descendants. Every pass asks for
// the children of all current members at once and the loop stops at the
// first pass that adds nothing. A failing query counts as an empty answer,
// so only a cancelled context makes Discover fail.
func Discover(ctx context.Context, lister ChildLister, root int) (*Tree, error) {
	tree := &Tree{Root: root, Members: map[int]struct{}{root: {}}}

	for {
		if err := ctx.Err(); err != nil {
			return tree, fmt.Errorf("procwatch.Discover: %w", err)
		}

		children, _ := lister.Children(ctx, tree.Pids())

		changed := false
		for _, pid := range children {
			if !tree.Has(pid) {
				tree.Members[pid] = struct{}{}
				changed = true
			}
		}
		if !changed {
			return tree, nil
		}
		tree.Passes++
	}
}
