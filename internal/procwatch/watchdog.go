// Package procwatch supervises subprocesses that may hang without exiting.
package procwatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

const (
	defaultKillGrace = 10 * time.Second
	defaultWaitDelay = 10 * time.Second
)

// TimeoutError is returned by Watchdog.Run when the process tree was killed
// for inactivity. Err holds the error the process exited with.
type TimeoutError struct {
	Kind      string
	KillAfter time.Duration
	Pids      []int
	Err       error
}

func (e *TimeoutError) Error() string {
	kind := e.Kind
	if kind == "" {
		kind = "command"
	}
	return fmt.Sprintf("%s timed out: no activity for %s, signaled %d processes", kind, e.KillAfter, len(e.Pids))
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// ActivityWriter reports every non-empty write to Touch before passing
// it on to W. A nil W discards the data.
type ActivityWriter struct {
	W     io.Writer
	Touch func()
}

func (w *ActivityWriter) Write(p []byte) (int, error) {
	if len(p) > 0 && w.Touch != nil {
		w.Touch()
	}
	if w.W == nil {
		return len(p), nil
	}
	return w.W.Write(p)
}

// Watchdog kills a command's process tree when the command stays silent
// for too long.
//
// Both deadlines count from the last output on stdout or stderr, or from
// the start of the command when there was none. A zero duration disables
// the corresponding deadline.
type Watchdog struct {
	// Kind names the supervised command in TimeoutError, e.g. "pod install".
	Kind string

	WarnAfter time.Duration
	KillAfter time.Duration

	// KillGrace is how long to wait after Signal before sending SIGKILL.
	KillGrace time.Duration

	OnWarn func(inactive time.Duration)
	OnKill func(tree *Tree)

	// Lister defaults to PgrepLister.
	Lister ChildLister

	// Signal defaults to SIGTERM.
	Signal os.Signal

	Logger *slog.Logger
}

func (w *Watchdog) lister() ChildLister {
	if w.Lister == nil {
		return PgrepLister{}
	}
	return w.Lister
}

func (w *Watchdog) signal() os.Signal {
	if w.Signal == nil {
		return syscall.SIGTERM
	}
	return w.Signal
}

func (w *Watchdog) killGrace() time.Duration {
	if w.KillGrace <= 0 {
		return defaultKillGrace
	}
	return w.KillGrace
}

func (w *Watchdog) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

// Run starts cmd and waits for it like cmd.Run does.
//
// It returns *TimeoutError only when the process tree was killed because of
// inactivity. Cancelling ctx kills the tree too and returns ctx.Err().
func (w *Watchdog) Run(ctx context.Context, cmd *exec.Cmd) error {
	activity := make(chan struct{}, 1)
	touch := func() {
		select {
		case activity <- struct{}{}:
		default:
		}
	}
	cmd.Stdout = &ActivityWriter{W: cmd.Stdout, Touch: touch}
	cmd.Stderr = &ActivityWriter{W: cmd.Stderr, Touch: touch}
	if cmd.WaitDelay == 0 {
		// Grandchildren may keep the output pipes open after the
		// command exits.
		cmd.WaitDelay = defaultWaitDelay
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("procwatch.Watchdog: %w", err)
	}
	root := cmd.Process.Pid

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	s := &supervision{
		watchdog:     w,
		root:         root,
		lastActivity: time.Now(),
	}

	timer := time.NewTimer(s.untilNext(time.Now()))
	defer timer.Stop()

	// A command that exits on its own is never a timeout, even when the
	// kill raced with its exit.
	finish := func(err error) error {
		if s.killed && err != nil {
			return &TimeoutError{Kind: w.Kind, KillAfter: w.KillAfter, Pids: s.killedPids, Err: err}
		}
		return err
	}

	for {
		select {
		case err := <-done:
			return finish(err)

		case <-activity:
			if s.killed {
				continue
			}
			s.lastActivity = time.Now()
			s.warned = false
			timer.Reset(s.untilNext(time.Now()))

		case now := <-timer.C:
			select {
			case err := <-done:
				return finish(err)
			default:
			}
			s.expire(ctx, now)
			timer.Reset(s.untilNext(time.Now()))

		case <-ctx.Done():
			s.signalTree(context.WithoutCancel(ctx), os.Kill)
			<-done
			return fmt.Errorf("procwatch.Watchdog: %w", ctx.Err())
		}
	}
}

type supervision struct {
	watchdog *Watchdog
	root     int

	lastActivity time.Time
	warned       bool
	killed       bool
	killedAt     time.Time
	killedPids   []int
	forced       bool
}

const never = time.Duration(1<<63 - 1)

// untilNext returns the time left until the earliest pending deadline.
func (s *supervision) untilNext(now time.Time) time.Duration {
	next := never
	consider := func(deadline time.Time) {
		if d := deadline.Sub(now); d < next {
			next = max(d, 0)
		}
	}

	w := s.watchdog
	switch {
	case s.killed && !s.forced:
		consider(s.killedAt.Add(w.killGrace()))
	case s.killed:
	default:
		if w.WarnAfter > 0 && !s.warned {
			consider(s.lastActivity.Add(w.WarnAfter))
		}
		if w.KillAfter > 0 {
			consider(s.lastActivity.Add(w.KillAfter))
		}
	}
	return next
}

func (s *supervision) expire(ctx context.Context, now time.Time) {
	w := s.watchdog
	inactive := now.Sub(s.lastActivity)

	if s.killed {
		if !s.forced && now.Sub(s.killedAt) >= w.killGrace() {
			s.forced = true
			w.logger().Warn("process tree ignored the signal, killing it", "root", s.root)
			s.signalTree(ctx, os.Kill)
		}
		return
	}

	if w.WarnAfter > 0 && !s.warned && inactive >= w.WarnAfter {
		s.warned = true
		w.logger().Warn("process is inactive", "root", s.root, "inactive", inactive)
		if w.OnWarn != nil {
			w.OnWarn(inactive)
		}
	}

	if w.KillAfter > 0 && inactive >= w.KillAfter {
		tree := s.terminate(ctx)
		w.logger().Error("killed inactive process tree", "root", s.root, "inactive", inactive, "pids", tree.Pids())
		if w.OnKill != nil {
			w.OnKill(tree)
		}
	}
}

// terminate rediscovers the tree from the root captured at start, so
// children spawned since the last discovery are signaled too.
func (s *supervision) terminate(ctx context.Context) *Tree {
	tree := s.signalTree(ctx, s.watchdog.signal())
	s.killed = true
	s.killedAt = time.Now()
	s.killedPids = tree.Pids()
	return tree
}

func (s *supervision) signalTree(ctx context.Context, sig os.Signal) *Tree {
	tree, err := Discover(ctx, s.watchdog.lister(), s.root)
	if err != nil {
		s.watchdog.logger().Warn("didn't discover the whole process tree", "root", s.root, "err", err)
	}

	for _, pid := range tree.Pids() {
		p, err := os.FindProcess(pid)
		if err != nil {
			continue
		}
		if err = p.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH) {
			s.watchdog.logger().Warn("didn't signal process", "pid", pid, "err", err)
		}
	}
	return tree
}
