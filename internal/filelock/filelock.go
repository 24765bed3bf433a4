// Package filelock implements the cross-process advisory lock manager: a
// per-path state machine coordinating shared/exclusive acquisition across
// goroutines in this process, backed by an OS advisory file lock so that
// other processes (other proxy workers) are coordinated too. Writer
// acquisition is prioritized over new shared acquisitions.
package filelock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Mode is the lock mode requested.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

type state int

const (
	stateIdle state = iota
	stateAcquiringEx
	stateAcquiringSh
	stateAcquiredEx
	stateAcquiredSh
)

// waiter is one pending acquisition. All of its fields are only ever touched
// while the owning fileLock's mutex is held, so it needs no lock of its own.
type waiter struct {
	done     chan struct{}
	err      error
	acquired bool
}

func newWaiter() *waiter { return &waiter{done: make(chan struct{})} }

func (w *waiter) resolve(err error) {
	w.err = err
	w.acquired = true
	close(w.done)
}

// fileLock is the per-absolute-path record: one exists iff a Manager has
// seen an acquisition for that path since it was last fully released.
type fileLock struct {
	mu        sync.Mutex
	filename  string
	holderNum int
	exWaiters []*waiter
	shWaiters []*waiter
	state     state
	f         *os.File
}

func newFileLock(filename string) *fileLock {
	return &fileLock{filename: filename}
}

// Manager indexes locks by absolute path, mirroring the original
// process-local LockManager singleton — but explicitly constructed and
// injected rather than a module-level global (spec.md §9).
type Manager struct {
	mu    sync.Mutex
	locks map[string]*fileLock

	// OnWait, if set, is called after every Acquire (successful or not)
	// with the mode and how long the caller waited. Left nil by default
	// so the package stays metrics-agnostic for its own tests; cmd/proxy
	// wires it to the lock_wait_seconds histogram.
	OnWait func(mode Mode, waited time.Duration)
}

// NewManager constructs an empty lock manager.
func NewManager() *Manager {
	return &Manager{locks: map[string]*fileLock{}}
}

func (m *Manager) getOrCreate(filename string) (*fileLock, error) {
	abs, err := filepath.Abs(filename)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fl, ok := m.locks[abs]
	if ok {
		return fl, nil
	}
	if err := ensureDir(abs); err != nil {
		return nil, err
	}
	fl = newFileLock(abs)
	m.locks[abs] = fl
	return fl, nil
}

func (m *Manager) removeLock(filename string) {
	m.mu.Lock()
	delete(m.locks, filename)
	m.mu.Unlock()
}

// ensureDir creates the parent directory of path, retrying with backoff on
// a directory-creation race between processes (spec.md §4.3 failure modes).
func ensureDir(path string) error {
	dir := filepath.Dir(path)
	delay := 100 * time.Millisecond
	var lastErr error
	for i := 0; i < 10; i++ {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return nil
		}
		if err := os.MkdirAll(dir, 0o755); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return fmt.Errorf("filelock: could not create directory %s: %w", dir, lastErr)
}

// Lock is an acquirable handle bound to one file path and mode. Acquire and
// Release may be called from any goroutine; a Lock is not itself reusable
// concurrently by multiple goroutines (acquire one Lock per intended holder,
// as with a mutex).
type Lock struct {
	mgr  *Manager
	fl   *fileLock
	mode Mode
}

// NewLock resolves (creating if necessary) the lock record for path and
// returns a handle for acquiring it in the given mode.
func (m *Manager) NewLock(path string, mode Mode) (*Lock, error) {
	fl, err := m.getOrCreate(path)
	if err != nil {
		return nil, err
	}
	return &Lock{mgr: m, fl: fl, mode: mode}, nil
}

// Acquire blocks until the lock is held or ctx is done. If ctx is canceled
// after the lock was already granted (a race inherent to cooperative
// cancellation), Acquire still releases it before returning ctx.Err(), so
// callers must not call Release in that case.
func (l *Lock) Acquire(ctx context.Context) error {
	fl := l.fl
	w := newWaiter()
	start := time.Now()

	fl.mu.Lock()
	if l.mode == Exclusive {
		fl.exWaiters = append(fl.exWaiters, w)
	} else {
		fl.shWaiters = append(fl.shWaiters, w)
	}
	fl.tryAcquireLocked(l.mgr)
	fl.mu.Unlock()

	select {
	case <-w.done:
		l.recordWait(start)
		return w.err
	case <-ctx.Done():
		fl.mu.Lock()
		if w.acquired {
			fl.mu.Unlock()
			// Granted exactly as we observed cancellation: treat as a fast
			// acquire immediately followed by release so no permit leaks.
			l.Release()
			l.recordWait(start)
			return ctx.Err()
		}
		if l.mode == Exclusive {
			fl.exWaiters = removeWaiter(fl.exWaiters, w)
		} else {
			fl.shWaiters = removeWaiter(fl.shWaiters, w)
		}
		fl.mu.Unlock()
		l.recordWait(start)
		return ctx.Err()
	}
}

func (l *Lock) recordWait(start time.Time) {
	if l.mgr.OnWait != nil {
		l.mgr.OnWait(l.mode, time.Since(start))
	}
}

func removeWaiter(ws []*waiter, target *waiter) []*waiter {
	for i, w := range ws {
		if w == target {
			return append(ws[:i], ws[i+1:]...)
		}
	}
	return ws
}

// Release releases one held permit for this lock's mode. It must only be
// called after a successful (nil-error, non-canceled) Acquire.
func (l *Lock) Release() {
	fl := l.fl
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.holderNum--
	if fl.holderNum > 0 {
		return
	}
	fl.releaseOSLocked(l.mgr)
}

// MaybeRemoveLockFile opportunistically deletes the backing lock file if no
// process currently holds any lock on it (an exclusive, non-blocking probe).
// Safe to call after Release; a no-op if another process still holds it.
func (l *Lock) MaybeRemoveLockFile() {
	fl := l.fl
	fl.mu.Lock()
	idle := fl.state == stateIdle
	fl.mu.Unlock()
	if !idle {
		return
	}
	f, err := os.OpenFile(fl.filename, os.O_RDWR, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return
	}
	_ = os.Remove(fl.filename)
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// --- internal state machine, all methods here assume fl.mu is held ---

func (fl *fileLock) tryAcquireLocked(mgr *Manager) {
	if fl.state == stateAcquiringEx || fl.state == stateAcquiringSh {
		return
	}

	var mode Mode
	switch {
	case len(fl.exWaiters) > 0:
		mode = Exclusive
	case len(fl.shWaiters) > 0:
		mode = Shared
	default:
		return
	}

	switch fl.state {
	case stateIdle:
		fl.tryAcquireIdleLocked(mode, mgr)
	case stateAcquiredEx:
		fl.acquireExLocked(mgr)
	case stateAcquiredSh:
		fl.acquireShLocked(mgr)
	}
}

func (fl *fileLock) tryAcquireIdleLocked(mode Mode, mgr *Manager) {
	f, err := os.OpenFile(fl.filename, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		fl.failHeadWaiterLocked(mode, err)
		return
	}
	fl.f = f

	flockArg := unix.LOCK_EX
	if mode == Shared {
		flockArg = unix.LOCK_SH
	}
	if err := unix.Flock(int(f.Fd()), flockArg|unix.LOCK_NB); err == nil {
		fl.acquiredLocked(mode, mgr)
		return
	} else if err != unix.EWOULDBLOCK {
		fl.f.Close()
		fl.f = nil
		fl.failHeadWaiterLocked(mode, err)
		return
	}

	// Contended: fall back to a blocking flock on a dedicated goroutine so
	// the caller's event loop (other goroutines acquiring other locks) is
	// never blocked by this one.
	if mode == Exclusive {
		fl.state = stateAcquiringEx
	} else {
		fl.state = stateAcquiringSh
	}
	go fl.blockingFlock(mode, mgr)
}

func (fl *fileLock) blockingFlock(mode Mode, mgr *Manager) {
	flockArg := unix.LOCK_EX
	if mode == Shared {
		flockArg = unix.LOCK_SH
	}
	_ = unix.Flock(int(fl.f.Fd()), flockArg)
	fl.mu.Lock()
	fl.acquiredLocked(mode, mgr)
	fl.mu.Unlock()
}

func (fl *fileLock) acquiredLocked(mode Mode, mgr *Manager) {
	if mode == Exclusive {
		fl.state = stateAcquiredEx
	} else {
		fl.state = stateAcquiredSh
	}
	fl.tryAcquireLocked(mgr)
}

// acquireExLocked grants the OS-held exclusive lock to exactly one queued
// writer. Only one exclusive holder can ever exist at a time; additional
// exclusive waiters remain queued until the current holder releases.
func (fl *fileLock) acquireExLocked(mgr *Manager) {
	if fl.holderNum != 0 {
		return
	}
	if len(fl.exWaiters) == 0 {
		fl.releaseOSLocked(mgr)
		return
	}
	w := fl.exWaiters[0]
	fl.exWaiters = fl.exWaiters[1:]
	fl.holderNum++
	w.resolve(nil)
}

// acquireShLocked grants the OS-held shared lock to every currently queued
// reader as a batch, unless an exclusive waiter is already queued — in which
// case new shared acquisitions queue behind it (writer priority).
func (fl *fileLock) acquireShLocked(mgr *Manager) {
	if len(fl.exWaiters) == 0 {
		for _, w := range fl.shWaiters {
			fl.holderNum++
			w.resolve(nil)
		}
		fl.shWaiters = nil
	}
	if fl.holderNum == 0 {
		// An exclusive waiter arrived while no reader held the lock: release
		// the OS shared lock now so the writer isn't starved forever.
		fl.releaseOSLocked(mgr)
	}
}

func (fl *fileLock) failHeadWaiterLocked(mode Mode, err error) {
	fl.state = stateIdle
	var w *waiter
	if mode == Exclusive && len(fl.exWaiters) > 0 {
		w = fl.exWaiters[0]
		fl.exWaiters = fl.exWaiters[1:]
	} else if mode == Shared && len(fl.shWaiters) > 0 {
		w = fl.shWaiters[0]
		fl.shWaiters = fl.shWaiters[1:]
	}
	if w != nil {
		w.resolve(err)
	}
}

func (fl *fileLock) releaseOSLocked(mgr *Manager) {
	if fl.f != nil {
		_ = unix.Flock(int(fl.f.Fd()), unix.LOCK_UN)
		fl.f.Close()
		fl.f = nil
	}
	fl.state = stateIdle
	fl.tryAcquireLocked(mgr)
	if fl.state == stateIdle {
		mgr.removeLock(fl.filename)
	}
}
