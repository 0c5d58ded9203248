// SPDX-License-Identifier: MIT

//go:build linux

package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewFileLockValidation(t *testing.T) {
	if _, err := NewFileLock(""); err == nil {
		t.Error("NewFileLock(\"\") should fail")
	}

	// Parent directory is created on demand.
	path := filepath.Join(t.TempDir(), "nested", "dir", "streamd.lock")
	if _, err := NewFileLock(path); err != nil {
		t.Fatalf("NewFileLock() with missing parent dirs: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Errorf("parent directory was not created: %v", err)
	}
}

func TestAcquireWritesPIDAndReleases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamd.lock")

	fl, err := NewFileLock(path)
	if err != nil {
		t.Fatalf("NewFileLock() error = %v", err)
	}
	defer func() { _ = fl.Close() }()

	if err := fl.Acquire(5 * time.Second); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading lock file: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("lock file does not hold a PID: %q", data)
	}
	if pid != os.Getpid() {
		t.Errorf("lock file PID = %d, want %d", pid, os.Getpid())
	}

	if err := fl.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
}

func TestSecondAcquireBlocksUntilRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamd.lock")

	first, err := NewFileLock(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = first.Close() }()
	if err := first.Acquire(5 * time.Second); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}

	// A second daemon instance (modelled as a second open file description,
	// which flock treats as an independent lock owner) must time out while
	// the first holds the lock.
	second, err := NewFileLock(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = second.Close() }()

	start := time.Now()
	if err := second.Acquire(500 * time.Millisecond); err == nil {
		t.Fatal("second Acquire() should have timed out")
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Errorf("second Acquire() gave up after only %v", elapsed)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("first Release() error = %v", err)
	}
	if err := second.Acquire(time.Second); err != nil {
		t.Fatalf("second Acquire() after release error = %v", err)
	}
}

func TestStaleLockIsReclaimed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "dead pid", content: "999999\n"},
		{name: "garbage pid", content: "not-a-pid\n"},
		{name: "empty file", content: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "streamd.lock")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}

			fl, err := NewFileLock(path)
			if err != nil {
				t.Fatal(err)
			}
			defer func() { _ = fl.Close() }()

			if err := fl.Acquire(time.Second); err != nil {
				t.Fatalf("Acquire() over a stale lock should succeed: %v", err)
			}
		})
	}
}

func TestLiveLockIsNotStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamd.lock")

	// Our own PID is alive, so the lock must be treated as valid even with
	// an ancient mtime — a daemon up for days legitimately has an old lock
	// file.
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-24 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	stale, err := isLockStale(path, DefaultStaleThreshold)
	if err != nil {
		t.Fatalf("isLockStale() error = %v", err)
	}
	if stale {
		t.Error("lock held by a live process was reported stale")
	}
}

func TestIsLockStaleMissingFile(t *testing.T) {
	stale, err := isLockStale(filepath.Join(t.TempDir(), "absent.lock"), DefaultStaleThreshold)
	if err != nil {
		t.Fatalf("isLockStale() error = %v", err)
	}
	if stale {
		t.Error("a missing lock file is absent, not stale")
	}
}

func TestReleaseWithoutAcquire(t *testing.T) {
	fl, err := NewFileLock(filepath.Join(t.TempDir(), "streamd.lock"))
	if err != nil {
		t.Fatal(err)
	}
	if err := fl.Release(); err == nil {
		t.Error("Release() without Acquire() should fail")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	fl, err := NewFileLock(filepath.Join(t.TempDir(), "streamd.lock"))
	if err != nil {
		t.Fatal(err)
	}
	if err := fl.Acquire(time.Second); err != nil {
		t.Fatal(err)
	}

	if err := fl.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := fl.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestAcquireContextCancellation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamd.lock")

	holder, err := NewFileLock(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = holder.Close() }()
	if err := holder.Acquire(time.Second); err != nil {
		t.Fatal(err)
	}

	waiter, err := NewFileLock(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = waiter.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	err = waiter.AcquireContext(ctx, 30*time.Second)
	if err != context.Canceled {
		t.Errorf("AcquireContext() after cancel = %v, want context.Canceled", err)
	}
}

func TestAcquireContextAlreadyCancelled(t *testing.T) {
	fl, err := NewFileLock(filepath.Join(t.TempDir(), "streamd.lock"))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := fl.AcquireContext(ctx, time.Second); err != context.Canceled {
		t.Errorf("AcquireContext() with dead context = %v, want context.Canceled", err)
	}
}

func TestOnlyOneWinnerUnderContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamd.lock")

	const contenders = 8
	var winners int32
	var wg sync.WaitGroup

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fl, err := NewFileLock(path)
			if err != nil {
				t.Errorf("NewFileLock() error = %v", err)
				return
			}
			if err := fl.Acquire(0); err == nil {
				atomic.AddInt32(&winners, 1)
				// Hold briefly so the losers genuinely contend.
				time.Sleep(100 * time.Millisecond)
				_ = fl.Release()
			}
		}()
	}

	wg.Wait()
	if got := atomic.LoadInt32(&winners); got != 1 {
		t.Errorf("%d contenders acquired a zero-timeout lock, want exactly 1", got)
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamd.lock")

	fl, err := NewFileLock(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = fl.Close() }()

	for i := 0; i < 3; i++ {
		if err := fl.Acquire(time.Second); err != nil {
			t.Fatalf("Acquire() round %d error = %v", i, err)
		}
		if err := fl.Release(); err != nil {
			t.Fatalf("Release() round %d error = %v", i, err)
		}
	}
}
