//go:build unix

package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
)

func TestAcquireCreatesParentAndWritesPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", fileName)
	l := New(path)
	if !l.Acquire() {
		t.Fatal("Acquire() = false, want true")
	}
	defer l.Release()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != strconv.Itoa(os.Getpid()) {
		t.Errorf("lock file content = %q, want pid %d", got, os.Getpid())
	}
}

func TestSecondHolderIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), fileName)

	first := New(path)
	second := New(path)

	if !first.Acquire() {
		t.Fatal("first Acquire() = false")
	}
	if second.Acquire() {
		t.Fatal("second Acquire() = true while first holds the lock")
	}

	first.Release()
	if !second.Acquire() {
		t.Fatal("second Acquire() after release = false")
	}
	second.Release()
}

func TestConcurrentAcquireExactlyOneWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), fileName)

	const contenders = 8
	locks := make([]*Lock, contenders)
	results := make([]bool, contenders)

	var wg sync.WaitGroup
	for i := range locks {
		locks[i] = New(path)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = locks[i].Acquire()
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, ok := range results {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}

	for _, l := range locks {
		l.Release()
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), fileName)
	l := New(path)

	l.Release()
	if !l.Acquire() {
		t.Fatal("Acquire() = false")
	}
	l.Release()
	l.Release()

	if l.Held() {
		t.Error("Held() = true after Release")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock file still present after release: %v", err)
	}
}

func TestWith(t *testing.T) {
	path := filepath.Join(t.TempDir(), fileName)

	holder := New(path)
	if !holder.Acquire() {
		t.Fatal("Acquire() = false")
	}

	called := false
	err := With(path, func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrNotHeld) {
		t.Fatalf("With() err = %v, want ErrNotHeld", err)
	}
	if called {
		t.Error("fn ran while lock was contended")
	}

	holder.Release()
	if err := With(path, func() error { called = true; return nil }); err != nil {
		t.Fatalf("With() err = %v", err)
	}
	if !called {
		t.Error("fn did not run with a free lock")
	}
}

func TestLockOnUnlinkedFileIsNotHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), fileName)

	a := New(path)
	if !a.Acquire() {
		t.Fatal("a.Acquire() = false")
	}

	// b opens the file a holds, then a releases before b gets to flock.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open lock file: %v", err)
	}
	a.Release()

	c := New(path)
	if !c.Acquire() {
		t.Fatal("c.Acquire() = false on a free lock")
	}
	defer c.Release()

	b := New(path)
	held, stale := b.lockOpened(f)
	if held || !stale {
		t.Fatalf("lockOpened() = held %v, stale %v; want a stale miss", held, stale)
	}
	if b.Held() {
		t.Error("b holds a lock on an unlinked file")
	}
	if b.Acquire() {
		t.Error("b.Acquire() = true while c holds the lock")
	}
	if !c.Held() {
		t.Error("c lost the lock")
	}
}
