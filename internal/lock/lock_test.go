package lock

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func TestMutexMap_LockUnlock(t *testing.T) {
	m := NewMutexMap()

	m.Lock("eoe")
	m.Unlock("eoe")

	// Should be able to lock again
	m.Lock("eoe")
	m.Unlock("eoe")
}

func TestMutexMap_DifferentKeys(t *testing.T) {
	m := NewMutexMap()

	done := make(chan struct{})

	m.Lock("eoe")
	go func() {
		// tgw should not be blocked by eoe
		m.Lock("tgw")
		m.Unlock("tgw")
		close(done)
	}()

	<-done
	m.Unlock("eoe")
}

func TestMutexMap_Concurrent(t *testing.T) {
	m := NewMutexMap()
	var counter int64

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("shared")
			atomic.AddInt64(&counter, 1)
			m.Unlock("shared")
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected counter=100, got %d", counter)
	}
}

func TestFileLock_TryLock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl := NewFileLock(lockPath)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer fl.Unlock()
}

func TestFileLock_DoubleLockRejected(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	defer fl1.Unlock()

	fl2 := NewFileLock(lockPath)
	if err := fl2.TryLock(); err == nil {
		fl2.Unlock()
		t.Fatal("expected second TryLock to fail")
	}
}

func TestFileLock_UnlockAllowsRelock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	fl2 := NewFileLock(lockPath)
	if err := fl2.TryLock(); err != nil {
		t.Fatalf("re-lock after unlock failed: %v", err)
	}
	fl2.Unlock()
}

func TestFileLock_DoubleUnlockSafe(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl := NewFileLock(lockPath)
	fl.TryLock()
	fl.Unlock()
	// Double unlock should be safe
	if err := fl.Unlock(); err != nil {
		t.Fatalf("double unlock should be safe, got: %v", err)
	}
}

func TestMutexMap_TryLock(t *testing.T) {
	m := NewMutexMap()

	if !m.TryLock("eoe") {
		t.Fatal("TryLock on a free key should succeed")
	}
	if m.TryLock("eoe") {
		t.Fatal("TryLock on a held key should fail")
	}
	m.Unlock("eoe")
	if !m.TryLock("eoe") {
		t.Fatal("TryLock after Unlock should succeed")
	}
	m.Unlock("eoe")
}

func TestMutexMap_AcquireReleaseTwice(t *testing.T) {
	m := NewMutexMap()

	release := m.Acquire("eoe")
	if m.TryLock("eoe") {
		t.Fatal("key should be held after Acquire")
	}
	release()
	release()

	if !m.TryLock("eoe") {
		t.Fatal("key should be free after release")
	}
	m.Unlock("eoe")
}

func TestHolderPID(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl := NewFileLock(lockPath)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer fl.Unlock()

	pid, err := HolderPID(lockPath)
	if err != nil {
		t.Fatalf("HolderPID failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid: got %d, want %d", pid, os.Getpid())
	}

	if _, err := HolderPID(filepath.Join(dir, "missing.lock")); err == nil {
		t.Error("expected error for missing lock file")
	}
}
