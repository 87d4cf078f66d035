package kerwatch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	cases := []struct {
		failCount int
		want      time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{5, 480 * time.Second},
		{6, backoffCap},
		{20, backoffCap},
	}
	s := &Supervisor{backoffBase: backoffBase, backoffCap: backoffCap}
	for _, c := range cases {
		got := s.backoffDelay(c.failCount)
		if got != c.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", c.failCount, got, c.want)
		}
	}
}

func TestOnArmFailureEINVALIsPermanent(t *testing.T) {
	s := &Supervisor{targets: make(map[Key]*target)}
	tg := &target{key: Key{OwnerUID: 1000, DeviceID: "partuuid:aaa"}}

	s.onArmFailure(tg, "/mnt/x", fmt.Errorf("arming: %w", syscall.EINVAL))

	tg.mu.Lock()
	defer tg.mu.Unlock()
	if !tg.retryOnlyOnMountChange {
		t.Fatal("expected retryOnlyOnMountChange=true for an EINVAL arming error")
	}
	if !tg.nextRetryAt.IsZero() {
		t.Fatal("expected no scheduled retry for a permanent EINVAL failure")
	}
	if tg.state != ErrorState {
		t.Fatalf("state = %v, want ErrorState", tg.state)
	}
}

func TestOnArmFailureOtherErrorSchedulesBackoff(t *testing.T) {
	s := &Supervisor{targets: make(map[Key]*target), backoffBase: backoffBase, backoffCap: backoffCap}
	tg := &target{key: Key{OwnerUID: 1000, DeviceID: "partuuid:aaa"}}

	s.onArmFailure(tg, "/mnt/x", errors.New("boom"))

	tg.mu.Lock()
	defer tg.mu.Unlock()
	if tg.retryOnlyOnMountChange {
		t.Fatal("expected retryOnlyOnMountChange=false for a non-EINVAL failure")
	}
	if tg.nextRetryAt.Before(time.Now()) {
		t.Fatal("expected a future scheduled retry")
	}
	if tg.failCount != 1 {
		t.Fatalf("failCount = %d, want 1", tg.failCount)
	}
}

func TestArmFilesystemScopeWatchesSubdirectories(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	s := &Supervisor{}
	w, mode, err := s.armFilesystemScope(root)
	if err != nil {
		t.Fatalf("armFilesystemScope: %v", err)
	}
	defer w.Close()
	if mode != FilesystemEvents {
		t.Fatalf("mode = %v, want FilesystemEvents", mode)
	}

	if err := os.WriteFile(filepath.Join(sub, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case ev := <-w.Events:
		if filepath.Dir(ev.Name) != sub {
			t.Fatalf("event %+v not under watched subdirectory %s", ev, sub)
		}
	case err := <-w.Errors:
		t.Fatalf("watcher error: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for an event from the watched subdirectory")
	}
}

type fakeMountResolver struct {
	mountPoint string
}

func (f *fakeMountResolver) MountPoint(deviceID string) (string, error) {
	return f.mountPoint, nil
}

func TestRefreshWatchesForUidCoalescesBurstAfterQuietTimer(t *testing.T) {
	root := t.TempDir()
	resolver := &fakeMountResolver{mountPoint: root}

	bursts := make(chan Burst, 4)
	s := New(resolver, func(uid uint32) map[string]bool {
		return map[string]bool{"partuuid:aaa": true}
	}, func(b Burst) { bursts <- b })
	s.quiet = 80 * time.Millisecond

	s.RefreshWatchesForUid(1000)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if st, ok := s.StatusFor(1000, "partuuid:aaa"); ok && st.State == Watching {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the target to reach Watching")
		}
		time.Sleep(10 * time.Millisecond)
	}

	for i := 0; i < 5; i++ {
		name := filepath.Join(root, fmt.Sprintf("f%d.txt", i))
		if err := os.WriteFile(name, []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	select {
	case b := <-bursts:
		if b.Key.DeviceID != "partuuid:aaa" {
			t.Fatalf("burst key = %+v, want partuuid:aaa", b.Key)
		}
		if len(b.ChangedPaths) == 0 {
			t.Fatal("expected at least one changed path in the coalesced burst")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a coalesced burst")
	}

	select {
	case b := <-bursts:
		t.Fatalf("expected exactly one burst, got a second: %+v", b)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRefreshMarksNotMountedWhenMountPointEmpty(t *testing.T) {
	resolver := &fakeMountResolver{mountPoint: ""}
	s := New(resolver, func(uid uint32) map[string]bool {
		return map[string]bool{"partuuid:aaa": true}
	}, func(b Burst) {})

	s.RefreshWatchesForUid(1000)

	st, ok := s.StatusFor(1000, "partuuid:aaa")
	if !ok {
		t.Fatal("expected a tracked target even when not mounted")
	}
	if st.State != NotMounted {
		t.Fatalf("state = %v, want NotMounted", st.State)
	}
}
