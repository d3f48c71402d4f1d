package persist

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"mountd/mountunit"
	"mountd/supervisor"
	"mountd/timer"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "mountd.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDumpAndLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	u := mountunit.New("/srv", 90*time.Second, 0755)
	u.State = mountunit.Mounted
	u.ControlPID = 0

	now := time.Now()
	if err := s.Dump("srv.mount", u, now); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	rec, err := s.Load("srv.mount")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.State != mountunit.Mounted {
		t.Errorf("expected Mounted, got %s", rec.State)
	}
	if !rec.StateChangeTime.Equal(now) {
		t.Errorf("expected state change time %v, got %v", now, rec.StateChangeTime)
	}
}

func TestLoadMissingIsErrRecordNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Load("no-such.mount")
	if err != ErrRecordNotFound {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestForgetRemovesRecord(t *testing.T) {
	s := openTestStore(t)
	u := mountunit.New("/srv", 90*time.Second, 0755)
	s.Dump("srv.mount", u, time.Now())

	if err := s.Forget("srv.mount"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, err := s.Load("srv.mount"); err != ErrRecordNotFound {
		t.Fatalf("expected ErrRecordNotFound after Forget, got %v", err)
	}
}

func TestColdplugAdoptsDeserializedState(t *testing.T) {
	sup := supervisor.New()
	timers := timer.New()
	u := mountunit.New("/srv", 90*time.Second, 0755)

	rec := &Record{State: mountunit.Mounted, Result: mountunit.ResultSuccess, Timeout: 90 * time.Second}
	if err := Coldplug(u, rec, time.Now(), sup, timers); err != nil {
		t.Fatalf("Coldplug: %v", err)
	}
	if u.State != mountunit.Mounted {
		t.Fatalf("expected adopted Mounted state, got %s", u.State)
	}
	if !u.HasDeserializedState || u.DeserializedState != mountunit.Mounted {
		t.Error("expected deserialized-state bookkeeping populated")
	}
}

func TestColdplugReattachesHelperActivePid(t *testing.T) {
	// A process started directly, outside any Supervisor, standing in
	// for a helper whose Spawn predates this process's own exec reload
	// — the pid is real and still our child, but nothing has called
	// Wait on it yet.
	cmd := exec.Command("/bin/sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pid := cmd.Process.Pid

	sup := supervisor.New()
	timers := timer.New()
	u := mountunit.New("/srv", 90*time.Second, 0755)

	rec := &Record{
		State:            mountunit.Mounting,
		ControlPID:       pid,
		ControlCommandID: mountunit.ExecMount,
		StateChangeTime:  time.Now().Add(-5 * time.Second),
		Timeout:          90 * time.Second,
	}
	if err := Coldplug(u, rec, time.Now(), sup, timers); err != nil {
		t.Fatalf("Coldplug: %v", err)
	}
	if u.ControlPID != pid {
		t.Errorf("expected control pid %d adopted, got %d", pid, u.ControlPID)
	}
	if !timers.IsArmed(u.Where) {
		t.Error("expected timer re-armed on coldplug of a helper-active state")
	}

	sup.Kill(pid, 9)
	<-sup.Done
	timers.Cancel(u.Where)
}

func TestColdplugSkipsWhenStateUnchanged(t *testing.T) {
	sup := supervisor.New()
	timers := timer.New()
	u := mountunit.New("/srv", 90*time.Second, 0755)

	rec := &Record{State: mountunit.Dead}
	if err := Coldplug(u, rec, time.Now(), sup, timers); err != nil {
		t.Fatalf("Coldplug: %v", err)
	}
	if timers.IsArmed(u.Where) {
		t.Error("expected no timer armed when deserialized state matches current")
	}
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
