package identitysync

import (
	"testing"
	"time"
)

func waitForRuns(t *testing.T, d *Daemon, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.Status().TotalRuns >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("daemon ran %d passes, want at least %d", d.Status().TotalRuns, want)
}

func TestDaemonStartStop(t *testing.T) {
	svc := newTestService(newFakeStore(), nil, newFakeProvider())
	d := NewDaemon(svc, testLogger())
	d.SetInterval(time.Hour)

	if d.Status().Running {
		t.Fatal("new daemon must start stopped")
	}

	d.Start()
	if !d.Status().Running {
		t.Fatal("daemon not running after Start")
	}
	waitForRuns(t, d, 1)

	// Redundant transitions are warnings, not state changes.
	d.Start()
	if !d.Status().Running {
		t.Fatal("second Start changed state")
	}

	d.Stop()
	if d.Status().Running {
		t.Fatal("daemon still running after Stop")
	}
	d.Stop()
	if d.Status().Running {
		t.Fatal("second Stop changed state")
	}
}

func TestDaemonRunsOnInterval(t *testing.T) {
	svc := newTestService(newFakeStore(), nil, newFakeProvider())
	d := NewDaemon(svc, testLogger())
	d.SetInterval(20 * time.Millisecond)

	d.Start()
	defer d.Stop()
	waitForRuns(t, d, 3)

	status := d.Status()
	if status.SuccessfulRuns < 3 {
		t.Fatalf("successful runs = %d", status.SuccessfulRuns)
	}
	if status.FailedRuns != 0 {
		t.Fatalf("failed runs = %d", status.FailedRuns)
	}
	if status.LastRunAt == nil {
		t.Fatal("last run timestamp not recorded")
	}
}

func TestDaemonSetIntervalWhileRunning(t *testing.T) {
	svc := newTestService(newFakeStore(), nil, newFakeProvider())
	d := NewDaemon(svc, testLogger())
	d.SetInterval(time.Hour)

	d.Start()
	defer d.Stop()
	waitForRuns(t, d, 1)

	d.SetInterval(20 * time.Millisecond)
	if d.Interval() != 20*time.Millisecond {
		t.Fatalf("interval = %s", d.Interval())
	}
	if !d.Status().Running {
		t.Fatal("interval change stopped the daemon")
	}
	// The hour-long timer must be abandoned in favor of the new interval.
	waitForRuns(t, d, 2)
}

func TestDaemonCountsFailedPasses(t *testing.T) {
	provider := newFakeProvider()
	provider.unconfigured = true
	svc := newTestService(newFakeStore(), nil, provider)
	d := NewDaemon(svc, testLogger())
	d.SetInterval(time.Hour)

	d.Start()
	defer d.Stop()
	waitForRuns(t, d, 1)

	if d.Status().FailedRuns != 1 {
		t.Fatalf("failed runs = %d, want 1", d.Status().FailedRuns)
	}
}
