package registry

import (
	"testing"
	"time"
)

func TestRegisterDiscoverRoundTrip(t *testing.T) {
	reg := New()
	entry := Entry{ServiceName: "math", InstanceID: "i1", Address: "127.0.0.1", Port: 9999, Status: StatusHealthy}

	if err := reg.Register(entry, time.Minute); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := reg.Discover("math", false)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(got) != 1 || got[0].InstanceID != "i1" {
		t.Fatalf("expected one live entry, got %+v", got)
	}
}

func TestDiscoverExcludesUnhealthyByDefault(t *testing.T) {
	reg := New()
	entry := Entry{ServiceName: "math", InstanceID: "i1", Status: StatusUnhealthy}
	if err := reg.Register(entry, time.Minute); err != nil {
		t.Fatal(err)
	}

	got, _ := reg.Discover("math", false)
	if len(got) != 0 {
		t.Fatalf("expected unhealthy entry excluded, got %+v", got)
	}

	got, _ = reg.Discover("math", true)
	if len(got) != 1 {
		t.Fatalf("expected unhealthy entry included, got %+v", got)
	}
}

func TestDeregisterIsNoopOnMismatchedInstance(t *testing.T) {
	reg := New()
	entry := Entry{ServiceName: "math", InstanceID: "i1", Status: StatusHealthy}
	_ = reg.Register(entry, time.Minute)

	if err := reg.Deregister("math", "i2-does-not-exist"); err != nil {
		t.Fatalf("Deregister on unknown instance should be a no-op, got %v", err)
	}

	got, _ := reg.Discover("math", false)
	if len(got) != 1 {
		t.Fatalf("expected original entry untouched, got %+v", got)
	}
}

func TestTTLExpiry(t *testing.T) {
	reg := New().(*memRegistry)
	fakeNow := time.Now()
	reg.now = func() time.Time { return fakeNow }

	entry := Entry{ServiceName: "math", InstanceID: "i1", Status: StatusHealthy}
	if err := reg.Register(entry, 2*time.Second); err != nil {
		t.Fatal(err)
	}

	got, _ := reg.Discover("math", false)
	if len(got) != 1 {
		t.Fatalf("expected entry live before TTL elapses, got %+v", got)
	}

	fakeNow = fakeNow.Add(3 * time.Second)
	got, _ = reg.Discover("math", false)
	if len(got) != 0 {
		t.Fatalf("expected entry expired after TTL, got %+v", got)
	}
}

func TestWatchReceivesResyncThenLiveEvents(t *testing.T) {
	reg := New()
	entry := Entry{ServiceName: "math", InstanceID: "i1", Status: StatusHealthy}
	_ = reg.Register(entry, time.Minute)

	ch, cancel := reg.Watch("math")
	defer cancel()

	select {
	case ev := <-ch:
		if ev.Kind != EventAdded || ev.Entry.InstanceID != "i1" {
			t.Fatalf("expected resync ADDED for i1, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resync event")
	}

	_ = reg.Deregister("math", "i1")
	select {
	case ev := <-ch:
		if ev.Kind != EventRemoved {
			t.Fatalf("expected REMOVED, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for removal event")
	}
}

func TestSetStatusEmitsStatusChanged(t *testing.T) {
	reg := New()
	entry := Entry{ServiceName: "math", InstanceID: "i1", Status: StatusHealthy}
	_ = reg.Register(entry, time.Minute)

	ch, cancel := reg.Watch("math")
	defer cancel()
	<-ch // drain resync

	if err := reg.SetStatus("math", "i1", StatusUnhealthy); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-ch:
		if ev.Kind != EventStatusChanged || ev.Entry.Status != StatusUnhealthy {
			t.Fatalf("expected STATUS_CHANGED to UNHEALTHY, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for status change event")
	}
}
