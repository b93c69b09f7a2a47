package registry

import (
	"net"
	"testing"
	"time"

	"github.com/olivenet-iot/meter-gateway/internal/gwerrors"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func drain(t *testing.T, conn net.Conn) {
	t.Helper()
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()
}

func TestRegister_AssignsConnectedState(t *testing.T) {
	r := New(0, 0, 0, nil)
	gw, meter := pipePair(t)
	drain(t, meter)
	_ = gw

	conn, err := r.Register(gw, "10.0.0.1:5000")
	if err != nil {
		t.Fatal(err)
	}
	if conn.State() != StateConnected {
		t.Errorf("State = %v, want Connected", conn.State())
	}
}

func TestRegister_RejectsAtCapacity(t *testing.T) {
	r := New(1, 0, 0, nil)
	gw1, meter1 := pipePair(t)
	drain(t, meter1)
	if _, err := r.Register(gw1, "a"); err != nil {
		t.Fatal(err)
	}

	gw2, meter2 := pipePair(t)
	drain(t, meter2)
	_, err := r.Register(gw2, "b")
	if !gwerrors.Is(err, gwerrors.KindMaxConnections) {
		t.Fatalf("err = %v, want KindMaxConnections", err)
	}
}

func TestIdentify_BindsMeterID(t *testing.T) {
	r := New(0, 0, 0, nil)
	gw, meter := pipePair(t)
	drain(t, meter)
	conn, _ := r.Register(gw, "a")

	if err := r.Identify(conn.ID, "METER001"); err != nil {
		t.Fatal(err)
	}
	if conn.State() != StateIdentified {
		t.Errorf("State = %v, want Identified", conn.State())
	}
	got, ok := r.GetByMeter("METER001")
	if !ok || got.ID != conn.ID {
		t.Fatalf("GetByMeter did not return the identified connection")
	}
}

func TestIdentify_ReplacesPredecessor(t *testing.T) {
	r := New(0, 0, 0, nil)
	var replacedID uint64
	var replacedMeter string
	r.OnReplaced = func(oldConnID uint64, meterID string) {
		replacedID = oldConnID
		replacedMeter = meterID
	}

	gw1, meter1 := pipePair(t)
	drain(t, meter1)
	conn1, _ := r.Register(gw1, "a")
	if err := r.Identify(conn1.ID, "METER001"); err != nil {
		t.Fatal(err)
	}

	gw2, meter2 := pipePair(t)
	drain(t, meter2)
	conn2, _ := r.Register(gw2, "b")
	if err := r.Identify(conn2.ID, "METER001"); err != nil {
		t.Fatal(err)
	}

	if replacedID != conn1.ID || replacedMeter != "METER001" {
		t.Errorf("OnReplaced called with (%d, %q), want (%d, METER001)", replacedID, replacedMeter, conn1.ID)
	}
	if conn1.State() != StateDisconnected {
		t.Errorf("predecessor State = %v, want Disconnected", conn1.State())
	}
	got, ok := r.GetByMeter("METER001")
	if !ok || got.ID != conn2.ID {
		t.Fatal("expected the meter binding to point at the new connection")
	}
}

func TestSend_ReturnsFalseForUnknownConnection(t *testing.T) {
	r := New(0, 0, 0, nil)
	if r.Send(999, []byte("x")) {
		t.Error("expected Send to a nonexistent connection to return false")
	}
}

func TestSendToMeter_ReturnsFalseWhenUnbound(t *testing.T) {
	r := New(0, 0, 0, nil)
	if r.SendToMeter("NOBODY", []byte("x")) {
		t.Error("expected SendToMeter for an unbound meter id to return false")
	}
}

func TestTouch_TransitionsIdleToActive(t *testing.T) {
	r := New(0, 0, 0, nil)
	gw, meter := pipePair(t)
	drain(t, meter)
	conn, _ := r.Register(gw, "a")

	conn.mu.Lock()
	conn.state = StateIdle
	conn.mu.Unlock()

	r.Touch(conn.ID, 10)
	if conn.State() != StateActive {
		t.Errorf("State = %v, want Active", conn.State())
	}
}

func TestClose_RemovesMeterBindingWhenCurrent(t *testing.T) {
	r := New(0, 0, 0, nil)
	gw, meter := pipePair(t)
	drain(t, meter)
	conn, _ := r.Register(gw, "a")
	r.Identify(conn.ID, "METER001")

	r.Close(conn.ID, "test")

	if _, ok := r.Get(conn.ID); ok {
		t.Error("expected the connection to be removed after Close")
	}
	if _, ok := r.GetByMeter("METER001"); ok {
		t.Error("expected the meter binding to be removed after Close")
	}
}

func TestSweep_ForcesCloseAfterTimeout(t *testing.T) {
	r := New(0, 10*time.Millisecond, 20*time.Millisecond, nil)
	gw, meter := pipePair(t)
	drain(t, meter)
	conn, _ := r.Register(gw, "a")

	conn.mu.Lock()
	conn.lastActivity = time.Now().Add(-time.Hour)
	conn.mu.Unlock()

	r.sweep()

	if _, ok := r.Get(conn.ID); ok {
		t.Error("expected the stale connection to be force-closed by the sweep")
	}
}

func TestStats_CountsIdentifiedMeters(t *testing.T) {
	r := New(0, 0, 0, nil)
	gw, meter := pipePair(t)
	drain(t, meter)
	conn, _ := r.Register(gw, "a")
	r.Identify(conn.ID, "METER001")

	stats := r.Stats()
	if stats.TotalConnections != 1 {
		t.Errorf("TotalConnections = %d, want 1", stats.TotalConnections)
	}
	if stats.IdentifiedMeters != 1 {
		t.Errorf("IdentifiedMeters = %d, want 1", stats.IdentifiedMeters)
	}
}

func TestStartStop_SweeperDoesNotPanic(t *testing.T) {
	r := New(0, 5*time.Millisecond, time.Hour, nil)
	r.StartSweeper()
	time.Sleep(15 * time.Millisecond)
	r.Stop()
}
