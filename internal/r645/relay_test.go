package r645

import (
	"bytes"
	"testing"
	"time"
)

func TestDeriveRelayKey_DeterministicAndSaltSensitive(t *testing.T) {
	k1 := DeriveRelayKey([]byte("operator-pass"), []byte("site-001"))
	k2 := DeriveRelayKey([]byte("operator-pass"), []byte("site-001"))
	if k1 != k2 {
		t.Error("DeriveRelayKey should be deterministic for the same inputs")
	}

	k3 := DeriveRelayKey([]byte("operator-pass"), []byte("site-002"))
	if k1 == k3 {
		t.Error("DeriveRelayKey should differ across salts")
	}
}

func TestBuildRelayAuthenticated_FrameShape(t *testing.T) {
	key := DeriveRelayKey([]byte("operator-pass"), []byte("site-001"))
	ts := time.Date(2026, 8, 1, 12, 30, 45, 0, time.UTC)

	frame, err := BuildRelayAuthenticated("000000001234", true, key, 0x01, []byte("abcdef"), ts)
	if err != nil {
		t.Fatal(err)
	}

	// 4-byte DI + 16-byte AES block = 20-byte payload.
	wantLen := MinFrameLength + 20
	if len(frame) != wantLen {
		t.Fatalf("frame length = %d, want %d", len(frame), wantLen)
	}
	if frame[0] != startDelim || frame[7] != startDelim {
		t.Error("frame missing expected start delimiters")
	}
	if frame[8] != OpRelayAuthenticated {
		t.Errorf("control byte = 0x%02X, want OpRelayAuthenticated", frame[8])
	}
}

func TestBuildRelayAuthenticated_RejectsLongPassword(t *testing.T) {
	key := DeriveRelayKey([]byte("x"), []byte("y"))
	_, err := BuildRelayAuthenticated("000000001234", false, key, 0x01, []byte("too-long-password"), time.Now())
	if err == nil {
		t.Fatal("expected an error for a password longer than 6 bytes")
	}
}

func TestBuildRelayAuthenticated_DifferentTripDirectionsDiffer(t *testing.T) {
	key := DeriveRelayKey([]byte("operator-pass"), []byte("site-001"))
	ts := time.Date(2026, 8, 1, 12, 30, 45, 0, time.UTC)

	trip, err := BuildRelayAuthenticated("000000001234", true, key, 0x01, []byte("abcdef"), ts)
	if err != nil {
		t.Fatal(err)
	}
	closeFrame, err := BuildRelayAuthenticated("000000001234", false, key, 0x01, []byte("abcdef"), ts)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(trip, closeFrame) {
		t.Error("trip and close commands should encrypt to different ciphertext")
	}
}
