package vw

import (
	"bytes"
	"testing"

	"github.com/olivenet-iot/meter-gateway/internal/apdu"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	payload := []byte{0x0A, 0x01, 0x02, 0x03}
	packet := Wrap(0x0001, payload)
	if len(packet) != headerLength+len(payload) {
		t.Fatalf("packet length = %d, want %d", len(packet), headerLength+len(payload))
	}

	p := NewParser()
	packets, errs := p.Push(packet)
	if len(errs) != 0 {
		t.Fatalf("unexpected parse errors: %+v", errs)
	}
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}
	if !bytes.Equal(packets[0].Payload, payload) {
		t.Errorf("payload = % X, want % X", packets[0].Payload, payload)
	}
	if packets[0].Header.Destination != 0x0001 {
		t.Errorf("destination = 0x%04X", packets[0].Header.Destination)
	}
}

func TestOversizedPayload_FramingErrorAdvancesOneByte(t *testing.T) {
	header := make([]byte, headerLength)
	header[0], header[1] = 0x00, 0x01
	header[2], header[3] = 0x00, 0x01
	header[6], header[7] = 0x10, 0x01 // payload length 0x1001 = 4097, over the cap

	p := NewParser()
	packets, _ := p.Push(header)
	if len(packets) != 0 {
		t.Fatalf("expected no packets from an oversized header, got %d", len(packets))
	}
}

func TestRawAPDU_EmittedWithSyntheticHeader(t *testing.T) {
	obis := apdu.OBIS{1, 0, 1, 8, 0, 255}
	req := apdu.EncodeGetRequest(0x01, 3, obis, 2)

	p := NewParser()
	packets, errs := p.Push(req)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %+v", errs)
	}
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}
	if !packets[0].IsRaw {
		t.Error("expected IsRaw true for a bare APDU")
	}
	if packets[0].Header.Source != 0x0001 || packets[0].Header.Destination != 0x0001 {
		t.Errorf("synthetic header = %+v", packets[0].Header)
	}
	if !bytes.Equal(packets[0].Payload, req) {
		t.Error("raw APDU payload mismatch")
	}
}

func TestPartialPush_WaitsForMoreData(t *testing.T) {
	payload := []byte{0x0A, 1, 2, 3, 4, 5, 6}
	packet := Wrap(0x0001, payload)

	p := NewParser()
	packets, errs := p.Push(packet[:5])
	if len(packets) != 0 || len(errs) != 0 {
		t.Fatalf("expected no output from a partial header, got packets=%v errs=%v", packets, errs)
	}
	packets, errs = p.Push(packet[5:])
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %+v", errs)
	}
	if len(packets) != 1 || !bytes.Equal(packets[0].Payload, payload) {
		t.Fatalf("expected the full packet once the remainder arrives, got %+v", packets)
	}
}

// buildScenario assembles garbage, a VW packet, a raw APDU, more garbage,
// and a second VW packet — the fixture from the stream-parsing-with-garbage
// scenario.
func buildScenario(t *testing.T) (whole []byte, p1, a2, p3 []byte) {
	t.Helper()
	garbage1 := []byte{0xFF, 0xEE, 0xDD, 0xCC}
	p1 = Wrap(0x0001, []byte{0x0A, 1, 2, 3, 4, 5, 6})

	obis := apdu.OBIS{1, 0, 1, 8, 0, 255}
	a2 = apdu.EncodeGetRequest(0x02, 3, obis, 2)
	if len(a2) != 13 {
		t.Fatalf("expected a 13-byte GET.request, got %d", len(a2))
	}

	garbage2 := []byte{0x5A, 0xA5}
	p3 = Wrap(0x0001, []byte{0x0A, 7, 8, 9, 10, 11, 12})

	whole = append(whole, garbage1...)
	whole = append(whole, p1...)
	whole = append(whole, a2...)
	whole = append(whole, garbage2...)
	whole = append(whole, p3...)
	return whole, p1, a2, p3
}

func TestStreamParsing_GarbageVWRawGarbageVW_SingleChunk(t *testing.T) {
	whole, p1, a2, p3 := buildScenario(t)

	p := NewParser()
	packets, errs := p.Push(whole)
	if len(packets) != 3 {
		t.Fatalf("got %d packets, want 3", len(packets))
	}
	if len(errs) != 2 {
		t.Fatalf("got %d parse errors, want 2 (one per garbage region)", len(errs))
	}
	if !bytes.Equal(packets[0].Payload, p1[headerLength:]) {
		t.Error("first emitted packet does not match P1's payload")
	}
	if !packets[1].IsRaw || !bytes.Equal(packets[1].Payload, a2) {
		t.Error("second emitted packet does not match raw APDU A2")
	}
	if !bytes.Equal(packets[2].Payload, p3[headerLength:]) {
		t.Error("third emitted packet does not match P3's payload")
	}
}

func TestStreamParsing_GarbageVWRawGarbageVW_ByteAtATime(t *testing.T) {
	// Testable property: the sequence of emitted packets is independent of
	// chunk boundaries.
	whole, p1, a2, p3 := buildScenario(t)

	p := NewParser()
	var packets []Packet
	var errs []ParseError
	for i := 0; i < len(whole); i++ {
		pkts, pes := p.Push(whole[i : i+1])
		packets = append(packets, pkts...)
		errs = append(errs, pes...)
	}

	if len(packets) != 3 {
		t.Fatalf("got %d packets, want 3", len(packets))
	}
	if !bytes.Equal(packets[0].Payload, p1[headerLength:]) {
		t.Error("first emitted packet does not match P1's payload")
	}
	if !packets[1].IsRaw || !bytes.Equal(packets[1].Payload, a2) {
		t.Error("second emitted packet does not match raw APDU A2")
	}
	if !bytes.Equal(packets[2].Payload, p3[headerLength:]) {
		t.Error("third emitted packet does not match P3's payload")
	}
}

func TestResync_DiscardsWholeBufferWhenNoCandidateFound(t *testing.T) {
	p := NewParser()
	packets, errs := p.Push([]byte{0xFF, 0xFE, 0xFD, 0xFC})
	if len(packets) != 0 {
		t.Fatalf("expected no packets from pure garbage, got %d", len(packets))
	}
	if len(errs) != 1 {
		t.Fatalf("expected one parse error, got %d", len(errs))
	}
	if errs[0].DiscardedLength != 4 {
		t.Errorf("DiscardedLength = %d, want 4", errs[0].DiscardedLength)
	}
}

func TestReset_ClearsBufferedState(t *testing.T) {
	p := NewParser()
	packet := Wrap(0x0001, []byte{0x0A, 1, 2, 3})
	p.Push(packet[:4])
	p.Reset()
	packets, errs := p.Push(packet)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors after reset: %+v", errs)
	}
	if len(packets) != 1 {
		t.Fatalf("expected a clean single packet after reset, got %d", len(packets))
	}
}

func TestPrepare_SkipsWrapForRawMeter(t *testing.T) {
	obis := apdu.OBIS{1, 0, 1, 8, 0, 255}
	req := apdu.EncodeGetRequest(0x01, 3, obis, 2)

	raw := Prepare(req, false, 0x0001)
	if !bytes.Equal(raw, req) {
		t.Error("expected Prepare(wrap=false) to return the APDU unmodified")
	}

	wrapped := Prepare(req, true, 0x0001)
	if len(wrapped) != headerLength+len(req) {
		t.Errorf("wrapped length = %d, want %d", len(wrapped), headerLength+len(req))
	}
}
