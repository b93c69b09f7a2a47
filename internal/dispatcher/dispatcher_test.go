package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/olivenet-iot/meter-gateway/internal/apdu"
	"github.com/olivenet-iot/meter-gateway/internal/gwerrors"
	"github.com/olivenet-iot/meter-gateway/internal/r645"
	"github.com/olivenet-iot/meter-gateway/internal/registry"
	"github.com/olivenet-iot/meter-gateway/internal/router"
)

// fakeSender records every outbound write and lets a test pretend a meter
// answered by feeding bytes back through a Dispatcher's resolve methods.
type fakeSender struct {
	mu      sync.Mutex
	sent    [][]byte
	conn    *registry.Connection
	connect bool
}

func newFakeSender(protocol router.Kind) *fakeSender {
	conn := &registry.Connection{ID: 1}
	conn.SetProtocol(int(protocol))
	return &fakeSender{conn: conn, connect: true}
}

func (f *fakeSender) SendToMeter(meterID string, data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connect {
		return false
	}
	cp := append([]byte(nil), data...)
	f.sent = append(f.sent, cp)
	return true
}

func (f *fakeSender) GetByMeter(meterID string) (*registry.Connection, bool) {
	if !f.connect {
		return nil, false
	}
	return f.conn, true
}

func (f *fakeSender) lastSent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func fastConfig() Config {
	return Config{
		LockTimeout:        200 * time.Millisecond,
		RelayLockTimeout:   200 * time.Millisecond,
		AssociationTimeout: 200 * time.Millisecond,
		OperationTimeout:   200 * time.Millisecond,
		RelayConfirmDelay:  5 * time.Millisecond,
	}
}

func TestSendR645_ResolvesOnMatchingResponse(t *testing.T) {
	sender := newFakeSender(router.KindR645)
	d := New(sender, nil, fastConfig())

	di := uint32(0x00000000)
	frame, err := r645.BuildRead("123456789012", di)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	var got *r645.DecodedFrame
	var gotErr error
	go func() {
		got, gotErr = d.SendR645("METER1", frame, di, time.Second)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	resp := &r645.DecodedFrame{Kind: r645.KindReadResponse, DI: di, ValueRaw: []byte{0x00, 0x00, 0x00, 0x00}}
	if !d.ResolveR645("METER1", resp) {
		t.Fatal("ResolveR645 found no pending entry")
	}

	<-done
	if gotErr != nil {
		t.Fatalf("SendR645 returned error: %v", gotErr)
	}
	if got.DI != di {
		t.Errorf("resolved frame DI = %#x, want %#x", got.DI, di)
	}
}

func TestSendR645_TimesOutWithoutResponse(t *testing.T) {
	sender := newFakeSender(router.KindR645)
	d := New(sender, nil, fastConfig())

	frame, _ := r645.BuildRead("123456789012", 0x00000000)
	_, err := d.SendR645("METER1", frame, 0x00000000, 30*time.Millisecond)
	if !gwerrors.Is(err, gwerrors.KindCommandTimeout) {
		t.Fatalf("err = %v, want CommandTimeout", err)
	}
}

func TestSendR645_CollapsesDuplicateSends(t *testing.T) {
	sender := newFakeSender(router.KindR645)
	d := New(sender, nil, fastConfig())

	di := uint32(0x00000000)
	frame, _ := r645.BuildRead("123456789012", di)

	var wg sync.WaitGroup
	results := make([]*r645.DecodedFrame, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			df, err := d.SendR645("METER1", frame, di, time.Second)
			if err == nil {
				results[i] = df
			}
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	if sender.sentCount() != 1 {
		t.Errorf("sentCount = %d, want 1 (duplicate send collapsed)", sender.sentCount())
	}
	d.ResolveR645("METER1", &r645.DecodedFrame{Kind: r645.KindReadResponse, DI: di, ValueRaw: []byte{0x12, 0x00, 0x00, 0x00}})
	wg.Wait()

	for i, r := range results {
		if r == nil {
			t.Fatalf("caller %d got no result", i)
		}
	}
}

func TestResolveR645_ErrorResponseFailsPendingEntry(t *testing.T) {
	sender := newFakeSender(router.KindR645)
	d := New(sender, nil, fastConfig())

	frame, _ := r645.BuildRead("123456789012", 0x00000000)
	done := make(chan error, 1)
	go func() {
		_, err := d.SendR645("METER1", frame, 0x00000000, time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	d.ResolveR645("METER1", &r645.DecodedFrame{Kind: r645.KindErrorResponse, ErrorCode: r645.ErrAuthFailure})

	err := <-done
	if !gwerrors.Is(err, gwerrors.KindMeterError) {
		t.Fatalf("err = %v, want MeterError", err)
	}
}

func TestValidate_RejectsUnknownMethod(t *testing.T) {
	err := Validate(Request{ID: "1", Method: "reboot"})
	if err == nil {
		t.Fatal("expected an error for an unknown method")
	}
}

func TestValidate_RejectsMissingID(t *testing.T) {
	err := Validate(Request{Method: "read-address"})
	if err == nil {
		t.Fatal("expected an error for a missing command id")
	}
}

func TestValidate_RelayControlRequiresState(t *testing.T) {
	err := Validate(Request{ID: "1", Method: "relay-control", Params: map[string]string{}})
	if err == nil {
		t.Fatal("expected an error for relay-control without params.state")
	}
	if err := Validate(Request{ID: "1", Method: "relay-control", Params: map[string]string{"state": "open"}}); err != nil {
		t.Fatalf("unexpected error for a valid relay-control request: %v", err)
	}
}

func TestValidate_ReadRegisterRequiresRegisterOrDataID(t *testing.T) {
	if err := Validate(Request{ID: "1", Method: "read-register"}); err == nil {
		t.Fatal("expected an error for read-register without a register name")
	}
}

func TestExecute_ReadRelayStateRejectsR645Connection(t *testing.T) {
	sender := newFakeSender(router.KindR645)
	d := New(sender, nil, fastConfig())

	resp := d.Execute(context.Background(), "METER1", Request{ID: "1", Method: "read-relay-state"})
	if resp.Success {
		t.Fatal("expected read-relay-state over R645 to fail")
	}
}

func TestExecute_ReadAddressRejectsVWConnection(t *testing.T) {
	sender := newFakeSender(router.KindVW)
	d := New(sender, nil, fastConfig())

	resp := d.Execute(context.Background(), "METER1", Request{ID: "1", Method: "read-address"})
	if resp.Success {
		t.Fatal("expected read-address over VW to fail")
	}
}

func TestExecute_MeterNotConnected(t *testing.T) {
	sender := newFakeSender(router.KindR645)
	sender.connect = false
	d := New(sender, nil, fastConfig())

	resp := d.Execute(context.Background(), "GHOST", Request{ID: "1", Method: "read-address"})
	if resp.Success {
		t.Fatal("expected Execute against an unconnected meter to fail")
	}
}

// TestRelayControl_VW_FullSequence drives the association -> action ->
// confirm sequence and asserts the frames go out in order: AARQ,
// ACTION.request, GET.request (confirmation read), RLRQ.
func TestRelayControl_VW_FullSequence(t *testing.T) {
	sender := newFakeSender(router.KindVW)
	d := New(sender, nil, fastConfig())

	go func() {
		time.Sleep(10 * time.Millisecond)
		d.ResolveVW("METER1", &apdu.APDU{Tag: apdu.TagAARE, Accepted: true})

		time.Sleep(10 * time.Millisecond)
		actionInvoke := lastInvokeID(sender)
		d.ResolveVW("METER1", &apdu.APDU{Tag: apdu.TagActionResponse, InvokeID: actionInvoke, ActionCode: 0})

		time.Sleep(10 * time.Millisecond)
		getInvoke := lastInvokeID(sender)
		// A genuine Boolean output-state reading, the wire type attribute 2
		// actually carries. Earlier drafts fed back DataTagUnsigned{Uint: 2}
		// here, which happened to equal the ACTION method code and masked a
		// confirmation-logic bug; this would fail under that bug.
		dv := apdu.DataValue{Tag: apdu.DataTagBoolean, Bool: true}
		d.ResolveVW("METER1", &apdu.APDU{Tag: apdu.TagGetResponse, InvokeID: getInvoke, Value: &dv})
	}()

	result, err := d.relayControl("METER1", router.KindVW, true)
	if err != nil {
		t.Fatalf("relayControl failed: %v", err)
	}
	out := result.(map[string]interface{})
	if out["commanded"] != "close" {
		t.Errorf("commanded = %v, want close", out["commanded"])
	}
	if out["confirmed"] != true {
		t.Errorf("confirmed = %v, want true", out["confirmed"])
	}

	if sender.sentCount() != 4 {
		t.Fatalf("sentCount = %d, want 4 (AARQ, ACTION.request, GET.request, RLRQ)", sender.sentCount())
	}
	if got := apdu.Tag(sender.sent[0][0]); got != apdu.TagAARQ {
		t.Errorf("frame 0 tag = %v, want AARQ", got)
	}
	if got := apdu.Tag(sender.sent[1][0]); got != apdu.TagSetOrActionReq {
		t.Errorf("frame 1 tag = %v, want ACTION.request tag", got)
	}
	if got := apdu.Tag(sender.sent[2][0]); got != apdu.TagGetRequest {
		t.Errorf("frame 2 tag = %v, want GET.request tag", got)
	}
	if got := sender.sent[2][11]; got != 2 {
		t.Errorf("GET.request attribute = %d, want 2 (output_state)", got)
	}
	if got := apdu.Tag(sender.sent[3][0]); got != apdu.TagRLRQ {
		t.Errorf("frame 3 tag = %v, want RLRQ", got)
	}
}

// TestRelayControl_VW_ConfirmationMismatch asserts that a confirmation read
// disagreeing with the commanded direction is reported unconfirmed, not
// coerced into true by comparing against the wrong value.
func TestRelayControl_VW_ConfirmationMismatch(t *testing.T) {
	sender := newFakeSender(router.KindVW)
	d := New(sender, nil, fastConfig())

	go func() {
		time.Sleep(10 * time.Millisecond)
		d.ResolveVW("METER1", &apdu.APDU{Tag: apdu.TagAARE, Accepted: true})

		time.Sleep(10 * time.Millisecond)
		actionInvoke := lastInvokeID(sender)
		d.ResolveVW("METER1", &apdu.APDU{Tag: apdu.TagActionResponse, InvokeID: actionInvoke, ActionCode: 0})

		time.Sleep(10 * time.Millisecond)
		getInvoke := lastInvokeID(sender)
		dv := apdu.DataValue{Tag: apdu.DataTagBoolean, Bool: false}
		d.ResolveVW("METER1", &apdu.APDU{Tag: apdu.TagGetResponse, InvokeID: getInvoke, Value: &dv})
	}()

	result, err := d.relayControl("METER1", router.KindVW, true)
	if err != nil {
		t.Fatalf("relayControl failed: %v", err)
	}
	out := result.(map[string]interface{})
	if out["confirmed"] != false {
		t.Errorf("confirmed = %v, want false (output_state read back open, not closed)", out["confirmed"])
	}
}

func TestAssociate_RejectedAssociationFailsTheCommand(t *testing.T) {
	sender := newFakeSender(router.KindVW)
	d := New(sender, nil, fastConfig())

	go func() {
		time.Sleep(10 * time.Millisecond)
		d.ResolveVW("METER1", &apdu.APDU{Tag: apdu.TagAARE, Accepted: false})
	}()

	_, err := d.vwGet("METER1", apdu.RelayControlOBIS, 70, 2)
	if !gwerrors.Is(err, gwerrors.KindAssociationRejected) {
		t.Fatalf("err = %v, want AssociationRejected", err)
	}
}

func TestFailPending_RejectsOutstandingR645AndVWCommands(t *testing.T) {
	sender := newFakeSender(router.KindR645)
	d := New(sender, nil, fastConfig())

	frame, _ := r645.BuildRead("123456789012", 0x00000000)
	done := make(chan error, 1)
	go func() {
		_, err := d.SendR645("METER1", frame, 0x00000000, time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	d.FailPending("METER1", gwerrors.KindReplacedByNewerConnection, "connection replaced")

	err := <-done
	if !gwerrors.Is(err, gwerrors.KindReplacedByNewerConnection) {
		t.Fatalf("err = %v, want ReplacedByNewerConnection", err)
	}
}

func TestSweepStaleInvokes_RemovesOldEntries(t *testing.T) {
	sender := newFakeSender(router.KindVW)
	d := New(sender, nil, fastConfig())

	d.registerInvoke("METER1", 1, apdu.RelayControlOBIS, 70)
	d.vwMu.Lock()
	d.vwPendingByCall["METER1"][1].issuedAt = time.Now().Add(-time.Hour)
	d.vwMu.Unlock()

	d.sweepStaleInvokes(30 * time.Second)

	d.vwMu.Lock()
	_, ok := d.vwPendingByCall["METER1"]
	d.vwMu.Unlock()
	if ok {
		t.Error("expected the stale invoke-id entry (and its empty meter map) to be removed")
	}
}

// TestPollVW_SingleAssociationCoversWholeBatch drives a two-attribute batch
// through one AARQ/AARE handshake and asserts both GETs ride the same
// association before RLRQ closes it: AARQ, GET, GET, RLRQ.
func TestPollVW_SingleAssociationCoversWholeBatch(t *testing.T) {
	sender := newFakeSender(router.KindVW)
	d := New(sender, nil, fastConfig())

	energy := apdu.RelayControlOBIS // any OBIS works; this test isn't about scaling
	voltage, _ := apdu.ParseOBIS("1-0:32.7.0.255")

	go func() {
		time.Sleep(10 * time.Millisecond)
		d.ResolveVW("METER1", &apdu.APDU{Tag: apdu.TagAARE, Accepted: true})

		for i := 0; i < 2; i++ {
			time.Sleep(10 * time.Millisecond)
			invoke := lastInvokeID(sender)
			dv := apdu.DataValue{Tag: apdu.DataTagLongUnsigned, Uint: uint64(100 + i)}
			d.ResolveVW("METER1", &apdu.APDU{Tag: apdu.TagGetResponse, InvokeID: invoke, Value: &dv})
		}
	}()

	values, errs := d.PollVW("METER1", []VWAttr{
		{OBIS: energy, ClassID: 3, Attribute: 2},
		{OBIS: voltage, ClassID: 3, Attribute: 2},
	})

	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(values) != 2 {
		t.Fatalf("len(values) = %d, want 2", len(values))
	}
	if sender.sentCount() != 4 {
		t.Fatalf("sentCount = %d, want 4 (AARQ, GET, GET, RLRQ)", sender.sentCount())
	}
	if got := apdu.Tag(sender.sent[0][0]); got != apdu.TagAARQ {
		t.Errorf("frame 0 tag = %v, want AARQ", got)
	}
	if got := apdu.Tag(sender.sent[len(sender.sent)-1][0]); got != apdu.TagRLRQ {
		t.Errorf("last frame tag = %v, want RLRQ", got)
	}
}

// lastInvokeID pulls the invoke-id byte out of the most recently sent GET or
// ACTION request, both of which carry it at offset 2.
func lastInvokeID(sender *fakeSender) byte {
	data := sender.lastSent()
	if len(data) < 3 {
		return 0
	}
	return data[2]
}
