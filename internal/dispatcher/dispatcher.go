// Package dispatcher implements the Command Dispatcher: validated operator
// commands against a meter, correlated against whichever protocol the
// connection speaks, serialized behind a per-meter association lock.
package dispatcher

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/olivenet-iot/meter-gateway/internal/apdu"
	"github.com/olivenet-iot/meter-gateway/internal/gwerrors"
	"github.com/olivenet-iot/meter-gateway/internal/logging"
	"github.com/olivenet-iot/meter-gateway/internal/r645"
	"github.com/olivenet-iot/meter-gateway/internal/registry"
	"github.com/olivenet-iot/meter-gateway/internal/router"
)

// Config carries the dispatcher's timing knobs, sourced from the top-level
// gateway configuration.
type Config struct {
	LockTimeout        time.Duration
	RelayLockTimeout   time.Duration
	AssociationTimeout time.Duration
	OperationTimeout   time.Duration
	RelayConfirmDelay  time.Duration
}

// DefaultConfig mirrors the timeouts called out in the concurrency model.
func DefaultConfig() Config {
	return Config{
		LockTimeout:        30 * time.Second,
		RelayLockTimeout:   15 * time.Second,
		AssociationTimeout: 5 * time.Second,
		OperationTimeout:   5 * time.Second,
		RelayConfirmDelay:  1 * time.Second,
	}
}

// Sender abstracts the transport the dispatcher writes outbound frames to;
// the gateway wires this to the connection registry.
type Sender interface {
	SendToMeter(meterID string, data []byte) bool
	GetByMeter(meterID string) (*registry.Connection, bool)
}

// Request is a validated, protocol-agnostic operator command.
type Request struct {
	ID     string            `json:"id"`
	Method string            `json:"method"`
	Params map[string]string `json:"params"`
}

// Response is the uniform envelope returned for every command, successful
// or not.
type Response struct {
	ID        string      `json:"id"`
	Success   bool        `json:"success"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

var supportedMethods = map[string]bool{
	"read-register":    true,
	"read-all":         true,
	"relay-control":    true,
	"read-relay-state": true,
	"read-address":     true,
}

type r645Pending struct {
	resultCh chan r645Result
	timer    *time.Timer
}

type r645Result struct {
	frame *r645.DecodedFrame
	err   error
}

type vwInvokeEntry struct {
	obis     apdu.OBIS
	classID  uint16
	issuedAt time.Time
	resultCh chan *apdu.APDU
}

// Dispatcher serializes and correlates operator commands against connected
// meters.
type Dispatcher struct {
	sender Sender
	logger *logging.Logger
	cfg    Config

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	r645Mu      sync.Mutex
	r645Pending map[string]map[uint32]*r645Pending

	vwMu            sync.Mutex
	vwPendingByTag  map[string]map[apdu.Tag]chan *apdu.APDU
	vwPendingByCall map[string]map[byte]*vwInvokeEntry
	nextInvoke      map[string]byte

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Dispatcher that writes outbound frames through sender.
func New(sender Sender, logger *logging.Logger, cfg Config) *Dispatcher {
	return &Dispatcher{
		sender:          sender,
		logger:          logger,
		cfg:             cfg,
		locks:           make(map[string]chan struct{}),
		r645Pending:     make(map[string]map[uint32]*r645Pending),
		vwPendingByTag:  make(map[string]map[apdu.Tag]chan *apdu.APDU),
		vwPendingByCall: make(map[string]map[byte]*vwInvokeEntry),
		nextInvoke:      make(map[string]byte),
		stop:            make(chan struct{}),
	}
}

// StartSweeper launches the background goroutine that expires stale VW
// invoke-id correlations that never received a response.
func (d *Dispatcher) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stop:
				return
			case <-ticker.C:
				d.sweepStaleInvokes(30 * time.Second)
			}
		}
	}()
}

// Stop halts the sweeper and waits for it to exit.
func (d *Dispatcher) Stop() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
	d.wg.Wait()
}

// acquireLock serializes access to a single meter's association, returning
// a release function on success.
func (d *Dispatcher) acquireLock(meterID string, timeout time.Duration) (func(), error) {
	d.locksMu.Lock()
	ch, ok := d.locks[meterID]
	if !ok {
		ch = make(chan struct{}, 1)
		d.locks[meterID] = ch
	}
	d.locksMu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-time.After(timeout):
		return nil, gwerrors.New(gwerrors.KindCommandTimeout, "timed out waiting for meter association lock")
	}
}

// SendR645 writes frame to meterID and waits up to timeout for a response
// carrying expectedDI, collapsing concurrent requests for the same
// (meter, DI) pair into the first one's pending promise.
func (d *Dispatcher) SendR645(meterID string, frame []byte, expectedDI uint32, timeout time.Duration) (*r645.DecodedFrame, error) {
	d.r645Mu.Lock()
	byDI, ok := d.r645Pending[meterID]
	if !ok {
		byDI = make(map[uint32]*r645Pending)
		d.r645Pending[meterID] = byDI
	}
	if existing, ok := byDI[expectedDI]; ok {
		ch := existing.resultCh
		d.r645Mu.Unlock()
		res := <-replay(ch)
		return res.frame, res.err
	}

	pending := &r645Pending{resultCh: make(chan r645Result, 1)}
	byDI[expectedDI] = pending
	d.r645Mu.Unlock()

	if !d.sender.SendToMeter(meterID, frame) {
		d.resolveR645Locked(meterID, expectedDI, r645Result{err: gwerrors.New(gwerrors.KindMeterNotConnected, "meter not connected")})
	}

	timer := time.AfterFunc(timeout, func() {
		d.resolveR645Locked(meterID, expectedDI, r645Result{err: gwerrors.New(gwerrors.KindCommandTimeout, "meter did not respond in time")})
	})
	pending.timer = timer

	res := <-pending.resultCh
	timer.Stop()
	return res.frame, res.err
}

// replay lets a second caller observe a broadcast-once channel without
// consuming the first caller's value: we fan the single result out to every
// collapsed waiter by re-sending it after the first read.
func replay(ch chan r645Result) chan r645Result {
	out := make(chan r645Result, 1)
	go func() {
		v, ok := <-ch
		if ok {
			out <- v
		}
	}()
	return out
}

// ResolveR645 is invoked by the inbound pipeline with a decoded R645 frame,
// resolving the pending command it answers. It returns false if no pending
// command matched. Error-response frames carry no data identifier, so they
// resolve one of the meter's pending entries, whichever the map iteration
// yields first (no age ordering is kept): R645's synchronous, one-frame-
// in-flight wire model never has more than one outstanding physical request
// per meter, even though the (meter, DI) table can logically collapse
// several callers onto that one request.
func (d *Dispatcher) ResolveR645(meterID string, df *r645.DecodedFrame) bool {
	if df.Kind == r645.KindErrorResponse {
		d.r645Mu.Lock()
		byDI, ok := d.r645Pending[meterID]
		if !ok || len(byDI) == 0 {
			d.r645Mu.Unlock()
			return false
		}
		var anyDI uint32
		for di := range byDI {
			anyDI = di
			break
		}
		d.r645Mu.Unlock()
		d.resolveR645Locked(meterID, anyDI, r645Result{err: gwerrors.New(gwerrors.KindMeterError, r645.ErrorMessage(df.ErrorCode))})
		return true
	}

	return d.resolveR645Locked(meterID, df.DI, r645Result{frame: df})
}

func (d *Dispatcher) resolveR645Locked(meterID string, di uint32, res r645Result) bool {
	d.r645Mu.Lock()
	byDI, ok := d.r645Pending[meterID]
	if !ok {
		d.r645Mu.Unlock()
		return false
	}
	pending, ok := byDI[di]
	if !ok {
		d.r645Mu.Unlock()
		return false
	}
	delete(byDI, di)
	if len(byDI) == 0 {
		delete(d.r645Pending, meterID)
	}
	d.r645Mu.Unlock()

	select {
	case pending.resultCh <- res:
	default:
	}
	close(pending.resultCh)
	return true
}

// nextInvokeID cycles a meter's invoke-id counter through 1-255 (0 is
// reserved as "no correlation").
func (d *Dispatcher) nextInvokeID(meterID string) byte {
	d.vwMu.Lock()
	defer d.vwMu.Unlock()
	id := d.nextInvoke[meterID]
	id++
	if id == 0 {
		id = 1
	}
	d.nextInvoke[meterID] = id
	return id
}

// registerInvoke notes an outstanding GET/ACTION correlated by invoke-id.
func (d *Dispatcher) registerInvoke(meterID string, invokeID byte, obis apdu.OBIS, classID uint16) chan *apdu.APDU {
	ch := make(chan *apdu.APDU, 1)
	entry := &vwInvokeEntry{obis: obis, classID: classID, issuedAt: time.Now(), resultCh: ch}
	d.vwMu.Lock()
	byCall, ok := d.vwPendingByCall[meterID]
	if !ok {
		byCall = make(map[byte]*vwInvokeEntry)
		d.vwPendingByCall[meterID] = byCall
	}
	byCall[invokeID] = entry
	d.vwMu.Unlock()
	return ch
}

func (d *Dispatcher) clearInvoke(meterID string, invokeID byte) {
	d.vwMu.Lock()
	defer d.vwMu.Unlock()
	if byCall, ok := d.vwPendingByCall[meterID]; ok {
		delete(byCall, invokeID)
		if len(byCall) == 0 {
			delete(d.vwPendingByCall, meterID)
		}
	}
}

// ResolveVW is invoked by the inbound pipeline with every decoded APDU. A
// GetResponse or ActionResponse is correlated by invoke-id against the
// outstanding call table; everything else (AARE, RLRE, and any response the
// caller is waiting on by tag alone) is matched by tag.
func (d *Dispatcher) ResolveVW(meterID string, a *apdu.APDU) bool {
	if a.Tag == apdu.TagGetResponse || a.Tag == apdu.TagActionResponse {
		d.vwMu.Lock()
		byCall, ok := d.vwPendingByCall[meterID]
		if !ok {
			d.vwMu.Unlock()
			return false
		}
		entry, ok := byCall[a.InvokeID]
		if !ok {
			d.vwMu.Unlock()
			return false
		}
		delete(byCall, a.InvokeID)
		if len(byCall) == 0 {
			delete(d.vwPendingByCall, meterID)
		}
		d.vwMu.Unlock()
		entry.resultCh <- a
		return true
	}

	d.vwMu.Lock()
	if byTag, ok := d.vwPendingByTag[meterID]; ok {
		if ch, ok := byTag[a.Tag]; ok {
			delete(byTag, a.Tag)
			if len(byTag) == 0 {
				delete(d.vwPendingByTag, meterID)
			}
			d.vwMu.Unlock()
			ch <- a
			return true
		}
	}
	d.vwMu.Unlock()
	return false
}

// registerTagWait registers a one-shot waiter for the next APDU of tag from
// meterID and returns its channel; the caller sends the triggering request
// only after this registration completes, so a fast response can never
// arrive before anyone is listening for it.
func (d *Dispatcher) registerTagWait(meterID string, tag apdu.Tag) chan *apdu.APDU {
	ch := make(chan *apdu.APDU, 1)
	d.vwMu.Lock()
	byTag, ok := d.vwPendingByTag[meterID]
	if !ok {
		byTag = make(map[apdu.Tag]chan *apdu.APDU)
		d.vwPendingByTag[meterID] = byTag
	}
	byTag[tag] = ch
	d.vwMu.Unlock()
	return ch
}

// awaitTag blocks on ch for timeout, clearing the registration on timeout.
func (d *Dispatcher) awaitTag(meterID string, tag apdu.Tag, ch chan *apdu.APDU, timeout time.Duration) (*apdu.APDU, error) {
	select {
	case a := <-ch:
		return a, nil
	case <-time.After(timeout):
		d.vwMu.Lock()
		if byTag, ok := d.vwPendingByTag[meterID]; ok {
			delete(byTag, tag)
			if len(byTag) == 0 {
				delete(d.vwPendingByTag, meterID)
			}
		}
		d.vwMu.Unlock()
		return nil, gwerrors.New(gwerrors.KindAssociationTimeout, fmt.Sprintf("no %s within timeout", tagName(tag)))
	}
}

// associate runs AARQ -> AARE against meterID, failing with
// AssociationRejected if the meter declines.
func (d *Dispatcher) associate(meterID string) error {
	ch := d.registerTagWait(meterID, apdu.TagAARE)
	if !d.sender.SendToMeter(meterID, apdu.EncodeAARQ()) {
		return gwerrors.New(gwerrors.KindMeterNotConnected, "meter not connected")
	}
	resp, err := d.awaitTag(meterID, apdu.TagAARE, ch, d.cfg.AssociationTimeout)
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindAssociationTimeout, "association request", err)
	}
	if !resp.Accepted {
		return gwerrors.New(gwerrors.KindAssociationRejected, "meter rejected the association request")
	}
	return nil
}

// releaseAssociation sends RLRQ fire-and-forget; spec §4.8 treats the
// release as best-effort and never blocks the caller on it.
func (d *Dispatcher) releaseAssociation(meterID string) {
	d.sender.SendToMeter(meterID, apdu.EncodeRLRQ())
}

// vwGet acquires the association lock, associates, issues a single GET, and
// releases the association before returning.
func (d *Dispatcher) vwGet(meterID string, obis apdu.OBIS, classID uint16, attribute byte) (apdu.DataValue, error) {
	release, err := d.acquireLock(meterID, d.cfg.LockTimeout)
	if err != nil {
		return apdu.DataValue{}, err
	}
	defer release()

	if err := d.associate(meterID); err != nil {
		return apdu.DataValue{}, err
	}
	defer d.releaseAssociation(meterID)

	return d.vwGetLocked(meterID, obis, classID, attribute)
}

// vwGetLocked issues a single GET.request over an association the caller
// already holds the lock for.
func (d *Dispatcher) vwGetLocked(meterID string, obis apdu.OBIS, classID uint16, attribute byte) (apdu.DataValue, error) {
	invokeID := d.nextInvokeID(meterID)
	ch := d.registerInvoke(meterID, invokeID, obis, classID)
	req := apdu.EncodeGetRequest(invokeID, classID, obis, attribute)
	if !d.sender.SendToMeter(meterID, req) {
		d.clearInvoke(meterID, invokeID)
		return apdu.DataValue{}, gwerrors.New(gwerrors.KindMeterNotConnected, "meter not connected")
	}

	select {
	case resp := <-ch:
		if resp.Value == nil {
			return apdu.DataValue{}, gwerrors.New(gwerrors.KindAccessDenied, fmt.Sprintf("GET.response access error: code %d", resp.AccessCode))
		}
		return *resp.Value, nil
	case <-time.After(d.cfg.OperationTimeout):
		d.clearInvoke(meterID, invokeID)
		return apdu.DataValue{}, gwerrors.New(gwerrors.KindCommandTimeout, "GET.response not received in time")
	}
}

// numericOf extracts a DataValue's integer reading regardless of whether
// the meter encoded it as a signed or unsigned DLMS type.
func numericOf(dv apdu.DataValue) int64 {
	switch dv.Tag {
	case apdu.DataTagDoubleLongUnsigned, apdu.DataTagUnsigned, apdu.DataTagLongUnsigned, apdu.DataTagLong64Unsigned:
		return int64(dv.Uint)
	default:
		return dv.Int
	}
}

// boolOf extracts a DataValue's truth value, honoring a genuine DLMS
// Boolean tag (attribute 2's wire type) and falling back to a nonzero
// check for meters that reply with an integer instead.
func boolOf(dv apdu.DataValue) bool {
	if dv.Tag == apdu.DataTagBoolean {
		return dv.Bool
	}
	return numericOf(dv) != 0
}

// sweepStaleInvokes discards invoke-id correlations that outlived maxAge
// without a matching response, so a meter that never answers doesn't leak
// dispatcher state. Sweeping an empty inner map still removes it, keeping
// the outer map free of stale zero-length entries.
func (d *Dispatcher) sweepStaleInvokes(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	d.vwMu.Lock()
	defer d.vwMu.Unlock()
	for meterID, byCall := range d.vwPendingByCall {
		for invokeID, entry := range byCall {
			if entry.issuedAt.Before(cutoff) {
				delete(byCall, invokeID)
			}
		}
		if len(byCall) == 0 {
			delete(d.vwPendingByCall, meterID)
		}
	}
}

// FailPending rejects every pending command (R645 and VW) for meterID with
// kind, used when the Connection Registry reports that meter's connection
// was replaced by a newer one.
func (d *Dispatcher) FailPending(meterID string, kind gwerrors.Kind, message string) {
	d.r645Mu.Lock()
	byDI := d.r645Pending[meterID]
	delete(d.r645Pending, meterID)
	d.r645Mu.Unlock()
	for _, pending := range byDI {
		select {
		case pending.resultCh <- r645Result{err: gwerrors.New(kind, message)}:
		default:
		}
		close(pending.resultCh)
	}

	d.vwMu.Lock()
	byTag := d.vwPendingByTag[meterID]
	delete(d.vwPendingByTag, meterID)
	delete(d.vwPendingByCall, meterID)
	d.vwMu.Unlock()
	for _, ch := range byTag {
		close(ch)
	}
}

// Validate checks a request against the method table before it ever touches
// a connection.
func Validate(req Request) error {
	if strings.TrimSpace(req.ID) == "" {
		return fmt.Errorf("command id is required")
	}
	if !supportedMethods[req.Method] {
		return fmt.Errorf("unknown command method %q", req.Method)
	}
	switch req.Method {
	case "relay-control":
		state := strings.ToLower(req.Params["state"])
		if state != "open" && state != "close" {
			return fmt.Errorf("relay-control requires params.state of \"open\" or \"close\"")
		}
	case "read-register":
		if req.Params["register"] == "" && req.Params["dataId"] == "" {
			return fmt.Errorf("read-register requires params.register or params.dataId")
		}
	}
	return nil
}

// Execute runs a validated request against the meter's connection,
// dispatching on its classified protocol.
func (d *Dispatcher) Execute(ctx context.Context, meterID string, req Request) Response {
	now := time.Now()
	if err := Validate(req); err != nil {
		return errorResponse(req.ID, now, err)
	}

	conn, ok := d.sender.GetByMeter(meterID)
	if !ok {
		return errorResponse(req.ID, now, gwerrors.New(gwerrors.KindMeterNotConnected, "meter not connected"))
	}
	protocol := router.Kind(conn.Protocol())

	var result interface{}
	var err error
	switch req.Method {
	case "read-register":
		result, err = d.readRegister(meterID, protocol, req.Params)
	case "read-all":
		result, err = d.readAll(meterID, protocol)
	case "relay-control":
		result, err = d.relayControl(meterID, protocol, strings.ToLower(req.Params["state"]) == "close")
	case "read-relay-state":
		result, err = d.readRelayState(meterID, protocol)
	case "read-address":
		result, err = d.readAddress(meterID, protocol)
	default:
		err = fmt.Errorf("unknown command method %q", req.Method)
	}

	if err != nil {
		return errorResponse(req.ID, now, err)
	}
	return Response{ID: req.ID, Success: true, Result: result, Timestamp: now}
}

func errorResponse(id string, ts time.Time, err error) Response {
	return Response{ID: id, Success: false, Error: err.Error(), Timestamp: ts}
}

func (d *Dispatcher) readRegister(meterID string, protocol router.Kind, params map[string]string) (interface{}, error) {
	name := params["register"]
	if name == "" {
		name = params["dataId"]
	}

	switch protocol {
	case router.KindR645:
		di, descriptor, ok := r645.LookupName(name)
		if !ok {
			var perr error
			di, perr = parseDI(name)
			if perr != nil {
				return nil, gwerrors.New(gwerrors.KindUnknownRegister, fmt.Sprintf("unknown register %q", name))
			}
			descriptor, ok = r645.LookupDI(di)
			_ = ok
		}
		frame, err := r645.BuildRead(meterID, di)
		if err != nil {
			return nil, err
		}
		df, err := d.SendR645(meterID, frame, di, d.cfg.OperationTimeout)
		if err != nil {
			return nil, err
		}
		_, raw, scaled, found, err := r645.DecodeValue(di, df.ValueRaw)
		if err != nil {
			return nil, err
		}
		out := map[string]interface{}{"raw": raw, "value": scaled}
		if found {
			out["unit"] = descriptor.Unit
			out["key"] = descriptor.Key
		}
		return out, nil

	case router.KindVW:
		obis, entry, ok := apdu.LookupByKey(name)
		if !ok {
			var perr error
			obis, perr = apdu.ParseOBIS(name)
			if perr != nil {
				return nil, gwerrors.New(gwerrors.KindUnknownOBIS, fmt.Sprintf("unknown OBIS register %q", name))
			}
			entry, _ = apdu.LookupOBIS(obis)
		}
		value, err := d.vwGet(meterID, obis, 3, 2)
		if err != nil {
			return nil, err
		}
		raw := numericOf(value)
		scaled := float64(raw) * entry.Scale
		return map[string]interface{}{"raw": raw, "value": scaled, "unit": entry.Unit, "key": entry.Key}, nil

	default:
		return nil, gwerrors.New(gwerrors.KindProtocolMismatch, "connection protocol not yet classified")
	}
}

func (d *Dispatcher) readAll(meterID string, protocol router.Kind) (interface{}, error) {
	switch protocol {
	case router.KindR645:
		out := make(map[string]interface{})
		for _, di := range r645.AllRegisters() {
			descriptor, _ := r645.LookupDI(di)
			frame, err := r645.BuildRead(meterID, di)
			if err != nil {
				continue
			}
			df, err := d.SendR645(meterID, frame, di, d.cfg.OperationTimeout)
			if err != nil {
				out[descriptor.Key] = map[string]interface{}{"error": err.Error()}
				continue
			}
			_, raw, scaled, _, err := r645.DecodeValue(di, df.ValueRaw)
			if err != nil {
				out[descriptor.Key] = map[string]interface{}{"error": err.Error()}
				continue
			}
			out[descriptor.Key] = map[string]interface{}{"raw": raw, "value": scaled, "unit": descriptor.Unit}
		}
		return out, nil
	case router.KindVW:
		return nil, gwerrors.New(gwerrors.KindProtocolMismatch, "read-all is not available over a passive VW association")
	default:
		return nil, gwerrors.New(gwerrors.KindProtocolMismatch, "connection protocol not yet classified")
	}
}

// relayControl runs the relay-control sequence. R645 sends a single
// simplified frame and tolerates the meter going silent; VW runs the full
// AARQ -> ACTION.request -> GET.request(attr 2) -> RLRQ association sequence
// against the disconnect-control object, waiting RelayConfirmDelay after the
// action before reading the output state back to report "confirmed".
func (d *Dispatcher) relayControl(meterID string, protocol router.Kind, wantClosed bool) (interface{}, error) {
	switch protocol {
	case router.KindR645:
		frame, err := r645.BuildRelaySimple(meterID, !wantClosed)
		if err != nil {
			return nil, err
		}
		if !d.sender.SendToMeter(meterID, frame) {
			return nil, gwerrors.New(gwerrors.KindMeterNotConnected, "meter not connected")
		}
		// Some meters drop the relay ack silently on a successful trip; the
		// command is considered delivered, not confirmed.
		return map[string]interface{}{"commanded": commandedState(wantClosed), "confirmed": false}, nil

	case router.KindVW:
		release, err := d.acquireLock(meterID, d.cfg.RelayLockTimeout)
		if err != nil {
			return nil, err
		}
		defer release()

		if err := d.associate(meterID); err != nil {
			return nil, err
		}
		defer d.releaseAssociation(meterID)

		method := byte(1)
		if wantClosed {
			method = 2
		}
		invokeID := d.nextInvokeID(meterID)
		ch := d.registerInvoke(meterID, invokeID, apdu.RelayControlOBIS, 70)
		req := apdu.EncodeActionRequest(invokeID, 70, apdu.RelayControlOBIS, method)
		if !d.sender.SendToMeter(meterID, req) {
			d.clearInvoke(meterID, invokeID)
			return nil, gwerrors.New(gwerrors.KindMeterNotConnected, "meter not connected")
		}
		var resp *apdu.APDU
		select {
		case resp = <-ch:
		case <-time.After(d.cfg.OperationTimeout):
			d.clearInvoke(meterID, invokeID)
			return nil, gwerrors.New(gwerrors.KindCommandTimeout, "ACTION.response not received in time")
		}
		if resp.ActionCode != 0 {
			return nil, gwerrors.New(gwerrors.KindActionFailed, fmt.Sprintf("disconnect-control action failed: code %d", resp.ActionCode))
		}

		time.Sleep(d.cfg.RelayConfirmDelay)

		value, confirmErr := d.vwGetLocked(meterID, apdu.RelayControlOBIS, 70, 2)
		confirmed := confirmErr == nil && boolOf(value) == wantClosed

		return map[string]interface{}{"commanded": commandedState(wantClosed), "confirmed": confirmed}, nil

	default:
		return nil, gwerrors.New(gwerrors.KindProtocolMismatch, "relay-control requires a classified connection")
	}
}

func (d *Dispatcher) readRelayState(meterID string, protocol router.Kind) (interface{}, error) {
	if protocol != router.KindVW {
		return nil, gwerrors.New(gwerrors.KindProtocolMismatch, "read-relay-state is only available over VW/DLMS")
	}
	release, err := d.acquireLock(meterID, d.cfg.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := d.associate(meterID); err != nil {
		return nil, err
	}
	defer d.releaseAssociation(meterID)

	outputState, err := d.vwGetLocked(meterID, apdu.RelayControlOBIS, 70, 2)
	if err != nil {
		return nil, err
	}
	controlState, err := d.vwGetLocked(meterID, apdu.RelayControlOBIS, 70, 3)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"output_state":  boolOf(outputState),
		"control_state": numericOf(controlState),
	}, nil
}

// VWAttr names one COSEM object/attribute to read as part of a PollVW batch.
type VWAttr struct {
	OBIS      apdu.OBIS
	ClassID   uint16
	Attribute byte
}

// PollVW associates once and issues a GET.request for every attr in order
// over that single association, correlating each by its own cycled invoke-id
// the same way vwGetLocked does for a single read. One attribute failing
// (timeout, access-denied) does not abort the rest of the batch; its error
// is reported alongside whatever values did come back. This is the periodic
// poller's entry point for VW meters (spec §4.9): it amortizes the
// association handshake across a whole register group instead of paying it
// once per register.
func (d *Dispatcher) PollVW(meterID string, attrs []VWAttr) (map[string]apdu.DataValue, map[string]error) {
	values := make(map[string]apdu.DataValue)
	errs := make(map[string]error)

	release, err := d.acquireLock(meterID, d.cfg.LockTimeout)
	if err != nil {
		for _, a := range attrs {
			errs[a.OBIS.String()] = err
		}
		return values, errs
	}
	defer release()

	if err := d.associate(meterID); err != nil {
		for _, a := range attrs {
			errs[a.OBIS.String()] = err
		}
		return values, errs
	}
	defer d.releaseAssociation(meterID)

	for _, a := range attrs {
		v, err := d.vwGetLocked(meterID, a.OBIS, a.ClassID, a.Attribute)
		if err != nil {
			errs[a.OBIS.String()] = err
			continue
		}
		values[a.OBIS.String()] = v
	}
	return values, errs
}

func (d *Dispatcher) readAddress(meterID string, protocol router.Kind) (interface{}, error) {
	if protocol != router.KindR645 {
		return nil, gwerrors.New(gwerrors.KindProtocolMismatch, "read-address is only available over R645")
	}
	return map[string]interface{}{"address": meterID}, nil
}

func commandedState(wantClosed bool) string {
	if wantClosed {
		return "close"
	}
	return "open"
}

func parseDI(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func tagName(tag apdu.Tag) string {
	switch tag {
	case apdu.TagAARE:
		return "AARE"
	case apdu.TagRLRE:
		return "RLRE"
	case apdu.TagGetResponse:
		return "GetResponse"
	case apdu.TagActionResponse:
		return "ActionResponse"
	default:
		return fmt.Sprintf("tag 0x%02X", byte(tag))
	}
}
