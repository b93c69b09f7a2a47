// Package egress translates dispatcher responses and poller results into
// the uniform telemetry and event shapes the bus publishes, so neither the
// dispatcher nor the poller need to know anything about MQTT or JSON.
package egress

import (
	"fmt"
	"time"

	"github.com/olivenet-iot/meter-gateway/internal/apdu"
	"github.com/olivenet-iot/meter-gateway/internal/dispatcher"
	"github.com/olivenet-iot/meter-gateway/internal/poller"
)

// Event is one telemetry sample: a register reading, scaled to engineering
// units, tagged with the protocol it was read over.
type Event struct {
	MeterID    string    `json:"meter_id"`
	Timestamp  time.Time `json:"timestamp"`
	Key        string    `json:"register"`
	RawValue   int64     `json:"raw_value"`
	ScaledValue float64  `json:"scaled_value"`
	Unit       string    `json:"unit,omitempty"`
	Source     string    `json:"protocol_source"`
}

// RelayEvent reports the disconnect-relay's state and, when the transition
// came from a relay-control command, whether the meter confirmed it.
type RelayEvent struct {
	MeterID      string    `json:"meter_id"`
	Timestamp    time.Time `json:"timestamp"`
	OutputState  bool      `json:"output_state"`
	ControlState int64     `json:"control_state"`
	Commanded    string    `json:"commanded,omitempty"`
	Confirmed    bool      `json:"confirmed"`
}

// FromPollResult translates one polling cycle's outcome into the telemetry
// events for its successful readings. Registers that errored are not
// represented here; the poller already logs them, and a missing sample on
// the telemetry topic is itself the signal of a poll failure.
func FromPollResult(r poller.CycleResult) []Event {
	events := make([]Event, 0, len(r.Readings))
	for _, reading := range r.Readings {
		events = append(events, Event{
			MeterID:     reading.MeterID,
			Timestamp:   reading.Timestamp,
			Key:         reading.Key,
			RawValue:    reading.Raw,
			ScaledValue: reading.Value,
			Unit:        reading.Unit,
			Source:      reading.Source.String(),
		})
	}
	return events
}

// FromNotification translates an unsolicited DataNotification or
// EventNotification APDU into a telemetry event.
//
// DataNotification carries no OBIS or class-id on the wire: the device push
// identifies itself only by its long-invoke-id. Rather than drop the
// reading, it is keyed as "push-<long-invoke-id>" with a pass-through scale,
// since no register identity can be recovered from the frame itself.
// EventNotification carries a proper class-id/OBIS pair and is resolved
// through the normal OBIS registry like a polled reading.
func FromNotification(meterID string, a *apdu.APDU, ts time.Time) (Event, bool) {
	if a == nil || a.Value == nil {
		return Event{}, false
	}
	raw := apdu.NumericOf(*a.Value)

	switch a.Tag {
	case apdu.TagDataNotification:
		return Event{
			MeterID:     meterID,
			Timestamp:   ts,
			Key:         fmt.Sprintf("push-%d", a.LongInvokeID),
			RawValue:    raw,
			ScaledValue: float64(raw),
			Source:      "vw-push",
		}, true
	case apdu.TagEventNotification:
		entry, found := apdu.LookupOBIS(a.OBIS)
		key := entry.Key
		unit := entry.Unit
		scale := 1.0
		if found {
			scale = entry.Scale
		} else {
			key = a.OBIS.String()
		}
		return Event{
			MeterID:     meterID,
			Timestamp:   ts,
			Key:         key,
			RawValue:    raw,
			ScaledValue: float64(raw) * scale,
			Unit:        unit,
			Source:      "vw-push",
		}, true
	default:
		return Event{}, false
	}
}

// FromRelayControlResult translates a relay-control command's dispatcher
// response into a RelayEvent. resp.Result is expected to hold the keys the
// dispatcher's relayControl sets: "commanded" and "confirmed". OutputState
// reflects the commanded direction rather than a read-back, since R645's
// simple relay frame and VW's unconfirmed path don't always read the
// output back before replying.
func FromRelayControlResult(meterID string, resp dispatcher.Response, ts time.Time) (RelayEvent, bool) {
	m, ok := resp.Result.(map[string]interface{})
	if !ok || !resp.Success {
		return RelayEvent{}, false
	}
	ev := RelayEvent{MeterID: meterID, Timestamp: ts}
	if v, ok := m["commanded"].(string); ok {
		ev.Commanded = v
		ev.OutputState = v == "close"
	}
	if v, ok := m["confirmed"].(bool); ok {
		ev.Confirmed = v
	}
	return ev, true
}

// FromRelayStateResult translates a read-relay-state command's dispatcher
// response into a RelayEvent with no commanded direction, since the read
// was an observation rather than a control action.
func FromRelayStateResult(meterID string, resp dispatcher.Response, ts time.Time) (RelayEvent, bool) {
	m, ok := resp.Result.(map[string]interface{})
	if !ok || !resp.Success {
		return RelayEvent{}, false
	}
	ev := RelayEvent{MeterID: meterID, Timestamp: ts, Confirmed: true}
	if v, ok := m["output_state"].(bool); ok {
		ev.OutputState = v
	}
	if v, ok := m["control_state"].(int64); ok {
		ev.ControlState = v
	}
	return ev, true
}
