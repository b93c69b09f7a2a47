package bus

import (
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/olivenet-iot/meter-gateway/internal/dispatcher"
	"github.com/olivenet-iot/meter-gateway/internal/egress"
)

// fakeToken is an already-resolved mqtt.Token, since none of these tests
// exercise a real broker round trip.
type fakeToken struct{ err error }

func (f *fakeToken) Wait() bool                     { return true }
func (f *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (f *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (f *fakeToken) Error() error { return f.err }

// fakeClient records publishes and subscriptions without touching the
// network, standing in for paho's mqtt.Client interface.
type fakeClient struct {
	published []publishedMsg
	subs      map[string]mqtt.MessageHandler
}

type publishedMsg struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{subs: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeClient) IsConnected() bool      { return true }
func (f *fakeClient) IsConnectionOpen() bool { return true }
func (f *fakeClient) Connect() mqtt.Token    { return &fakeToken{} }
func (f *fakeClient) Disconnect(quiesce uint) {}
func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	}
	f.published = append(f.published, publishedMsg{topic: topic, qos: qos, retained: retained, payload: data})
	return &fakeToken{}
}
func (f *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	f.subs[topic] = callback
	return &fakeToken{}
}
func (f *fakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}
func (f *fakeClient) Unsubscribe(topics ...string) mqtt.Token { return &fakeToken{} }
func (f *fakeClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (f *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// fakeMessage is a minimal mqtt.Message for driving onCommandRequest directly.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func TestMeterIDFromTopic(t *testing.T) {
	cases := []struct {
		topic, prefix, want string
	}{
		{"metergw/v1/meters/METER1/command/request", "metergw", "METER1"},
		{"metergw/v1/meters/METER1/telemetry", "metergw", "METER1"},
		{"metergw/gateway/status", "metergw", ""},
		{"other/v1/meters/METER1/command/request", "metergw", ""},
	}
	for _, c := range cases {
		if got := meterIDFromTopic(c.topic, c.prefix); got != c.want {
			t.Errorf("meterIDFromTopic(%q, %q) = %q, want %q", c.topic, c.prefix, got, c.want)
		}
	}
}

func TestPublishTelemetry_UsesMeterTopic(t *testing.T) {
	fc := newFakeClient()
	b := &Bus{client: fc, prefix: "metergw", qos: 1}

	ts := time.Unix(0, 0)
	if err := b.PublishTelemetry(egress.Event{MeterID: "METER1", Timestamp: ts, Key: "ENERGY_TOTAL", ScaledValue: 1.2}); err != nil {
		t.Fatalf("PublishTelemetry: %v", err)
	}
	if len(fc.published) != 1 {
		t.Fatalf("len(published) = %d, want 1", len(fc.published))
	}
	if fc.published[0].topic != "metergw/v1/meters/METER1/telemetry" {
		t.Errorf("topic = %q", fc.published[0].topic)
	}
	if fc.published[0].retained {
		t.Error("telemetry should not be retained")
	}
}

func TestPublishGatewayStatus_IsRetained(t *testing.T) {
	fc := newFakeClient()
	b := &Bus{client: fc, prefix: "metergw", qos: 1}

	if err := b.PublishGatewayStatus(GatewayStatus{Online: true}); err != nil {
		t.Fatalf("PublishGatewayStatus: %v", err)
	}
	if fc.published[0].topic != "metergw/gateway/status" {
		t.Errorf("topic = %q", fc.published[0].topic)
	}
	if !fc.published[0].retained {
		t.Error("gateway status should be retained")
	}
}

func TestOnCommandRequest_RoutesToHandlerAndPublishesResponse(t *testing.T) {
	fc := newFakeClient()
	var gotMeter string
	var gotReq dispatcher.Request
	handler := func(meterID string, req dispatcher.Request) dispatcher.Response {
		gotMeter = meterID
		gotReq = req
		return dispatcher.Response{ID: req.ID, Success: true}
	}
	b := &Bus{client: fc, prefix: "metergw", qos: 1, handler: handler}

	msg := &fakeMessage{
		topic:   "metergw/v1/meters/METER1/command/request",
		payload: []byte(`{"id":"req-1","method":"read-all","params":{}}`),
	}
	b.onCommandRequest(nil, msg)

	if gotMeter != "METER1" {
		t.Errorf("handler meterID = %q, want METER1", gotMeter)
	}
	if gotReq.Method != "read-all" {
		t.Errorf("handler req.Method = %q, want read-all", gotReq.Method)
	}
	if len(fc.published) != 1 {
		t.Fatalf("len(published) = %d, want 1", len(fc.published))
	}
	if fc.published[0].topic != "metergw/v1/meters/METER1/command/response" {
		t.Errorf("response topic = %q", fc.published[0].topic)
	}
}

func TestOnCommandRequest_IgnoresUnmatchedTopic(t *testing.T) {
	fc := newFakeClient()
	called := false
	handler := func(string, dispatcher.Request) dispatcher.Response {
		called = true
		return dispatcher.Response{}
	}
	b := &Bus{client: fc, prefix: "metergw", qos: 1, handler: handler}

	msg := &fakeMessage{topic: "metergw/gateway/status", payload: []byte(`{}`)}
	b.onCommandRequest(nil, msg)

	if called {
		t.Error("handler should not be called for a non-command topic")
	}
}
