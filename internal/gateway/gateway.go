// Package gateway wires the Protocol Router, Connection Registry, Command
// Dispatcher, Periodic Poller, Egress Mapper and MQTT Bus into a single TCP
// listener: one accept loop, one read loop per connection, classification
// once per connection, and decoded frames flowing through to telemetry.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/olivenet-iot/meter-gateway/internal/apdu"
	"github.com/olivenet-iot/meter-gateway/internal/bus"
	"github.com/olivenet-iot/meter-gateway/internal/config"
	"github.com/olivenet-iot/meter-gateway/internal/dispatcher"
	"github.com/olivenet-iot/meter-gateway/internal/egress"
	"github.com/olivenet-iot/meter-gateway/internal/gwerrors"
	"github.com/olivenet-iot/meter-gateway/internal/heartbeat"
	"github.com/olivenet-iot/meter-gateway/internal/logging"
	"github.com/olivenet-iot/meter-gateway/internal/poller"
	"github.com/olivenet-iot/meter-gateway/internal/r645"
	"github.com/olivenet-iot/meter-gateway/internal/registry"
	"github.com/olivenet-iot/meter-gateway/internal/router"
	"github.com/olivenet-iot/meter-gateway/internal/vw"
)

// Gateway is the top-level meter-facing TCP server.
type Gateway struct {
	cfg        *config.Config
	logger     *logging.Logger
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	poller     *poller.Poller
	bus        *bus.Bus

	listener *net.TCPListener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	startedAt time.Time
}

// connState is the per-connection parsing state the accept loop owns for
// the life of one socket.
type connState struct {
	conn       *registry.Connection
	classifier router.Classifier
	vwParser   *vw.Parser
	rawBuf     []byte
	meterID    string
}

// New builds a Gateway from configuration. It does not start listening;
// call Start for that.
func New(cfg *config.Config, logger *logging.Logger) (*Gateway, error) {
	reg := registry.New(
		cfg.MaxConnections,
		time.Duration(cfg.HeartbeatIntervalMs)*time.Millisecond,
		time.Duration(cfg.ConnectionTimeoutMs)*time.Millisecond,
		logger,
	)

	disp := dispatcher.New(reg, logger, dispatcher.DefaultConfig())

	reg.OnReplaced = func(_ uint64, meterID string) {
		disp.FailPending(meterID, gwerrors.KindReplacedByNewerConnection, "connection replaced by a newer identification")
	}

	gw := &Gateway{
		cfg:        cfg,
		logger:     logger,
		registry:   reg,
		dispatcher: disp,
	}

	pub := &cyclePublisher{gw: gw}
	gw.poller = poller.New(reg, disp, cfg.Polling, cfg.DLMS, logger, pub)

	if cfg.Bus.BrokerURL != "" {
		b, err := bus.New(cfg.Bus, logger, gw.handleCommand)
		if err != nil {
			return nil, fmt.Errorf("gateway: connect bus: %w", err)
		}
		gw.bus = b
	}

	return gw, nil
}

// cyclePublisher adapts the poller's Publisher contract to the gateway's
// egress/bus pipeline, kept as its own type so Gateway itself doesn't need
// to implement poller.Publisher's method directly.
type cyclePublisher struct {
	gw *Gateway
}

func (p *cyclePublisher) PublishPollResult(r poller.CycleResult) {
	if p.gw.bus == nil {
		return
	}
	for _, ev := range egress.FromPollResult(r) {
		if err := p.gw.bus.PublishTelemetry(ev); err != nil {
			p.gw.logger.Error("publish telemetry for %s/%s: %v", ev.MeterID, ev.Key, err)
		}
	}
}

// handleCommand is the bus.CommandHandler wired into the MQTT subscription:
// it normalizes the wire method name (underscored per the command contract)
// to the dispatcher's hyphenated form and executes it.
func (gw *Gateway) handleCommand(meterID string, req dispatcher.Request) dispatcher.Response {
	req.Method = strings.ReplaceAll(req.Method, "_", "-")
	ctx, cancel := context.WithTimeout(gw.ctx, 10*time.Second)
	defer cancel()
	return gw.dispatcher.Execute(ctx, meterID, req)
}

// Start begins accepting meter connections and launches the poller and bus
// subscription.
func (gw *Gateway) Start() error {
	gw.ctx, gw.cancel = context.WithCancel(context.Background())
	gw.startedAt = time.Now()

	addr := fmt.Sprintf("%s:%d", gw.cfg.ListenIP, gw.cfg.ListenPort)
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: resolve %s: %w", addr, err)
	}
	gw.listener, err = net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", addr, err)
	}
	gw.logger.Info("meter gateway listening on %s", addr)

	gw.registry.StartSweeper()
	gw.dispatcher.StartSweeper(30 * time.Second)
	gw.poller.Start()

	if gw.bus != nil {
		if err := gw.bus.SubscribeCommands(); err != nil {
			return fmt.Errorf("gateway: subscribe to command topic: %w", err)
		}
		gw.bus.PublishGatewayStatus(bus.GatewayStatus{
			Online:    true,
			StartedAt: gw.startedAt,
			Timestamp: time.Now(),
		})
	}

	gw.wg.Add(1)
	go gw.acceptLoop()

	return nil
}

// Shutdown stops accepting new connections, releases outstanding command
// waiters by resolving them rather than abandoning them mid-flight, and
// waits for every connection handler to return.
func (gw *Gateway) Shutdown(ctx context.Context) error {
	gw.cancel()
	if gw.listener != nil {
		gw.listener.Close()
	}
	gw.poller.Stop()
	gw.registry.Stop()
	gw.dispatcher.Stop()

	for _, snap := range gw.registry.Snapshot() {
		if snap.MeterID == "" {
			continue
		}
		gw.dispatcher.FailPending(snap.MeterID, gwerrors.KindGatewayShutdown, "gateway is shutting down")
	}

	done := make(chan struct{})
	go func() {
		gw.wg.Wait()
		close(done)
	}()

	if gw.bus != nil {
		gw.bus.Close()
	}

	select {
	case <-done:
		gw.logger.Info("meter gateway stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (gw *Gateway) acceptLoop() {
	defer gw.wg.Done()
	for {
		select {
		case <-gw.ctx.Done():
			return
		default:
		}

		gw.listener.SetDeadline(time.Now().Add(1 * time.Second))
		sock, err := gw.listener.AcceptTCP()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if gw.ctx.Err() != nil {
				return
			}
			gw.logger.Error("accept error: %v", err)
			continue
		}

		gw.wg.Add(1)
		go gw.handleConnection(sock)
	}
}

func (gw *Gateway) handleConnection(sock *net.TCPConn) {
	defer gw.wg.Done()

	remoteAddr := sock.RemoteAddr().String()
	conn, err := gw.registry.Register(sock, remoteAddr)
	if err != nil {
		gw.logger.Error("reject connection from %s: %v", remoteAddr, err)
		sock.Close()
		return
	}
	defer func() {
		gw.registry.Close(conn.ID, "connection loop exited")
	}()

	gw.logger.Info("new connection from %s (id=%d)", remoteAddr, conn.ID)

	st := &connState{conn: conn, vwParser: vw.NewParser()}
	readBuf := make([]byte, 4096)

	for {
		select {
		case <-gw.ctx.Done():
			return
		default:
		}

		sock.SetReadDeadline(time.Now().Add(30 * time.Second))
		n, err := sock.Read(readBuf)
		if err != nil {
			if err == io.EOF {
				gw.logger.Info("connection closed by %s", remoteAddr)
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			gw.logger.Error("read error from %s: %v", remoteAddr, err)
			return
		}
		if n == 0 {
			continue
		}

		gw.registry.Touch(conn.ID, n)
		gw.dispatchInbound(st, readBuf[:n])
	}
}

// dispatchInbound classifies the connection on first bytes (sticky
// thereafter) and routes the chunk to the chosen parser.
func (gw *Gateway) dispatchInbound(st *connState, chunk []byte) {
	if st.classifier.Kind() == router.KindUnclassified {
		st.rawBuf = append(st.rawBuf, chunk...)
		kind := st.classifier.Classify(st.rawBuf)
		if kind == router.KindUnclassified {
			return
		}
		st.conn.SetProtocol(int(kind))
		chunk = nil // already folded into rawBuf above
	}

	switch st.classifier.Kind() {
	case router.KindR645:
		if chunk != nil {
			st.rawBuf = append(st.rawBuf, chunk...)
		}
		gw.drainR645(st)
	case router.KindHeartbeat:
		if chunk != nil {
			st.rawBuf = append(st.rawBuf, chunk...)
		}
		gw.drainHeartbeat(st)
	case router.KindVW:
		if chunk == nil {
			chunk = st.rawBuf
			st.rawBuf = nil
		}
		packets, parseErrs := st.vwParser.Push(chunk)
		gw.drainVW(st, packets, parseErrs)
	}
}

func (gw *Gateway) drainR645(st *connState) {
	for len(st.rawBuf) > 0 {
		frame, consumed, err := r645.Decode(st.rawBuf)
		if err != nil {
			gw.logger.Debug("r645 framing error: %v", err)
			st.rawBuf = st.rawBuf[1:]
			continue
		}
		if frame == nil {
			// Incomplete frame; wait for more bytes.
			return
		}
		st.rawBuf = st.rawBuf[consumed:]

		if st.meterID == "" && frame.Address != "" {
			st.meterID = frame.Address
			if err := gw.registry.Identify(st.conn.ID, st.meterID); err != nil {
				gw.logger.Error("identify %s: %v", st.meterID, err)
			}
		}
		if st.meterID == "" {
			continue
		}

		if resolved := gw.dispatcher.ResolveR645(st.meterID, frame); !resolved {
			gw.logger.Debug("unsolicited R645 frame from %s (di=0x%08X)", st.meterID, frame.DI)
		}
	}
}

func (gw *Gateway) drainHeartbeat(st *connState) {
	for len(st.rawBuf) >= heartbeat.PacketLength {
		buf := st.rawBuf[:heartbeat.PacketLength]
		st.rawBuf = st.rawBuf[heartbeat.PacketLength:]

		remoteIP, _, _ := net.SplitHostPort(st.conn.RemoteAddr)
		pkt, err := heartbeat.Decode(buf, gw.cfg.Heartbeat.ZeroAddressAction, remoteIP)
		if err != nil {
			gw.logger.Error("heartbeat decode: %v", err)
			continue
		}

		if st.meterID == "" {
			st.meterID = pkt.Identity
			if err := gw.registry.Identify(st.conn.ID, st.meterID); err != nil {
				gw.logger.Error("identify %s: %v", st.meterID, err)
			}
		}

		if gw.cfg.Heartbeat.AckEnabled {
			gw.registry.Send(st.conn.ID, buf)
		}
	}
}

func (gw *Gateway) drainVW(st *connState, packets []vw.Packet, parseErrs []vw.ParseError) {
	for _, pe := range parseErrs {
		gw.logger.Debug("vw parse error: discarded %d bytes (%s)", pe.DiscardedLength, pe.HexPreview)
	}

	for _, pkt := range packets {
		a, _, err := apdu.Decode(pkt.Payload)
		if err != nil {
			gw.logger.Debug("apdu decode error: %v", err)
			continue
		}

		if st.meterID == "" {
			remoteIP, _, _ := net.SplitHostPort(st.conn.RemoteAddr)
			st.meterID = remoteIP
			if err := gw.registry.Identify(st.conn.ID, st.meterID); err != nil {
				gw.logger.Error("identify %s: %v", st.meterID, err)
			}
		}

		if resolved := gw.dispatcher.ResolveVW(st.meterID, a); resolved {
			continue
		}

		if ev, ok := egress.FromNotification(st.meterID, a, time.Now()); ok && gw.bus != nil {
			if err := gw.bus.PublishEvent(st.meterID, ev); err != nil {
				gw.logger.Error("publish event for %s: %v", st.meterID, err)
			}
		}
	}
}
