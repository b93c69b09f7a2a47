// Package registry implements the Connection Registry: socket lifecycle,
// meter identity binding, duplicate-connection replacement, and the
// idle/timeout sweeper shared by every meter-facing connection.
package registry

import (
	"net"
	"sync"
	"time"

	"github.com/olivenet-iot/meter-gateway/internal/gwerrors"
	"github.com/olivenet-iot/meter-gateway/internal/logging"
)

// State is a connection's position in its lifecycle.
type State int

const (
	StateConnected State = iota
	StateIdentified
	StateActive
	StateIdle
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "Connected"
	case StateIdentified:
		return "Identified"
	case StateActive:
		return "Active"
	case StateIdle:
		return "Idle"
	case StateDisconnecting:
		return "Disconnecting"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Connection is one tracked meter-facing socket.
type Connection struct {
	ID         uint64
	Socket     net.Conn
	RemoteAddr string

	mu           sync.Mutex
	state        State
	meterID      string
	protocol     int
	createdAt    time.Time
	lastActivity time.Time
	bytesIn      uint64
	bytesOut     uint64
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Protocol returns the sticky protocol classification the caller previously
// recorded with SetProtocol (see the router package's Kind), or zero if
// none has been set yet.
func (c *Connection) Protocol() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

// SetProtocol records the connection's classified protocol. The registry
// stores it as a plain int to avoid importing the router package; callers
// cast to router.Kind.
func (c *Connection) SetProtocol(kind int) {
	c.mu.Lock()
	c.protocol = kind
	c.mu.Unlock()
}

func (c *Connection) MeterID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meterID
}

func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Snapshot is a point-in-time, lock-free view of a Connection for
// diagnostics and the gateway's status surface.
type Snapshot struct {
	ID           uint64
	RemoteAddr   string
	MeterID      string
	State        State
	CreatedAt    time.Time
	LastActivity time.Time
	BytesIn      uint64
	BytesOut     uint64
}

// Stats summarizes the registry as a whole.
type Stats struct {
	TotalConnections int
	ByState          map[State]int
	IdentifiedMeters  int
}

// Registry tracks every live connection and the meter-id binding for each.
type Registry struct {
	mu                sync.RWMutex
	connections       map[uint64]*Connection
	meterToConnection map[string]uint64
	nextID            uint64

	maxConnections    int
	heartbeatInterval time.Duration
	connectionTimeout time.Duration

	logger *logging.Logger

	// OnReplaced is invoked when Identify() displaces a predecessor
	// connection holding the same meter id, so the Command Dispatcher can
	// fail that connection's pending commands with ReplacedByNewerConnection.
	OnReplaced func(oldConnID uint64, meterID string)

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Registry. heartbeatInterval and connectionTimeout drive the
// background sweeper; maxConnections of 0 means unbounded.
func New(maxConnections int, heartbeatInterval, connectionTimeout time.Duration, logger *logging.Logger) *Registry {
	return &Registry{
		connections:       make(map[uint64]*Connection),
		meterToConnection: make(map[string]uint64),
		maxConnections:    maxConnections,
		heartbeatInterval: heartbeatInterval,
		connectionTimeout: connectionTimeout,
		logger:            logger,
		stop:              make(chan struct{}),
	}
}

// Register admits a new socket, returning MaxConnections if the configured
// cap is already reached.
func (r *Registry) Register(socket net.Conn, remoteAddr string) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxConnections > 0 && len(r.connections) >= r.maxConnections {
		return nil, gwerrors.New(gwerrors.KindMaxConnections, "connection registry at capacity")
	}

	r.nextID++
	now := time.Now()
	conn := &Connection{
		ID:           r.nextID,
		Socket:       socket,
		RemoteAddr:   remoteAddr,
		state:        StateConnected,
		createdAt:    now,
		lastActivity: now,
	}
	r.connections[conn.ID] = conn
	return conn, nil
}

// Identify binds a meter id to a connection. If another connection already
// holds that meter id, the predecessor is moved to Disconnecting, its
// socket closed, it is marked Disconnected and removed, and OnReplaced is
// invoked. The new binding is recorded before the predecessor is handled.
func (r *Registry) Identify(connID uint64, meterID string) error {
	r.mu.Lock()
	conn, ok := r.connections[connID]
	if !ok {
		r.mu.Unlock()
		return gwerrors.New(gwerrors.KindConnectionClosed, "identify on unknown connection")
	}

	var predecessor *Connection
	if oldID, exists := r.meterToConnection[meterID]; exists && oldID != connID {
		predecessor = r.connections[oldID]
	}
	r.meterToConnection[meterID] = connID
	r.mu.Unlock()

	conn.mu.Lock()
	conn.meterID = meterID
	if conn.state == StateConnected {
		conn.state = StateIdentified
	}
	conn.mu.Unlock()

	if predecessor != nil {
		predecessor.mu.Lock()
		predecessor.state = StateDisconnecting
		predecessor.mu.Unlock()
		_ = predecessor.Socket.Close()
		predecessor.mu.Lock()
		predecessor.state = StateDisconnected
		predecessor.mu.Unlock()
		r.removeConnection(predecessor.ID, predecessor.meterID)
		if r.OnReplaced != nil {
			r.OnReplaced(predecessor.ID, meterID)
		}
	}
	return nil
}

// Send writes bytes to connID's socket. It returns false, without error,
// when the connection does not exist — writes never panic or throw.
func (r *Registry) Send(connID uint64, data []byte) bool {
	r.mu.RLock()
	conn, ok := r.connections[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.write(conn, data)
}

// SendToMeter writes bytes to whichever connection currently holds
// meterID's identity binding.
func (r *Registry) SendToMeter(meterID string, data []byte) bool {
	r.mu.RLock()
	connID, ok := r.meterToConnection[meterID]
	var conn *Connection
	if ok {
		conn = r.connections[connID]
	}
	r.mu.RUnlock()
	if conn == nil {
		return false
	}
	return r.write(conn, data)
}

func (r *Registry) write(conn *Connection, data []byte) bool {
	n, err := conn.Socket.Write(data)
	conn.mu.Lock()
	conn.bytesOut += uint64(n)
	conn.mu.Unlock()
	if err != nil {
		if r.logger != nil {
			r.logger.Error("write to connection %d failed: %v", conn.ID, err)
		}
		r.Close(conn.ID, "write error")
		return false
	}
	return true
}

// Touch records inbound activity, transitioning Idle connections back to
// Active.
func (r *Registry) Touch(connID uint64, n int) {
	r.mu.RLock()
	conn, ok := r.connections[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	conn.mu.Lock()
	conn.lastActivity = time.Now()
	conn.bytesIn += uint64(n)
	if conn.state == StateIdle || conn.state == StateConnected || conn.state == StateIdentified {
		conn.state = StateActive
	}
	conn.mu.Unlock()
}

// Close transitions connID through Disconnecting to Disconnected, closes
// its socket, and removes it (and its meter binding, if current) from the
// registry.
func (r *Registry) Close(connID uint64, reason string) {
	r.mu.RLock()
	conn, ok := r.connections[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	conn.mu.Lock()
	if conn.state == StateDisconnected {
		conn.mu.Unlock()
		return
	}
	conn.state = StateDisconnecting
	meterID := conn.meterID
	conn.mu.Unlock()

	if err := conn.Socket.Close(); err != nil && r.logger != nil {
		r.logger.Debug("close connection %d (%s): %v", connID, reason, err)
	}

	conn.mu.Lock()
	conn.state = StateDisconnected
	conn.mu.Unlock()

	r.removeConnection(connID, meterID)
}

// removeConnection deletes connID from the registry and, if it was the
// current binding, removes its meter id mapping too — the meter_to_connection
// ⊆ connections invariant.
func (r *Registry) removeConnection(connID uint64, meterID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, connID)
	if meterID != "" {
		if boundID, ok := r.meterToConnection[meterID]; ok && boundID == connID {
			delete(r.meterToConnection, meterID)
		}
	}
}

// Get returns the connection for connID, if any.
func (r *Registry) Get(connID uint64) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connID]
	return conn, ok
}

// GetByMeter returns the connection currently bound to meterID, if any.
func (r *Registry) GetByMeter(meterID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.meterToConnection[meterID]
	if !ok {
		return nil, false
	}
	conn, ok := r.connections[connID]
	return conn, ok
}

// Snapshot returns a point-in-time view of every tracked connection.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.connections))
	for _, conn := range r.connections {
		conn.mu.Lock()
		out = append(out, Snapshot{
			ID:           conn.ID,
			RemoteAddr:   conn.RemoteAddr,
			MeterID:      conn.meterID,
			State:        conn.state,
			CreatedAt:    conn.createdAt,
			LastActivity: conn.lastActivity,
			BytesIn:      conn.bytesIn,
			BytesOut:     conn.bytesOut,
		})
		conn.mu.Unlock()
	}
	return out
}

// Stats summarizes the registry's current population.
func (r *Registry) Stats() Stats {
	snap := r.Snapshot()
	stats := Stats{TotalConnections: len(snap), ByState: make(map[State]int)}
	for _, s := range snap {
		stats.ByState[s.State]++
		if s.MeterID != "" {
			stats.IdentifiedMeters++
		}
	}
	return stats
}

// StartSweeper launches the background goroutine that flips connections to
// Idle after 2x the heartbeat interval of inactivity and force-closes them
// at connectionTimeout. Call Stop to terminate it.
func (r *Registry) StartSweeper() {
	if r.heartbeatInterval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

func (r *Registry) sweep() {
	idleThreshold := 2 * r.heartbeatInterval
	now := time.Now()

	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		conn.mu.Lock()
		idle := now.Sub(conn.lastActivity)
		state := conn.state
		if state != StateDisconnecting && state != StateDisconnected {
			if r.connectionTimeout > 0 && idle > r.connectionTimeout {
				conn.mu.Unlock()
				r.Close(conn.ID, "connection timeout")
				continue
			}
			if idle > idleThreshold && state == StateActive {
				conn.state = StateIdle
			}
		}
		conn.mu.Unlock()
	}
}

// Stop halts the sweeper goroutine, if running, and waits for it to exit.
func (r *Registry) Stop() {
	select {
	case <-r.stop:
		// already closed
	default:
		close(r.stop)
	}
	r.wg.Wait()
}
