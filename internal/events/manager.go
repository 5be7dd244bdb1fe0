package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event names pushed to real-time subscribers.
const (
	EventInitialState        = "initial-state"
	EventProcessingAdded     = "processing-added"
	EventProcessingCompleted = "processing-completed"
	EventInventoryUpdated    = "inventory-updated"
)

// Data is the payload every event carries. ProjectID scopes delivery:
// a connection only receives events tagged with its project.
type Data struct {
	ProjectID string         `json:"project_id"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Envelope pairs an event name with its payload.
type Envelope struct {
	Name string `json:"name"`
	Data Data   `json:"data"`
}

// Handler receives every emitted event, regardless of project.
type Handler interface {
	HandleEvent(name string, data Data)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(name string, data Data)

func (f HandlerFunc) HandleEvent(name string, data Data) { f(name, data) }

// Token identifies a subscription for later removal.
type Token struct {
	event string
	id    uint64
}

// InitialState is the first frame sent on a new connection. It is built
// from in-memory state only, never from a database read.
type InitialState struct {
	ConnectionID string         `json:"connection_id"`
	ProjectID    string         `json:"project_id"`
	ConnectedAt  time.Time      `json:"connected_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Snapshot     map[string]any `json:"snapshot,omitempty"`
}

// SnapshotFunc supplies the in-memory snapshot for a project at
// connection time.
type SnapshotFunc func(projectID string) map[string]any

// Connection is a live real-time subscriber. The manager exclusively owns
// the connection registry; other code interacts through the returned
// Connection value and the manager's operations only.
type Connection struct {
	ID        string
	ProjectID string
	CreatedAt time.Time
	ExpiresAt time.Time

	ch        chan Envelope
	closeOnce sync.Once
	mgr       *Manager
}

// Events returns the channel the manager delivers envelopes on. The channel
// is closed when the connection is removed, for any reason.
func (c *Connection) Events() <-chan Envelope {
	return c.ch
}

// Close removes the connection from the manager. Safe to call more than once.
func (c *Connection) Close() {
	c.mgr.RemoveConnection(c.ID)
}

// Config holds event manager settings
type Config struct {
	ConnectionTTL time.Duration // hard lifetime cap per connection
	SendBuffer    int           // per-connection delivery buffer
	SweepInterval time.Duration // expiry sweep period
	EmitBuffer    int           // pending emit backlog before events are dropped
}

// Manager maintains the registry of live connections keyed by project and
// fans out events with no storage access on the hot path. Dispatch runs on
// a single goroutine so delivery order matches emit order.
type Manager struct {
	cfg      Config
	logger   *slog.Logger
	snapshot SnapshotFunc

	mu        sync.RWMutex
	conns     map[string]*Connection
	byProject map[string]map[string]*Connection
	handlers  map[string]map[uint64]Handler
	nextToken uint64

	emitCh chan Envelope
	stopCh chan struct{}
	done   chan struct{}
}

// NewManager creates an event manager. snapshot may be nil.
func NewManager(cfg Config, snapshot SnapshotFunc, logger *slog.Logger) *Manager {
	if cfg.ConnectionTTL <= 0 {
		cfg.ConnectionTTL = 10 * time.Minute
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 16
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.EmitBuffer <= 0 {
		cfg.EmitBuffer = 256
	}

	return &Manager{
		cfg:       cfg,
		logger:    logger,
		snapshot:  snapshot,
		conns:     make(map[string]*Connection),
		byProject: make(map[string]map[string]*Connection),
		handlers:  make(map[string]map[uint64]Handler),
		emitCh:    make(chan Envelope, cfg.EmitBuffer),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the dispatch loop.
func (m *Manager) Start() {
	go m.run()
}

// Stop halts dispatch and closes every live connection.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.done

	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		m.RemoveConnection(conn.ID)
	}
}

// AddConnection registers a live subscriber for the given project and
// returns its initial in-memory state.
func (m *Manager) AddConnection(projectID string) (*Connection, InitialState) {
	now := time.Now().UTC()
	conn := &Connection{
		ID:        fmt.Sprintf("%s-%s", projectID, uuid.New().String()),
		ProjectID: projectID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.ConnectionTTL),
		ch:        make(chan Envelope, m.cfg.SendBuffer),
		mgr:       m,
	}

	m.mu.Lock()
	m.conns[conn.ID] = conn
	if m.byProject[projectID] == nil {
		m.byProject[projectID] = make(map[string]*Connection)
	}
	m.byProject[projectID][conn.ID] = conn
	m.mu.Unlock()

	var snap map[string]any
	if m.snapshot != nil {
		snap = m.snapshot(projectID)
	}

	m.logger.Info("Connection added",
		slog.String("connection_id", conn.ID),
		slog.String("project_id", projectID),
		slog.Time("expires_at", conn.ExpiresAt),
	)

	return conn, InitialState{
		ConnectionID: conn.ID,
		ProjectID:    projectID,
		ConnectedAt:  now,
		ExpiresAt:    conn.ExpiresAt,
		Snapshot:     snap,
	}
}

// RemoveConnection unregisters and closes a connection. Idempotent: calling
// it again for the same id, or concurrently from the expiry sweep and the
// stream handler, is safe.
func (m *Manager) RemoveConnection(id string) {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
		if project := m.byProject[conn.ProjectID]; project != nil {
			delete(project, id)
			if len(project) == 0 {
				delete(m.byProject, conn.ProjectID)
			}
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	// Channel close happens exactly once even when cleanup is triggered from
	// multiple paths (client disconnect, expiry, slow-consumer eviction).
	conn.closeOnce.Do(func() {
		close(conn.ch)
	})

	m.logger.Info("Connection removed",
		slog.String("connection_id", id),
		slog.String("project_id", conn.ProjectID),
	)
}

// ConnectionCount returns the number of live connections, optionally scoped
// to one project (empty projectID counts all).
func (m *Manager) ConnectionCount(projectID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if projectID == "" {
		return len(m.conns)
	}
	return len(m.byProject[projectID])
}

// Subscribe registers a handler for an event name and returns a token for
// unsubscription.
func (m *Manager) Subscribe(event string, h Handler) Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextToken++
	token := Token{event: event, id: m.nextToken}
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[uint64]Handler)
	}
	m.handlers[event][token.id] = h
	return token
}

// Unsubscribe removes a previously registered handler. Unknown tokens are
// ignored.
func (m *Manager) Unsubscribe(token Token) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hs := m.handlers[token.event]; hs != nil {
		delete(hs, token.id)
		if len(hs) == 0 {
			delete(m.handlers, token.event)
		}
	}
}

// Emit queues an event for fan-out to connections of data.ProjectID and to
// subscribed handlers. Emit never blocks and never returns an error to the
// producer; if the dispatch backlog is full the event is dropped with a log
// line and later events keep flowing.
func (m *Manager) Emit(name string, data Data) {
	if data.Timestamp.IsZero() {
		data.Timestamp = time.Now().UTC()
	}

	select {
	case m.emitCh <- Envelope{Name: name, Data: data}:
	case <-m.stopCh:
	default:
		m.logger.Warn("Event dropped - dispatch backlog full",
			slog.String("event", name),
			slog.String("project_id", data.ProjectID),
		)
	}
}

func (m *Manager) run() {
	defer close(m.done)

	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-m.stopCh:
			return

		case <-sweep.C:
			m.expireConnections()

		case env := <-m.emitCh:
			m.dispatch(env)
		}
	}
}

// dispatch delivers one envelope to matching connections and handlers.
// Runs only on the manager goroutine.
func (m *Manager) dispatch(env Envelope) {
	var stale []*Connection
	var handlers []Handler

	m.mu.RLock()
	for _, conn := range m.byProject[env.Data.ProjectID] {
		select {
		case conn.ch <- env:
		default:
			// Buffer full means the transport stopped draining. Treat it as
			// a broken connection and run the normal cleanup path.
			stale = append(stale, conn)
		}
	}
	for _, h := range m.handlers[env.Name] {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	for _, conn := range stale {
		m.logger.Warn("Evicting slow consumer",
			slog.String("connection_id", conn.ID),
			slog.String("event", env.Name),
		)
		m.RemoveConnection(conn.ID)
	}

	for _, h := range handlers {
		h.HandleEvent(env.Name, env.Data)
	}
}

func (m *Manager) expireConnections() {
	now := time.Now().UTC()

	var expired []*Connection
	m.mu.RLock()
	for _, conn := range m.conns {
		if now.After(conn.ExpiresAt) {
			expired = append(expired, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range expired {
		m.logger.Info("Connection expired",
			slog.String("connection_id", conn.ID),
			slog.String("project_id", conn.ProjectID),
		)
		m.RemoveConnection(conn.ID)
	}
}
