package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/compose-paas/backend/internal/auth"
	"github.com/compose-paas/backend/internal/event"
	"github.com/compose-paas/backend/internal/logging"
	"github.com/compose-paas/backend/internal/logstream"
	"github.com/compose-paas/backend/internal/model"
	"github.com/compose-paas/backend/internal/shell"
	"github.com/compose-paas/backend/internal/task"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	defaultPingInterval   = 30 * time.Second
	defaultMaxMessageSize = 4 << 20
	defaultBatchSize      = 500
)

// Authenticator resolves a credential to a user id.
type Authenticator interface {
	Authenticate(credential string) (string, error)
}

// TaskLauncher starts a task for an app and returns its id.
type TaskLauncher interface {
	Launch(ctx context.Context, appName, command string) (string, error)
}

// Subscriber is a source of broadcast events.
type Subscriber interface {
	Subscribe() (<-chan event.Event, event.CancelFunc)
}

// Observer is told about every message the messenger handles.
type Observer interface {
	ObserveMessage(direction, msgType string)
}

// Config holds configuration for the messenger.
type Config struct {
	MaxMessageSize int64
	PingInterval   time.Duration
	SendBuffer     int
	AllowedOrigins []string
	// BatchSize caps the number of lines per data message.
	BatchSize int

	Authenticator Authenticator
	Authorizer    auth.Authorizer
	Tasks         *task.Manager
	Launcher      TaskLauncher
	Logs          *logstream.Service
	Shells        *shell.Service
	Events        Subscriber
	Observer      Observer
	Logger        *logrus.Entry
}

// Messenger serves the WebSocket protocol.
type Messenger struct {
	hub      *Hub
	cfg      Config
	upgrader websocket.Upgrader
	handlers map[MessageType]handlerFunc
	log      *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopEvents event.CancelFunc
	closeOnce  sync.Once
}

// NewMessenger creates a messenger and starts relaying broadcast events.
func NewMessenger(cfg Config) *Messenger {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("ws")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Messenger{
		hub: NewHub(),
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
		},
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
	m.handlers = m.routes()

	if cfg.Events != nil {
		ch, stop := cfg.Events.Subscribe()
		m.stopEvents = stop
		m.wg.Add(1)
		go m.broadcastLoop(ch)
	}
	return m
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	origins := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		origins[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := origins["*"]; ok {
			return true
		}
		_, ok := origins[origin]
		return ok
	}
}

// HandleConnection upgrades the request and serves the client until it
// disconnects.
func (m *Messenger) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(conn, m.cfg.SendBuffer)
	m.hub.Register(client)

	m.log.WithFields(logrus.Fields{
		"client": client.ID(),
		"remote": r.RemoteAddr,
	}).Debug("WebSocket client connected")

	go m.writePump(client)
	go m.readPump(client)
	return nil
}

// readPump pumps messages from the WebSocket connection to the handlers.
func (m *Messenger) readPump(client *Client) {
	ctx, cancel := context.WithCancel(m.ctx)
	defer func() {
		cancel()
		m.disconnect(client)
	}()

	pongWait := 2 * m.cfg.PingInterval
	conn := client.conn
	conn.SetReadLimit(m.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				m.log.WithField("client", client.ID()).WithError(err).Warn("WebSocket read failed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msgType {
		case websocket.TextMessage:
			m.handleText(ctx, client, data)
		case websocket.BinaryMessage:
			m.handleBinary(client, data)
		}
		// Handlers may block on the runtime; pongs that arrived meanwhile are
		// only read now.
		conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// writePump pumps queued messages to the WebSocket connection and sends
// periodic pings.
func (m *Messenger) writePump(client *Client) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	conn := client.conn
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case f := <-client.send:
			message := client.dequeued(f)
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				client.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.Close()
				return
			}
		case <-client.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// disconnect tears down everything the client owned.
func (m *Messenger) disconnect(client *Client) {
	m.hub.Unregister(client)
	client.conn.Close()

	var streams, shells int
	if m.cfg.Logs != nil {
		streams = m.cfg.Logs.StopByOwner(client.ID())
	}
	if m.cfg.Shells != nil {
		shells = m.cfg.Shells.Detach(client.ID())
	}

	m.log.WithFields(logrus.Fields{
		"client":      client.ID(),
		"user":        client.UserID(),
		"log_streams": streams,
		"shells":      shells,
	}).Debug("WebSocket client disconnected")
}

// broadcastLoop relays events to authenticated clients allowed to see them.
func (m *Messenger) broadcastLoop(ch <-chan event.Event) {
	defer m.wg.Done()
	for e := range ch {
		for _, c := range m.hub.Authenticated() {
			m.deliver(c, e)
		}
	}
}

func (m *Messenger) deliver(c *Client, e event.Event) {
	user := c.UserID()
	canView := func(app string) bool {
		return m.cfg.Authorizer == nil || m.cfg.Authorizer.Authorize(user, app, model.CapView)
	}

	switch e.Kind {
	case event.KindTaskInfoUpdated:
		if e.Task == nil || !canView(e.Task.AppName) {
			return
		}
		m.send(c, TypeTaskInfoUpdated, TaskInfoUpdated{Task: *e.Task})
	case event.KindTaskListUpdated:
		tasks := make([]model.TaskDetails, 0, len(e.Tasks))
		for _, t := range e.Tasks {
			if canView(t.AppName) {
				tasks = append(tasks, t)
			}
		}
		m.send(c, TypeTaskListUpdated, TaskListUpdated{Tasks: tasks})
	case event.KindAppListUpdated:
		apps := make([]string, 0, len(e.Apps))
		for _, a := range e.Apps {
			if canView(a) {
				apps = append(apps, a)
			}
		}
		m.send(c, TypeAppListUpdated, AppListUpdated{Apps: apps})
	}
}

// send queues a message without blocking.
func (m *Messenger) send(c *Client, msgType MessageType, data interface{}) {
	frame, err := Encode(msgType, data)
	if err != nil {
		m.log.WithField("type", msgType).WithError(err).Error("Failed to encode message")
		return
	}
	m.observe("out", msgType)
	c.Send(frame)
}

// sendWait queues a message, waiting for room in the client's buffer.
func (m *Messenger) sendWait(ctx context.Context, c *Client, msgType MessageType, data interface{}) bool {
	frame, err := Encode(msgType, data)
	if err != nil {
		m.log.WithField("type", msgType).WithError(err).Error("Failed to encode message")
		return false
	}
	m.observe("out", msgType)
	return c.SendWait(ctx, frame)
}

func (m *Messenger) sendError(c *Client, request MessageType, err error) {
	if e, ok := model.AsError(err); !ok || e.Code == model.CodeInternal {
		m.log.WithFields(logrus.Fields{
			"client":  c.ID(),
			"request": request,
		}).WithError(err).Error("Request failed")
	}
	m.send(c, TypeError, NewErrorData(request, err))
}

func (m *Messenger) observe(direction string, msgType MessageType) {
	if m.cfg.Observer != nil {
		m.cfg.Observer.ObserveMessage(direction, string(msgType))
	}
}

// ClientCount returns the number of connected clients.
func (m *Messenger) ClientCount() int {
	return m.hub.ClientCount()
}

// Close disconnects every client and stops relaying events.
func (m *Messenger) Close() {
	m.closeOnce.Do(func() {
		if m.stopEvents != nil {
			m.stopEvents()
		}
		m.cancel()
		m.hub.Close()
		m.wg.Wait()
	})
}
