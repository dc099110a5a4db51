package httpapi

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/roomphone/pkg/callroom"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

// Типы сообщений потока /events
const (
	messageEvent = "event"
	messageState = "state"
)

// eventMessage сообщение потока событий
type eventMessage struct {
	Type   string          `json:"type"`
	Event  string          `json:"event,omitempty"`
	CallID string          `json:"call_id,omitempty"`
	Data   *eventData      `json:"data,omitempty"`
	State  *callroom.State `json:"state,omitempty"`
}

type eventData struct {
	Originator string    `json:"originator,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Cause      string    `json:"cause,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func (c *wsClient) trySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *wsClient) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// hub рассылает события всем подключенным клиентам
type hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newHub(logger *slog.Logger) *hub {
	return &hub{logger: logger, clients: make(map[*wsClient]struct{})}
}

func (h *hub) add(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = struct{}{}
}

func (h *hub) remove(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.closeSend()
	}
}

func (h *hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// broadcast отправляет сообщение всем; переполненный клиент отключается
func (h *hub) broadcast(payload []byte) {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		if !client.trySend(payload) {
			h.logger.Debug("hub.broadcast slow client dropped")
			_ = client.conn.Close()
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	for client := range clients {
		_ = client.conn.Close()
		client.closeSend()
	}
}

// eventHandler возвращает подписчика Phone для события kind
func (h *hub) eventHandler(kind callroom.EventKind) callroom.Handler {
	return func(session callroom.Session, event callroom.SessionEvent) {
		if h.size() == 0 {
			return
		}
		msg := eventMessage{
			Type:  messageEvent,
			Event: kind.String(),
			Data: &eventData{
				Originator: event.Originator,
				StatusCode: event.StatusCode,
				Reason:     event.Reason,
				Cause:      event.Cause,
				Timestamp:  event.Timestamp,
			},
		}
		if session != nil {
			msg.CallID = session.ID()
		}
		h.publish(msg)
	}
}

// publishState рассылает снимок состояния Phone
func (h *hub) publishState(state callroom.State) {
	if h.size() == 0 {
		return
	}
	h.publish(eventMessage{Type: messageState, State: &state})
}

func (h *hub) publish(msg eventMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("hub.publish", slog.String("type", msg.Type), slog.String("error", err.Error()))
		return
	}
	h.broadcast(payload)
}

// handleEvents подключает websocket клиента к потоку событий.
// Первым сообщением отправляется текущий снимок состояния.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Server.handleEvents upgrade", slog.String("error", err.Error()))
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	state := s.phone.Snapshot()
	initial, err := json.Marshal(eventMessage{Type: messageState, State: &state})
	if err != nil {
		_ = conn.Close()
		return
	}
	client.trySend(initial)
	s.hub.add(client)
	s.logger.Debug("Server.handleEvents connected", slog.String("remote", c.ClientIP()))

	go s.writePump(client)
	s.readPump(client)
}

// readPump читает входящие кадры только ради pong и обнаружения закрытия
func (s *Server) readPump(client *wsClient) {
	defer func() {
		s.hub.remove(client)
		_ = client.conn.Close()
		s.logger.Debug("Server.handleEvents disconnected")
	}()

	_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(client *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
