// Package realtime доставляет события изменения заказов подписчикам по вебсокету.
// Сервер — единственный источник истины: клиент обязан сверять своё
// оптимистичное состояние с этими событиями.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mmeshcher/flux-system/internal/model"
)

const (
	writeWait      = 10 * time.Second
	egressBufSize  = 16
	readLimitBytes = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Event описывает событие изменения заказа, отправляемое подписчику.
type Event struct {
	Type  string       `json:"type"`
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID                 uuid.UUID  `json:"id"`
	Status             string     `json:"status"`
	DriverID           *uuid.UUID `json:"driver_id,omitempty"`
	TotalValue         float64    `json:"total_value"`
	PendingValidations int        `json:"pending_validations"`
}

type client struct {
	userID uuid.UUID
	conn   *websocket.Conn
	egress chan []byte
}

// Hub ведёт реестр подключённых клиентов и рассылает им события.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]map[*client]struct{}
	logger  *zap.Logger
}

// NewHub создаёт пустой реестр подписчиков.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[uuid.UUID]map[*client]struct{}),
		logger:  logger,
	}
}

// WriteToUser отправляет событие всем соединениям указанного пользователя.
// Медленные потребители отключаются: событие не блокирует рассылку остальным.
func (h *Hub) WriteToUser(userID uuid.UUID, eventType string, order *model.Order) {
	payload, err := json.Marshal(Event{
		Type: eventType,
		Order: orderPayload{
			ID:                 order.ID,
			Status:             string(order.Status),
			DriverID:           order.DriverID,
			TotalValue:         float64(order.TotalCents) / 100,
			PendingValidations: order.PendingValidations(),
		},
	})
	if err != nil {
		h.logger.Error("marshal event", zap.Error(err))
		return
	}

	// Отправка выполняется под блокировкой чтения: закрытие egress в
	// removeClient происходит под блокировкой записи и не может пересечься
	// с отправкой.
	h.mu.RLock()
	var slow []*client
	for c := range h.clients[userID] {
		select {
		case c.egress <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow websocket client", zap.String("user_id", userID.String()))
		h.removeClient(c)
	}
}

// Handler обслуживает подключение подписчика. Аутентификация выполняется
// выше по цепочке middleware; сюда передаётся идентификатор пользователя.
func (h *Hub) Handler(userID uuid.UUID, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade", zap.Error(err))
		return
	}

	c := &client{
		userID: userID,
		conn:   conn,
		egress: make(chan []byte, egressBufSize),
	}

	h.addClient(c)

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c.userID] == nil {
		h.clients[c.userID] = make(map[*client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[c.userID]; ok {
		if _, ok := conns[c]; ok {
			delete(conns, c)
			if len(conns) == 0 {
				delete(h.clients, c.userID)
			}
			close(c.egress)
			if c.conn != nil {
				c.conn.Close()
			}
		}
	}
}

func (h *Hub) writePump(c *client) {
	for msg := range c.egress {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.removeClient(c)
			return
		}
	}
}

// readPump вычитывает входящие кадры только ради обнаружения закрытия:
// подписка односторонняя, данные от клиента не принимаются.
func (h *Hub) readPump(c *client) {
	c.conn.SetReadLimit(readLimitBytes)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.removeClient(c)
			return
		}
	}
}

// ConnectedUsers возвращает число пользователей с активными подписками.
func (h *Hub) ConnectedUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
