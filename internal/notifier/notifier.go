// Package notifier публикует внеполосные уведомления в брокер сообщений.
// Доставку конечному клиенту (SMS/WhatsApp) выполняет внешний шлюз,
// потребляющий очередь; здесь ответственность заканчивается на публикации.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	exchange       = "flux.notifications"
	reconnInterval = 10 * time.Second

	routingKeyCodeDispatch = "notify.code.dispatch"
	routingKeySOS          = "notify.sos"
)

// CodeDispatch описывает сообщение с одноразовым кодом для отправки клиенту.
type CodeDispatch struct {
	OrderID    uuid.UUID `json:"order_id"`
	DeliveryID uuid.UUID `json:"delivery_id"`
	Phone      string    `json:"phone"`
	Code       string    `json:"code"`
}

// SOSAlert описывает сигнал SOS курьера для канала поддержки.
type SOSAlert struct {
	OrderID  uuid.UUID `json:"order_id"`
	DriverID uuid.UUID `json:"driver_id"`
	Message  string    `json:"message"`
}

// Notifier инкапсулирует соединение с RabbitMQ и публикацию уведомлений.
type Notifier struct {
	uri    string
	logger *zap.Logger

	mu           sync.Mutex
	conn         *amqp.Connection
	ch           *amqp.Channel
	reconnecting bool
	closed       bool

	done chan struct{}
}

// New создаёт Notifier и устанавливает соединение с брокером.
func New(uri string, logger *zap.Logger) (*Notifier, error) {
	n := &Notifier{
		uri:    uri,
		logger: logger,
		done:   make(chan struct{}),
	}

	if err := n.connect(); err != nil {
		return nil, fmt.Errorf("connect to amqp: %w", err)
	}

	return n, nil
}

func (n *Notifier) connect() error {
	conn, err := amqp.Dial(n.uri)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	n.mu.Lock()
	n.conn = conn
	n.ch = ch
	n.mu.Unlock()

	return nil
}

// PublishCodeDispatch публикует запрос на отправку кода клиенту.
func (n *Notifier) PublishCodeDispatch(ctx context.Context, orderID, deliveryID uuid.UUID, phone, code string) error {
	return n.publish(ctx, routingKeyCodeDispatch, CodeDispatch{
		OrderID:    orderID,
		DeliveryID: deliveryID,
		Phone:      phone,
		Code:       code,
	})
}

// PublishSOS публикует сигнал SOS в канал поддержки.
func (n *Notifier) PublishSOS(ctx context.Context, orderID, driverID uuid.UUID, message string) error {
	return n.publish(ctx, routingKeySOS, SOSAlert{
		OrderID:  orderID,
		DriverID: driverID,
		Message:  message,
	})
}

func (n *Notifier) publish(ctx context.Context, routingKey string, payload any) error {
	n.mu.Lock()
	ch := n.ch
	conn := n.conn
	n.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		go n.reconnect()
		return errors.New("amqp connection is closed")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// reconnect восстанавливает соединение с брокером в фоне.
// Публикации во время восстановления завершаются ошибкой: уведомления
// best-effort и не буферизуются. Цикл останавливается при Close.
func (n *Notifier) reconnect() {
	n.mu.Lock()
	if n.reconnecting || n.closed {
		n.mu.Unlock()
		return
	}
	n.reconnecting = true
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		n.reconnecting = false
		n.mu.Unlock()
	}()

	t := time.NewTicker(reconnInterval)
	defer t.Stop()

	for {
		select {
		case <-n.done:
			return
		case <-t.C:
			if err := n.connect(); err == nil {
				n.logger.Info("amqp reconnected")
				return
			}
			n.logger.Warn("amqp reconnect failed, will retry")
		}
	}
}

// Close закрывает канал и соединение с брокером и останавливает
// фоновое восстановление соединения.
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.closed {
		n.closed = true
		close(n.done)
	}

	if n.ch != nil && !n.ch.IsClosed() {
		if err := n.ch.Close(); err != nil {
			return fmt.Errorf("close amqp channel: %w", err)
		}
	}

	if n.conn != nil && !n.conn.IsClosed() {
		if err := n.conn.Close(); err != nil {
			return fmt.Errorf("close amqp connection: %w", err)
		}
	}

	return nil
}
