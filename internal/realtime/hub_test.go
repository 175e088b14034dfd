package realtime

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/flux-system/internal/model"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	return NewHub(logger)
}

func TestWriteToUser_DeliversToRegisteredClient(t *testing.T) {
	hub := newTestHub(t)

	userID := uuid.New()
	c := &client{userID: userID, egress: make(chan []byte, egressBufSize)}
	hub.addClient(c)

	driverID := uuid.New()
	order := &model.Order{
		ID:         uuid.New(),
		Status:     model.OrderStatusAccepted,
		DriverID:   &driverID,
		TotalCents: 1500,
		Deliveries: []model.Delivery{{}, {}},
	}

	hub.WriteToUser(userID, "order_accepted", order)

	select {
	case msg := <-c.egress:
		var event Event
		if err := json.Unmarshal(msg, &event); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if event.Type != "order_accepted" {
			t.Errorf("Type = %q, want order_accepted", event.Type)
		}
		if event.Order.Status != "accepted" {
			t.Errorf("Status = %q, want accepted", event.Order.Status)
		}
		if event.Order.TotalValue != 15.0 {
			t.Errorf("TotalValue = %v, want 15.0", event.Order.TotalValue)
		}
		if event.Order.PendingValidations != 2 {
			t.Errorf("PendingValidations = %d, want 2", event.Order.PendingValidations)
		}
	default:
		t.Fatalf("no event delivered to client")
	}
}

func TestWriteToUser_OtherUserDoesNotReceive(t *testing.T) {
	hub := newTestHub(t)

	c := &client{userID: uuid.New(), egress: make(chan []byte, egressBufSize)}
	hub.addClient(c)

	hub.WriteToUser(uuid.New(), "order_created", &model.Order{ID: uuid.New()})

	select {
	case <-c.egress:
		t.Fatalf("event must not be delivered to another user")
	default:
	}
}

func TestRemoveClient(t *testing.T) {
	hub := newTestHub(t)

	c := &client{userID: uuid.New(), egress: make(chan []byte, egressBufSize)}
	hub.addClient(c)

	if hub.ConnectedUsers() != 1 {
		t.Fatalf("ConnectedUsers = %d, want 1", hub.ConnectedUsers())
	}

	hub.removeClient(c)

	if hub.ConnectedUsers() != 0 {
		t.Fatalf("ConnectedUsers = %d, want 0", hub.ConnectedUsers())
	}

	// Повторное удаление не должно приводить к панике на закрытом канале.
	hub.removeClient(c)
}

func TestWriteToUser_DropsSlowClient(t *testing.T) {
	hub := newTestHub(t)

	userID := uuid.New()
	c := &client{userID: userID, egress: make(chan []byte)}
	hub.addClient(c)

	// Небуферизованный канал без читателя имитирует зависшего потребителя.
	hub.WriteToUser(userID, "order_created", &model.Order{ID: uuid.New()})

	if hub.ConnectedUsers() != 0 {
		t.Fatalf("slow client must be dropped, ConnectedUsers = %d", hub.ConnectedUsers())
	}
}
