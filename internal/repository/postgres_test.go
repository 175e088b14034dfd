package repository

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/flux-system/internal/deliverycode"
	"github.com/mmeshcher/flux-system/internal/model"
)

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func TestEvaluateAttempt_FiveMissesThenCorrectIsRefused(t *testing.T) {
	hash := strPtr("expected-hash")

	attempts := 0
	for i := 0; i < deliverycode.MaxAttempts; i++ {
		dec, err := evaluateAttempt(hash, nil, attempts, "wrong-hash")
		if err != nil {
			t.Fatalf("attempt %d: unexpected error: %v", i+1, err)
		}
		if dec.OK {
			t.Fatalf("attempt %d: miss reported as match", i+1)
		}
		if dec.Attempts != attempts+1 {
			t.Fatalf("attempt %d: counter = %d, want %d", i+1, dec.Attempts, attempts+1)
		}
		attempts = dec.Attempts
	}

	// Шестая попытка отклоняется даже с верным кодом.
	if _, err := evaluateAttempt(hash, nil, attempts, "expected-hash"); !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("error = %v, want ErrAttemptsExhausted", err)
	}
	if _, err := evaluateAttempt(hash, nil, attempts, "wrong-hash"); !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("error = %v, want ErrAttemptsExhausted", err)
	}
}

func TestEvaluateAttempt_MatchBeforeLimit(t *testing.T) {
	dec, err := evaluateAttempt(strPtr("expected-hash"), nil, deliverycode.MaxAttempts-1, "expected-hash")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dec.OK {
		t.Fatal("match not reported")
	}
	if dec.Attempts != deliverycode.MaxAttempts-1 {
		t.Fatalf("counter = %d, want unchanged %d", dec.Attempts, deliverycode.MaxAttempts-1)
	}
}

func TestEvaluateAttempt_CounterFrozenAfterValidation(t *testing.T) {
	validatedAt := timePtr(time.Now())

	for _, candidate := range []string{"expected-hash", "wrong-hash"} {
		if _, err := evaluateAttempt(strPtr("expected-hash"), validatedAt, 2, candidate); !errors.Is(err, ErrAlreadyValidated) {
			t.Fatalf("candidate %q: error = %v, want ErrAlreadyValidated", candidate, err)
		}
	}
}

func TestEvaluateAttempt_CodeNotGenerated(t *testing.T) {
	if _, err := evaluateAttempt(nil, nil, 0, "any-hash"); !errors.Is(err, ErrCodeNotGenerated) {
		t.Fatalf("error = %v, want ErrCodeNotGenerated", err)
	}
}

func TestCheckDriverCompletion(t *testing.T) {
	driverID := uuid.New()
	otherDriverID := uuid.New()
	validated := time.Now()

	acceptedOrder := func(driver *uuid.UUID, deliveries []model.Delivery) *model.Order {
		return &model.Order{
			ID:         uuid.New(),
			DriverID:   driver,
			Status:     model.OrderStatusAccepted,
			Deliveries: deliveries,
		}
	}

	allValidated := []model.Delivery{
		{ID: uuid.New(), ValidatedAt: &validated},
		{ID: uuid.New(), ValidatedAt: &validated},
	}
	oneUnvalidated := []model.Delivery{
		{ID: uuid.New(), ValidatedAt: &validated},
		{ID: uuid.New()},
	}

	tests := []struct {
		name    string
		order   *model.Order
		wantErr error
	}{
		{
			name:  "all deliveries validated",
			order: acceptedOrder(&driverID, allValidated),
		},
		{
			name:    "one delivery not validated",
			order:   acceptedOrder(&driverID, oneUnvalidated),
			wantErr: ErrDeliveriesNotValidated,
		},
		{
			name:    "no driver assigned",
			order:   acceptedOrder(nil, allValidated),
			wantErr: ErrNotOrderDriver,
		},
		{
			name:    "another driver assigned",
			order:   acceptedOrder(&otherDriverID, allValidated),
			wantErr: ErrNotOrderDriver,
		},
		{
			name: "order not in accepted status",
			order: &model.Order{
				ID:         uuid.New(),
				DriverID:   &driverID,
				Status:     model.OrderStatusDriverCompleted,
				Deliveries: allValidated,
			},
			wantErr: ErrOrderConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkDriverCompletion(tt.order, driverID)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
