package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/mmeshcher/flux-system/internal/model"
)

func TestIssueAndParseToken(t *testing.T) {
	auth := NewAuthMiddleware("test-secret")

	u := &model.User{
		ID:   uuid.New(),
		Role: model.RoleDriver,
		City: "Fortaleza",
	}

	token, err := auth.IssueToken(u)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}

	session, err := auth.ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken error: %v", err)
	}

	if session.UserID != u.ID {
		t.Errorf("UserID = %s, want %s", session.UserID, u.ID)
	}
	if session.Role != model.RoleDriver {
		t.Errorf("Role = %s, want driver", session.Role)
	}
	if session.City != "Fortaleza" {
		t.Errorf("City = %q, want Fortaleza", session.City)
	}
}

func TestParseToken_WrongSecret(t *testing.T) {
	auth := NewAuthMiddleware("secret-one")
	other := NewAuthMiddleware("secret-two")

	token, err := auth.IssueToken(&model.User{ID: uuid.New(), Role: model.RoleCompany})
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}

	if _, err := other.ParseToken(token); err == nil {
		t.Fatalf("token signed with another secret must be rejected")
	}
}

func TestMiddleware(t *testing.T) {
	auth := NewAuthMiddleware("test-secret")

	u := &model.User{ID: uuid.New(), Role: model.RoleCompany, City: "Fortaleza"}
	token, err := auth.IssueToken(u)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}

	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, ok := GetSessionFromContext(r.Context())
		if !ok {
			t.Errorf("session missing from context")
		}
		if session.UserID != u.ID {
			t.Errorf("UserID = %s, want %s", session.UserID, u.ID)
		}
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		setupReq   func(r *http.Request)
		wantStatus int
	}{
		{
			name: "bearer header",
			setupReq: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer "+token)
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "cookie",
			setupReq: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: "auth_token", Value: token})
			},
			wantStatus: http.StatusOK,
		},
		{
			name:       "no token",
			setupReq:   func(r *http.Request) {},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "garbage token",
			setupReq: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer not-a-token")
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "wrong scheme",
			setupReq: func(r *http.Request) {
				r.Header.Set("Authorization", "Basic "+token)
			},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.setupReq(req)

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}
