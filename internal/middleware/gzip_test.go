package middleware

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// orderEchoHandler разбирает JSON-тело заказа и отвечает JSON-сводкой,
// как это делают обработчики API заказов.
func orderEchoHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req struct {
		Deliveries []struct {
			PickupAddress string  `json:"pickup_address"`
			Price         float64 `json:"price"`
		} `json:"deliveries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var total float64
	for _, d := range req.Deliveries {
		total += d.Price
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "pending",
		"total_value": total,
	})
}

func gzipBody(t *testing.T, payload string) io.Reader {
	t.Helper()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(payload)); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return &buf
}

func TestGzipMiddleware_OrderBody(t *testing.T) {
	orderJSON := `{"deliveries":[{"pickup_address":"Rua A, 1","price":15.5},{"pickup_address":"Rua B, 2","price":9.0}]}`

	tests := []struct {
		name         string
		gzipRequest  bool
		acceptGzip   bool
		wantEncoding string
	}{
		{
			name:         "gzipped order body, client accepts gzip",
			gzipRequest:  true,
			acceptGzip:   true,
			wantEncoding: "gzip",
		},
		{
			name:         "plain order body, client accepts gzip",
			acceptGzip:   true,
			wantEncoding: "gzip",
		},
		{
			name:        "gzipped order body, client without gzip",
			gzipRequest: true,
		},
		{
			name: "plain body and plain response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader = strings.NewReader(orderJSON)
			if tt.gzipRequest {
				body = gzipBody(t, orderJSON)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/orders", body)
			req.Header.Set("Content-Type", "application/json")
			if tt.gzipRequest {
				req.Header.Set("Content-Encoding", "gzip")
			}
			if tt.acceptGzip {
				req.Header.Set("Accept-Encoding", "gzip")
			}

			rec := httptest.NewRecorder()
			GzipMiddleware(http.HandlerFunc(orderEchoHandler)).ServeHTTP(rec, req)

			res := rec.Result()
			defer res.Body.Close()

			if res.StatusCode != http.StatusCreated {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
			}
			if ce := res.Header.Get("Content-Encoding"); ce != tt.wantEncoding {
				t.Fatalf("content-encoding = %q, want %q", ce, tt.wantEncoding)
			}

			var raw io.Reader = res.Body
			if tt.wantEncoding == "gzip" {
				zr, err := gzip.NewReader(res.Body)
				if err != nil {
					t.Fatalf("new gzip reader: %v", err)
				}
				defer zr.Close()
				raw = zr
			}

			var resp struct {
				Status     string  `json:"status"`
				TotalValue float64 `json:"total_value"`
			}
			if err := json.NewDecoder(raw).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Status != "pending" {
				t.Fatalf("status = %q, want pending", resp.Status)
			}
			if resp.TotalValue != 24.5 {
				t.Fatalf("total value = %v, want 24.5", resp.TotalValue)
			}
		})
	}
}

func TestGzipMiddleware_CorruptBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader("not gzip at all"))
	req.Header.Set("Content-Encoding", "gzip")

	rec := httptest.NewRecorder()
	GzipMiddleware(http.HandlerFunc(orderEchoHandler)).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGzipMiddleware_SkipsWebsocketUpgrade(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/ws", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")

	var sawWrapper bool
	h := GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawWrapper = w.(*gzipWriter)
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if sawWrapper {
		t.Fatal("upgrade request was wrapped by gzip writer")
	}
	if ce := rec.Header().Get("Content-Encoding"); ce != "" {
		t.Fatalf("content-encoding = %q, want empty", ce)
	}
}
