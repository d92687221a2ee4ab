package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"batchgate/internal/domain"
	"github.com/go-resty/resty/v2"
)

func strPtr(s string) *string {
	return &s
}

func dispatchableBatch() domain.ProductionBatch {
	return domain.ProductionBatch{
		ID:        "batch-1",
		MachineID: "machine-1",
		Status:    domain.StatusApproved,
		Slots: []domain.ProductSlot{
			{
				ProductName:      "widget-a",
				OccupiedStations: []string{"st-1", "st-2"},
				PrimaryColorID:   strPtr("color-red"),
			},
		},
	}
}

func TestNewHTTPGatewayValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		endpoint string
		wantErr  bool
	}{
		{
			name:     "valid endpoint",
			endpoint: "http://gateway.local/configure",
			wantErr:  false,
		},
		{
			name:     "empty endpoint",
			endpoint: "",
			wantErr:  true,
		},
		{
			name:     "whitespace endpoint",
			endpoint: "   ",
			wantErr:  true,
		},
		{
			name:     "malformed endpoint",
			endpoint: "://missing-scheme",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewHTTPGateway(tt.endpoint)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewHTTPGateway(%q) error = %v, wantErr %v", tt.endpoint, err, tt.wantErr)
			}
		})
	}
}

func TestHTTPGatewayDispatchSuccess(t *testing.T) {
	t.Parallel()

	var received gatewayRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("request method = %s, want %s", r.Method, http.MethodPost)
		}
		if contentType := r.Header.Get("Content-Type"); contentType != "application/json" {
			t.Errorf("Content-Type = %q, want %q", contentType, "application/json")
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decoding request body: %v", err)
		}

		w.Header().Set("X-Confirmation-ID", "conf-42")
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"accepted":true}`)
	}))
	defer server.Close()

	gateway, err := NewHTTPGateway(server.URL)
	if err != nil {
		t.Fatalf("NewHTTPGateway() error = %v", err)
	}

	response, err := gateway.Dispatch(context.Background(), dispatchableBatch(), true)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if response.StatusCode != http.StatusAccepted {
		t.Errorf("StatusCode = %d, want %d", response.StatusCode, http.StatusAccepted)
	}
	if response.ConfirmationID != "conf-42" {
		t.Errorf("ConfirmationID = %q, want %q", response.ConfirmationID, "conf-42")
	}
	if response.Body != `{"accepted":true}` {
		t.Errorf("Body = %q, want %q", response.Body, `{"accepted":true}`)
	}

	if received.BatchID != "batch-1" {
		t.Errorf("request batchId = %q, want %q", received.BatchID, "batch-1")
	}
	if received.MachineID != "machine-1" {
		t.Errorf("request machineId = %q, want %q", received.MachineID, "machine-1")
	}
	if !received.Forced {
		t.Error("request forced = false, want true")
	}
	if len(received.Slots) != 1 || received.Slots[0].ProductName != "widget-a" {
		t.Errorf("request slots = %+v, want one widget-a slot", received.Slots)
	}
}

func TestHTTPGatewayDispatchStatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		statusCode    int
		wantTransient bool
	}{
		{
			name:          "bad request is permanent",
			statusCode:    http.StatusBadRequest,
			wantTransient: false,
		},
		{
			name:          "unprocessable entity is permanent",
			statusCode:    http.StatusUnprocessableEntity,
			wantTransient: false,
		},
		{
			name:          "too many requests is transient",
			statusCode:    http.StatusTooManyRequests,
			wantTransient: true,
		},
		{
			name:          "internal error is transient",
			statusCode:    http.StatusInternalServerError,
			wantTransient: true,
		},
		{
			name:          "bad gateway is transient",
			statusCode:    http.StatusBadGateway,
			wantTransient: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				fmt.Fprint(w, "machine rejected configuration")
			}))
			defer server.Close()

			gateway, err := NewHTTPGateway(server.URL)
			if err != nil {
				t.Fatalf("NewHTTPGateway() error = %v", err)
			}

			_, err = gateway.Dispatch(context.Background(), dispatchableBatch(), false)
			if err == nil {
				t.Fatalf("Dispatch() error = nil, want gateway error for status %d", tt.statusCode)
			}

			var gatewayErr *GatewayError
			if !errors.As(err, &gatewayErr) {
				t.Fatalf("Dispatch() error = %v, want *GatewayError", err)
			}
			if gatewayErr.StatusCode != tt.statusCode {
				t.Errorf("StatusCode = %d, want %d", gatewayErr.StatusCode, tt.statusCode)
			}
			if IsTransient(err) != tt.wantTransient {
				t.Errorf("IsTransient() = %v, want %v", IsTransient(err), tt.wantTransient)
			}
		})
	}
}

func TestHTTPGatewayDispatchTimeout(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := resty.New()
	client.SetTimeout(20 * time.Millisecond)

	gateway, err := NewHTTPGatewayWithClient(server.URL, client)
	if err != nil {
		t.Fatalf("NewHTTPGatewayWithClient() error = %v", err)
	}

	_, err = gateway.Dispatch(context.Background(), dispatchableBatch(), false)
	if err == nil {
		t.Fatal("Dispatch() error = nil, want timeout error")
	}
	if !IsTransient(err) {
		t.Errorf("IsTransient(%v) = false, want true for timeout", err)
	}
}

func TestHTTPGatewayDispatchInvalidBatch(t *testing.T) {
	t.Parallel()

	gateway, err := NewHTTPGateway("http://gateway.local/configure")
	if err != nil {
		t.Fatalf("NewHTTPGateway() error = %v", err)
	}

	batch := dispatchableBatch()
	batch.MachineID = ""

	if _, err := gateway.Dispatch(context.Background(), batch, false); err == nil {
		t.Fatal("Dispatch() error = nil, want validation error")
	}
}
