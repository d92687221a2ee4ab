package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"batchgate/internal/domain"
	"github.com/go-resty/resty/v2"
)

const defaultGatewayTimeout = 10 * time.Second

type gatewaySlot struct {
	ProductName      string   `json:"productName"`
	Stations         []string `json:"stations"`
	PrimaryColorID   *string  `json:"primaryColorId,omitempty"`
	SecondaryColorID *string  `json:"secondaryColorId,omitempty"`
}

type gatewayRequest struct {
	BatchID   string        `json:"batchId"`
	MachineID string        `json:"machineId"`
	Slots     []gatewaySlot `json:"slots"`
	Forced    bool          `json:"forced,omitempty"`
}

// HTTPGateway pushes approved batch configurations to the shop-floor
// gateway endpoint.
type HTTPGateway struct {
	client   *resty.Client
	endpoint string
}

func NewHTTPGateway(endpoint string) (*HTTPGateway, error) {
	client := resty.New()
	client.SetTimeout(defaultGatewayTimeout)
	client.SetRetryCount(0)

	return NewHTTPGatewayWithClient(endpoint, client)
}

func NewHTTPGatewayWithClient(endpoint string, client *resty.Client) (*HTTPGateway, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("gateway endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid gateway endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultGatewayTimeout)
	}
	// Retry policy belongs to the dispatch worker and the broker, not the
	// HTTP client.
	client.SetRetryCount(0)

	return &HTTPGateway{
		client:   client,
		endpoint: trimmedEndpoint,
	}, nil
}

func (g *HTTPGateway) Dispatch(ctx context.Context, batch domain.ProductionBatch, forced bool) (*GatewayResponse, error) {
	if g == nil || g.client == nil {
		return nil, fmt.Errorf("gateway is not initialized")
	}
	if err := batch.Validate(); err != nil {
		return nil, fmt.Errorf("invalid batch: %w", err)
	}

	slots := make([]gatewaySlot, 0, len(batch.Slots))
	for _, slot := range batch.Slots {
		slots = append(slots, gatewaySlot{
			ProductName:      slot.ProductName,
			Stations:         slot.OccupiedStations,
			PrimaryColorID:   slot.PrimaryColorID,
			SecondaryColorID: slot.SecondaryColorID,
		})
	}

	reqBody := gatewayRequest{
		BatchID:   batch.ID,
		MachineID: batch.MachineID,
		Slots:     slots,
		Forced:    forced,
	}

	response, err := g.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		Post(g.endpoint)
	if err != nil {
		return nil, &GatewayError{
			Message:   "gateway request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &GatewayError{
			Message:   "gateway returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &GatewayResponse{
			StatusCode:     statusCode,
			Body:           responseBody,
			ConfirmationID: confirmationID(response),
		}, nil
	}

	return nil, &GatewayError{
		StatusCode: statusCode,
		Message:    gatewayErrorMessage(statusCode, responseBody),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func gatewayErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("gateway returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func confirmationID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Confirmation-ID", "X-Confirmation-Id", "X-Request-ID", "X-Request-Id"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}
