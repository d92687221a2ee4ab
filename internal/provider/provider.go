package provider

import (
	"context"

	"batchgate/internal/domain"
)

// Gateway is the outbound port to the shop-floor machine gateway. Approved
// batch configurations are pushed to it for physical loading.
type Gateway interface {
	Dispatch(ctx context.Context, batch domain.ProductionBatch, forced bool) (*GatewayResponse, error)
}

// GatewayResponse stores gateway call metadata for audit and persistence.
type GatewayResponse struct {
	StatusCode     int
	Body           string
	ConfirmationID string
}
