package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"batchgate/internal/domain"
	"batchgate/internal/observability"
	"batchgate/internal/ratelimit"
	"batchgate/internal/repository"
	"batchgate/internal/service"
	"github.com/gofiber/fiber/v2"
)

// SessionSource hands out the coordination session for a production day.
type SessionSource interface {
	For(ctx context.Context, targetDate time.Time) (*service.Coordinator, error)
}

type ApprovalHandler struct {
	sessions SessionSource
	attempts repository.AttemptRepository
	limiter  ratelimit.RateLimiter
}

func NewApprovalHandler(sessions SessionSource, attempts repository.AttemptRepository, limiter ratelimit.RateLimiter) (*ApprovalHandler, error) {
	if sessions == nil {
		return nil, fmt.Errorf("session source is required")
	}
	return &ApprovalHandler{
		sessions: sessions,
		attempts: attempts,
		limiter:  limiter,
	}, nil
}

func RegisterApprovalRoutes(router fiber.Router, sessions SessionSource, attempts repository.AttemptRepository, limiter ratelimit.RateLimiter) error {
	h, err := NewApprovalHandler(sessions, attempts, limiter)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/batches", h.ListBatches)
	v1.Get("/batches/:id", h.GetBatch)
	v1.Get("/batches/:id/attempts", h.ListDispatchAttempts)
	v1.Post("/selections/summary", h.SummarizeSelection)
	v1.Get("/selections/conflicts", h.ListSelectionConflicts)
	v1.Post("/selections/approve", h.ApproveSelection)
	v1.Post("/resolutions", h.ApplyResolutions)
	v1.Get("/machines/readiness", h.MachineReadiness)

	return nil
}

type selectionRequest struct {
	Date     string   `json:"date"`
	BatchIDs []string `json:"batchIds"`
}

type approveSelectionRequest struct {
	Date     string   `json:"date"`
	BatchIDs []string `json:"batchIds"`
	Force    bool     `json:"force"`
}

type remediationRequest struct {
	Kind        string  `json:"kind"`
	SlotIndex   int     `json:"slotIndex"`
	FromStation string  `json:"fromStation,omitempty"`
	ToStation   string  `json:"toStation,omitempty"`
	ColorRole   string  `json:"colorRole,omitempty"`
	ToColorID   *string `json:"toColorId,omitempty"`
}

type resolutionRequest struct {
	ConflictID   string               `json:"conflictId"`
	BatchID      string               `json:"batchId"`
	Remediations []remediationRequest `json:"remediations"`
	ResolvedBy   string               `json:"resolvedBy,omitempty"`
}

type applyResolutionsRequest struct {
	Date        string              `json:"date"`
	Resolutions []resolutionRequest `json:"resolutions"`
}

type slotResponse struct {
	ProductName      string   `json:"productName"`
	OccupiedStations []string `json:"occupiedStations"`
	PrimaryColorID   *string  `json:"primaryColorId,omitempty"`
	SecondaryColorID *string  `json:"secondaryColorId,omitempty"`
}

type findingsResponse struct {
	StationConflict   bool     `json:"stationConflict"`
	ColorConflict     bool     `json:"colorConflict"`
	DuplicateStations []string `json:"duplicateStations,omitempty"`
	DuplicateColors   []string `json:"duplicateColors,omitempty"`
}

type batchResponse struct {
	ID               string           `json:"id"`
	MachineID        string           `json:"machineId"`
	TargetDate       string           `json:"targetDate"`
	Slots            []slotResponse   `json:"slots"`
	Status           string           `json:"status"`
	SubmittedAt      *time.Time       `json:"submittedAt,omitempty"`
	Findings         findingsResponse `json:"findings"`
	ConflictAffected bool             `json:"conflictAffected"`
}

type batchCountsResponse struct {
	All       int `json:"all"`
	Ready     int `json:"ready"`
	Pending   int `json:"pending"`
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Conflicts int `json:"conflicts"`
}

type listBatchesResponse struct {
	Date    string              `json:"date"`
	Filter  string              `json:"filter"`
	Data    []batchResponse     `json:"data"`
	Counts  batchCountsResponse `json:"counts"`
	Matched int                 `json:"matched"`
}

type selectionSummaryResponse struct {
	BatchCount   int  `json:"batchCount"`
	MachineCount int  `json:"machineCount"`
	HasConflicts bool `json:"hasConflicts"`
	CanProcess   bool `json:"canProcess"`
}

type conflictResponse struct {
	ID                 string     `json:"id"`
	AffectedMachineIDs []string   `json:"affectedMachineIds"`
	Category           string     `json:"category"`
	Description        string     `json:"description,omitempty"`
	Source             string     `json:"source"`
	ReportedBy         string     `json:"reportedBy,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	ResolvedAt         *time.Time `json:"resolvedAt,omitempty"`
}

type batchOutcomeResponse struct {
	BatchID  string `json:"batchId"`
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}

type approveSelectionResponse struct {
	Outcomes       []batchOutcomeResponse `json:"outcomes"`
	Forced         bool                   `json:"forced"`
	ApprovedCount  int                    `json:"approvedCount"`
	FailedCount    int                    `json:"failedCount"`
	ClearSelection bool                   `json:"clearSelection"`
}

type resolutionOutcomeResponse struct {
	ConflictID string `json:"conflictId"`
	BatchID    string `json:"batchId"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

type applyResolutionsResponse struct {
	Outcomes     []resolutionOutcomeResponse `json:"outcomes"`
	AppliedCount int                         `json:"appliedCount"`
	AllApplied   bool                        `json:"allApplied"`
}

type machineReadinessResponse struct {
	MachineID  string    `json:"machineId"`
	Status     string    `json:"status"`
	ReportedAt time.Time `json:"reportedAt"`
}

type dispatchAttemptResponse struct {
	AttemptNumber int       `json:"attemptNumber"`
	StatusCode    *int      `json:"statusCode,omitempty"`
	ResponseBody  *string   `json:"responseBody,omitempty"`
	Error         *string   `json:"error,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (h *ApprovalHandler) ListBatches(c *fiber.Ctx) error {
	coordinator, err := h.session(c, c.Query("date"))
	if err != nil {
		return toHTTPError(err)
	}

	filter := domain.FilterAll
	if raw := strings.TrimSpace(c.Query("filter")); raw != "" {
		filter, err = domain.ParseBatchFilterFromString(raw)
		if err != nil {
			return toHTTPError(err)
		}
	}

	batches := coordinator.ListBatches(filter)
	active := coordinator.ConflictsForSelection(nil)

	data := make([]batchResponse, 0, len(batches))
	for i := range batches {
		data = append(data, toBatchResponse(batches[i], active))
	}

	return c.Status(fiber.StatusOK).JSON(listBatchesResponse{
		Date:    coordinator.TargetDate().Format(domain.DateLayout),
		Filter:  filter.String(),
		Data:    data,
		Matched: len(data),
		Counts: batchCountsResponse{
			All:       coordinator.CountBatches(domain.FilterAll),
			Ready:     coordinator.CountBatches(domain.FilterReady),
			Pending:   coordinator.CountBatches(domain.FilterPending),
			Approved:  coordinator.CountBatches(domain.FilterApproved),
			Rejected:  coordinator.CountBatches(domain.FilterRejected),
			Conflicts: coordinator.CountBatches(domain.FilterConflicts),
		},
	})
}

func (h *ApprovalHandler) GetBatch(c *fiber.Ctx) error {
	coordinator, err := h.session(c, c.Query("date"))
	if err != nil {
		return toHTTPError(err)
	}

	batch, err := coordinator.GetBatch(strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toBatchResponse(batch, coordinator.ConflictsForSelection(nil)))
}

func (h *ApprovalHandler) ListDispatchAttempts(c *fiber.Ctx) error {
	if h.attempts == nil {
		return fiber.NewError(fiber.StatusNotFound, "dispatch attempts are not recorded")
	}

	batchID := strings.TrimSpace(c.Params("id"))
	if batchID == "" {
		return toHTTPError(fmt.Errorf("%w: batch id is required", domain.ErrValidation))
	}

	attempts, err := h.attempts.GetByBatchID(c.Context(), batchID)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]dispatchAttemptResponse, 0, len(attempts))
	for i := range attempts {
		data = append(data, dispatchAttemptResponse{
			AttemptNumber: attempts[i].AttemptNumber,
			StatusCode:    attempts[i].StatusCode,
			ResponseBody:  attempts[i].ResponseBody,
			Error:         attempts[i].Error,
			CreatedAt:     attempts[i].CreatedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"batchId": batchID,
		"data":    data,
	})
}

func (h *ApprovalHandler) SummarizeSelection(c *fiber.Ctx) error {
	var req selectionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	coordinator, err := h.session(c, req.Date)
	if err != nil {
		return toHTTPError(err)
	}

	summary := coordinator.Summarize(req.BatchIDs)
	return c.Status(fiber.StatusOK).JSON(selectionSummaryResponse{
		BatchCount:   summary.BatchCount,
		MachineCount: summary.MachineCount,
		HasConflicts: summary.HasConflicts,
		CanProcess:   summary.CanProcess,
	})
}

func (h *ApprovalHandler) ListSelectionConflicts(c *fiber.Ctx) error {
	coordinator, err := h.session(c, c.Query("date"))
	if err != nil {
		return toHTTPError(err)
	}

	var ids []string
	if raw := strings.TrimSpace(c.Query("ids")); raw != "" {
		ids = strings.Split(raw, ",")
	}

	conflicts := coordinator.ConflictsForSelection(ids)
	data := make([]conflictResponse, 0, len(conflicts))
	for i := range conflicts {
		data = append(data, toConflictResponse(conflicts[i]))
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"date": coordinator.TargetDate().Format(domain.DateLayout),
		"data": data,
	})
}

func (h *ApprovalHandler) ApproveSelection(c *fiber.Ctx) error {
	var req approveSelectionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(c.Context(), "operator:"+requestOperatorID(c))
		if err != nil {
			return fmt.Errorf("operator throttle check failed: %w", err)
		}
		if !allowed {
			return fiber.NewError(fiber.StatusTooManyRequests, "approval rate limit exceeded")
		}
	}

	coordinator, err := h.session(c, req.Date)
	if err != nil {
		return toHTTPError(err)
	}

	result, err := coordinator.ApproveSelection(requestContext(c), req.BatchIDs, req.Force)
	if err != nil {
		return toHTTPError(err)
	}

	outcomes := make([]batchOutcomeResponse, 0, len(result.Outcomes))
	for _, outcome := range result.Outcomes {
		item := batchOutcomeResponse{
			BatchID:  outcome.BatchID,
			Approved: outcome.Approved,
		}
		if !outcome.Approved {
			item.Reason = outcome.Reason.String()
			if outcome.Err != nil {
				item.Error = outcome.Err.Error()
			}
		}
		outcomes = append(outcomes, item)
	}

	// clearSelection tells the console the picks are spent; on partial
	// failure the selection stays so the operator can see what remains.
	return c.Status(fiber.StatusOK).JSON(approveSelectionResponse{
		Outcomes:       outcomes,
		Forced:         result.Forced,
		ApprovedCount:  result.SuccessCount(),
		FailedCount:    result.FailureCount(),
		ClearSelection: result.IsFullySuccessful(),
	})
}

func (h *ApprovalHandler) ApplyResolutions(c *fiber.Ctx) error {
	var req applyResolutionsRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	coordinator, err := h.session(c, req.Date)
	if err != nil {
		return toHTTPError(err)
	}

	resolutions := make([]domain.ConflictResolution, 0, len(req.Resolutions))
	for _, item := range req.Resolutions {
		resolutions = append(resolutions, toDomainResolution(item, requestOperatorID(c)))
	}

	result, err := coordinator.ApplyResolutions(requestContext(c), resolutions)
	if err != nil {
		return toHTTPError(err)
	}

	outcomes := make([]resolutionOutcomeResponse, 0, len(result.Outcomes))
	for _, outcome := range result.Outcomes {
		item := resolutionOutcomeResponse{
			ConflictID: outcome.ConflictID,
			BatchID:    outcome.BatchID,
			Status:     outcome.Status.String(),
		}
		if outcome.Err != nil {
			item.Error = outcome.Err.Error()
		}
		outcomes = append(outcomes, item)
	}

	return c.Status(fiber.StatusOK).JSON(applyResolutionsResponse{
		Outcomes:     outcomes,
		AppliedCount: result.AppliedCount(),
		AllApplied:   result.AllApplied(),
	})
}

func (h *ApprovalHandler) MachineReadiness(c *fiber.Ctx) error {
	coordinator, err := h.session(c, c.Query("date"))
	if err != nil {
		return toHTTPError(err)
	}

	readiness := coordinator.MachineReadiness()
	data := make([]machineReadinessResponse, 0, len(readiness))
	for i := range readiness {
		data = append(data, machineReadinessResponse{
			MachineID:  readiness[i].MachineID,
			Status:     readiness[i].Status.String(),
			ReportedAt: readiness[i].ReportedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": data})
}

// session resolves the coordination session for the request. An absent date
// means the current production day.
func (h *ApprovalHandler) session(c *fiber.Ctx, rawDate string) (*service.Coordinator, error) {
	targetDate := time.Now().UTC()
	if trimmed := strings.TrimSpace(rawDate); trimmed != "" {
		parsed, err := domain.ParseDate(trimmed)
		if err != nil {
			return nil, err
		}
		targetDate = parsed
	}
	return h.sessions.For(c.Context(), targetDate)
}

func toBatchResponse(batch domain.ProductionBatch, active []domain.ConfigurationConflict) batchResponse {
	slots := make([]slotResponse, 0, len(batch.Slots))
	for _, slot := range batch.Slots {
		slots = append(slots, slotResponse{
			ProductName:      slot.ProductName,
			OccupiedStations: slot.OccupiedStations,
			PrimaryColorID:   slot.PrimaryColorID,
			SecondaryColorID: slot.SecondaryColorID,
		})
	}

	findings := domain.DetectBatchConflicts(batch)
	return batchResponse{
		ID:          batch.ID,
		MachineID:   batch.MachineID,
		TargetDate:  batch.TargetDate.Format(domain.DateLayout),
		Slots:       slots,
		Status:      batch.Status.String(),
		SubmittedAt: batch.SubmittedAt,
		Findings: findingsResponse{
			StationConflict:   findings.StationConflict,
			ColorConflict:     findings.ColorConflict,
			DuplicateStations: findings.DuplicateStations,
			DuplicateColors:   findings.DuplicateColors,
		},
		ConflictAffected: domain.IsConflictAffected(batch, active),
	}
}

func toConflictResponse(conflict domain.ConfigurationConflict) conflictResponse {
	return conflictResponse{
		ID:                 conflict.ID,
		AffectedMachineIDs: conflict.AffectedMachineIDs,
		Category:           conflict.Category.String(),
		Description:        conflict.Description,
		Source:             conflict.Source.String(),
		ReportedBy:         conflict.ReportedBy,
		CreatedAt:          conflict.CreatedAt,
		ResolvedAt:         conflict.ResolvedAt,
	}
}

func toDomainResolution(req resolutionRequest, fallbackOperator string) domain.ConflictResolution {
	remediations := make([]domain.Remediation, 0, len(req.Remediations))
	for _, item := range req.Remediations {
		remediations = append(remediations, domain.Remediation{
			Kind:        domain.RemediationKind(strings.ToUpper(strings.TrimSpace(item.Kind))),
			SlotIndex:   item.SlotIndex,
			FromStation: strings.TrimSpace(item.FromStation),
			ToStation:   strings.TrimSpace(item.ToStation),
			ColorRole:   domain.ColorRole(strings.ToUpper(strings.TrimSpace(item.ColorRole))),
			ToColorID:   item.ToColorID,
		})
	}

	resolution := domain.ConflictResolution{
		ConflictID:   strings.TrimSpace(req.ConflictID),
		BatchID:      strings.TrimSpace(req.BatchID),
		Remediations: remediations,
		ResolvedBy:   strings.TrimSpace(req.ResolvedBy),
	}
	if resolution.ResolvedBy == "" {
		resolution.ResolvedBy = fallbackOperator
	}
	return resolution
}

// requestContext carries the request identity into the service layer so
// published events echo the correlation id and audit lines name the
// operator.
func requestContext(c *fiber.Ctx) context.Context {
	var ctx context.Context = c.Context()
	if correlationID := requestCorrelationID(c); correlationID != "" {
		ctx = observability.WithCorrelationID(ctx, correlationID)
	}
	if operatorID := requestOperatorID(c); operatorID != "" {
		ctx = observability.WithOperatorID(ctx, operatorID)
	}
	return ctx
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

// requestOperatorID identifies the caller for throttling and audit. The
// console sends X-Operator-ID; anonymous callers collapse onto their
// address.
func requestOperatorID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get("X-Operator-ID")); value != "" {
		return value
	}
	return c.IP()
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrEmptySelection):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrUnresolvedConflicts), errors.Is(err, domain.ErrBatchBusy), errors.Is(err, domain.ErrNotPending):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
