package handler

import (
    "errors"   // errors.Is/As comparisons against service sentinels
    "net/http" // HTTP status codes
    "strconv"  // parsing path parameters

    "github.com/labstack/echo/v4" // Echo web framework

    "github.com/avetenim/event-ticketing/internal/cache"
    "github.com/avetenim/event-ticketing/internal/payment"
    "github.com/avetenim/event-ticketing/internal/repository"
    "github.com/avetenim/event-ticketing/internal/service"
)

// TicketHandler exposes the purchase, cancellation and read endpoints
// on top of the purchase orchestrator.  All methods assume JWT
// authentication has already run; they may return 401 Unauthorized if
// the user ID cannot be extracted from the context.  The handler holds
// no state of its own — every capacity decision happens inside the
// orchestrator's lock-bounded critical section.
type TicketHandler struct {
	Orchestrator *service.Orchestrator // the purchase/cancellation state machine
}

// NewTicketHandler constructs a TicketHandler.  The orchestrator must
// be non-nil.
func NewTicketHandler(orc *service.Orchestrator) *TicketHandler {
	if orc == nil {
		panic("nil orchestrator passed to NewTicketHandler")
	}
	return &TicketHandler{Orchestrator: orc}
}

// Purchase handles POST /v1/events/:id/occurrences/:date/purchase.
// The request body carries the quantity and opaque payment method
// fields.  A definitive success or failure is returned synchronously;
// the response never waits on ledger reconciliation.
func (h *TicketHandler) Purchase(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	eventID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || eventID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid event id"})
	}
	date, ok := parseOccurrenceDate(c.Param("date"))
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid occurrence date"})
	}
	var body struct {
		Quantity int                   `json:"quantity"`
		Method   payment.MethodDetails `json:"payment_method"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	result, err := h.Orchestrator.Purchase(c.Request().Context(), userID, eventID, date, body.Quantity, body.Method)
	if err != nil {
		var declined *service.PaymentDeclinedError
		switch {
		case errors.Is(err, service.ErrInvalidQuantity):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "quantity must be positive"})
		case errors.Is(err, repository.ErrOccurrenceNotFound):
			return c.JSON(http.StatusNotFound, echo.Map{"error": "event occurrence not found"})
		case errors.Is(err, service.ErrEventBusy):
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "event busy, try again"})
		case errors.Is(err, cache.ErrInsufficientCapacity):
			return c.JSON(http.StatusConflict, echo.Map{"error": "insufficient capacity"})
		case errors.Is(err, cache.ErrCapacityMiss):
			return c.JSON(http.StatusConflict, echo.Map{"error": "occurrence not on sale"})
		case errors.As(err, &declined):
			return c.JSON(http.StatusPaymentRequired, echo.Map{
				"error":         "payment declined",
				"error_code":    declined.Code,
				"error_message": declined.Message,
			})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "purchase failed"})
	}

	ticketIDs := make([]uint64, 0, len(result.Tickets))
	for _, t := range result.Tickets {
		ticketIDs = append(ticketIDs, t.ID)
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"transaction_id": result.Transaction.ID,
		"status":         result.Transaction.Status,
		"quantity":       result.Transaction.Quantity,
		"amount_cents":   result.Transaction.AmountCents,
		"remaining":      result.Remaining,
		"ticket_ids":     ticketIDs,
	})
}

// Cancel handles DELETE /v1/transactions/:id.  Cancellation re-enters
// the same critical-section pattern as purchase and publishes a
// compensating positive capacity delta.  Returns 204 on success.
func (h *TicketHandler) Cancel(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	transactionID := c.Param("id")
	if transactionID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid transaction id"})
	}

	err = h.Orchestrator.Cancel(c.Request().Context(), userID, transactionID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTransactionNotFound):
			return c.JSON(http.StatusNotFound, echo.Map{"error": "transaction not found"})
		case errors.Is(err, repository.ErrForbidden):
			return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
		case errors.Is(err, service.ErrNotCancellable):
			return c.JSON(http.StatusConflict, echo.Map{"error": "transaction not cancellable"})
		case errors.Is(err, service.ErrEventBusy):
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "event busy, try again"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "cancellation failed"})
	}
	return c.NoContent(http.StatusNoContent)
}

// ListMyTickets handles GET /v1/my-tickets.  It serves from the
// cache's per-user index with a ledger fallback, so the endpoint stays
// usable when either store has a bad day.
func (h *TicketHandler) ListMyTickets(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	tickets, err := h.Orchestrator.ListTickets(c.Request().Context(), userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load tickets"})
	}
	return c.JSON(http.StatusOK, echo.Map{"items": tickets})
}

// GetOccurrence handles GET /v1/events/:id/occurrences/:date.  The
// remaining count comes from the capacity cache — the authoritative
// value during a sale — never from the ledger's lagging counter.
func (h *TicketHandler) GetOccurrence(c echo.Context) error {
	eventID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || eventID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid event id"})
	}
	date, ok := parseOccurrenceDate(c.Param("date"))
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid occurrence date"})
	}
	status, err := h.Orchestrator.GetOccurrenceStatus(c.Request().Context(), eventID, date)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOccurrenceNotFound):
			return c.JSON(http.StatusNotFound, echo.Map{"error": "event occurrence not found"})
		case errors.Is(err, cache.ErrCapacityMiss):
			return c.JSON(http.StatusNotFound, echo.Map{"error": "occurrence not on sale"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load occurrence"})
	}
	occ := status.Occurrence
	return c.JSON(http.StatusOK, echo.Map{
		"event_id":       occ.EventID,
		"date":           occ.Date,
		"name":           occ.Name,
		"location":       occ.Location,
		"price_cents":    occ.PriceCents,
		"total_capacity": occ.TotalCapacity,
		"remaining":      status.Remaining,
		"starts_at":      occ.StartsAt,
		"ends_at":        occ.EndsAt,
	})
}
