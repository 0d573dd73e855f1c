package handler

import (
    "errors"   // errors.Is comparisons for duplicate detection
    "net/http" // HTTP status codes
    "time"     // schedule window validation

    "github.com/labstack/echo/v4" // Echo web framework

    "github.com/avetenim/event-ticketing/internal/cache"
    "github.com/avetenim/event-ticketing/internal/model"
    "github.com/avetenim/event-ticketing/internal/repository"
)

// EventHandler exposes the administrative surface for seeding event
// occurrences.  Creating an occurrence writes the ledger row and seeds
// the capacity cache with the full capacity in one request; from then
// on the cache value is authoritative and only the orchestrator may
// decrement it.
type EventHandler struct {
	Occurrences *repository.EventOccurrenceRepo // ledger access for occurrence rows
	Capacity    *cache.CapacityCache            // cache seeding
}

// NewEventHandler constructs an EventHandler.  Both dependencies must
// be non-nil.
func NewEventHandler(occ *repository.EventOccurrenceRepo, capacity *cache.CapacityCache) *EventHandler {
	if occ == nil || capacity == nil {
		panic("nil dependency passed to NewEventHandler")
	}
	return &EventHandler{Occurrences: occ, Capacity: capacity}
}

// ListOccurrences handles GET /v1/events.  It lists upcoming
// occurrences with their metadata and live remaining counts where the
// cache has them; occurrences not yet on sale report remaining as -1.
func (h *EventHandler) ListOccurrences(c echo.Context) error {
	ctx := c.Request().Context()
	occs, err := h.Occurrences.ListUpcoming(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load occurrences"})
	}
	items := make([]echo.Map, 0, len(occs))
	for _, occ := range occs {
		remaining := -1
		if n, err := h.Capacity.GetRemaining(ctx, occ.EventID, occ.Date); err == nil {
			remaining = n
		}
		items = append(items, echo.Map{
			"event_id":       occ.EventID,
			"date":           occ.Date,
			"name":           occ.Name,
			"location":       occ.Location,
			"price_cents":    occ.PriceCents,
			"total_capacity": occ.TotalCapacity,
			"remaining":      remaining,
			"starts_at":      occ.StartsAt,
			"ends_at":        occ.EndsAt,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items})
}

// CreateOccurrence handles POST /v1/events.  Requires the ADMIN role.
func (h *EventHandler) CreateOccurrence(c echo.Context) error {
	var body struct {
		EventID       uint64    `json:"event_id"`
		Date          string    `json:"date"`
		Name          string    `json:"name"`
		Location      string    `json:"location"`
		TotalCapacity int       `json:"total_capacity"`
		PriceCents    uint32    `json:"price_cents"`
		StartsAt      time.Time `json:"starts_at"`
		EndsAt        time.Time `json:"ends_at"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.EventID == 0 || body.Name == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "event_id and name are required"})
	}
	date, ok := parseOccurrenceDate(body.Date)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid date"})
	}
	if body.TotalCapacity <= 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "total_capacity must be positive"})
	}
	if !body.EndsAt.After(body.StartsAt) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "ends_at must be after starts_at"})
	}

	ctx := c.Request().Context()
	// Reject duplicates up front; the primary key would catch them
	// anyway but this keeps the error readable.
	if _, err := h.Occurrences.GetByID(ctx, body.EventID, date); err == nil {
		return c.JSON(http.StatusConflict, echo.Map{"error": "occurrence already exists"})
	} else if !errors.Is(err, repository.ErrOccurrenceNotFound) {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}

	occ := &model.EventOccurrence{
		EventID:       body.EventID,
		Date:          date,
		Name:          body.Name,
		Location:      body.Location,
		TotalCapacity: body.TotalCapacity,
		PriceCents:    body.PriceCents,
		StartsAt:      body.StartsAt,
		EndsAt:        body.EndsAt,
	}
	if err := h.Occurrences.Create(ctx, occ); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to create occurrence"})
	}
	// Seed the authoritative remaining value.  If this fails the
	// occurrence exists but is not on sale, which purchase requests
	// report as a capacity miss; re-running the create is safe.
	if err := h.Capacity.SetRemaining(ctx, body.EventID, date, body.TotalCapacity); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to seed capacity cache"})
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"event_id":       body.EventID,
		"date":           date,
		"total_capacity": body.TotalCapacity,
	})
}
