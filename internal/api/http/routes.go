package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/i474232898/lindas-relay/internal/hydro"
)

var validate = validator.New()

// CycleService is the part of hydro.Service the API needs.
type CycleService interface {
	Trigger(ctx context.Context) error
	Latest() (hydro.CycleSummary, bool)
	State() hydro.State
	Registry() *hydro.Registry
	Cursors(ctx context.Context) (map[int]time.Time, error)
}

// stationView is a configured station together with its relay cursor.
type stationView struct {
	hydro.StationConfig
	LastRelayedAt *time.Time `json:"lastRelayedAt,omitempty"`
}

// RegisterRoutes wires the HTTP handlers into the Fiber app. metrics may be nil.
func RegisterRoutes(app *fiber.App, service CycleService, metrics http.Handler) {
	if metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(metrics))
	}

	v1 := app.Group("/api/v1")

	v1.Get("/cycles/latest", func(c *fiber.Ctx) error {
		summary, ok := service.Latest()
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "no fetch cycle has finished yet")
		}
		return c.JSON(fiber.Map{
			"state":   service.State(),
			"summary": summary,
		})
	})

	v1.Post("/cycles", func(c *fiber.Ctx) error {
		// Detached from the request; the cycle outlives the response.
		switch err := service.Trigger(context.Background()); {
		case errors.Is(err, hydro.ErrCycleInProgress):
			return fiber.NewError(fiber.StatusConflict, err.Error())
		case err != nil:
			return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"status": "accepted",
		})
	})

	v1.Get("/stations", func(c *fiber.Ctx) error {
		cursors, err := service.Cursors(c.UserContext())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to read relay cursors")
		}

		stations := service.Registry().Stations()
		out := make([]stationView, 0, len(stations))
		for _, st := range stations {
			out = append(out, newStationView(st, cursors))
		}
		return c.JSON(fiber.Map{
			"stations": out,
		})
	})

	v1.Get("/stations/:localID", func(c *fiber.Ctx) error {
		req := stationRequest{LocalID: c.Params("localID")}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		st, ok := service.Registry().ByLocalID(req.LocalID)
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "unknown station")
		}

		cursors, err := service.Cursors(c.UserContext())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to read relay cursors")
		}
		return c.JSON(newStationView(st, cursors))
	})
}

// stationRequest holds the path parameters of the station endpoint.
type stationRequest struct {
	LocalID string `validate:"required,max=64,printascii"`
}

func newStationView(st hydro.StationConfig, cursors map[int]time.Time) stationView {
	v := stationView{StationConfig: st}
	if ts, ok := cursors[st.APISensorID]; ok {
		ts := ts.UTC()
		v.LastRelayedAt = &ts
	}
	return v
}
