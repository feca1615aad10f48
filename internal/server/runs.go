package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/voiceplanner/internal/engine"
	"github.com/mohammad-safakhou/voiceplanner/internal/runtime"
)

// RunsHandler serves recorded runs, run aborts and session memory.
type RunsHandler struct {
	Engine *engine.Engine
}

func (h *RunsHandler) Register(g *echo.Group, secret []byte) {
	g.GET("/runs", h.running, guard(secret, runtime.ScopeRunsRead)...)
	g.GET("/runs/:id", h.get, guard(secret, runtime.ScopeRunsRead)...)
	g.DELETE("/runs/:id", h.abort, guard(secret, runtime.ScopeRunsAbort)...)
	g.GET("/sessions/:id/memory", h.memory, guard(secret, runtime.ScopeRunsRead)...)
	g.GET("/sessions/:id/runs", h.sessionRuns, guard(secret, runtime.ScopeRunsRead)...)
	g.DELETE("/sessions/:id", h.endSession, guard(secret, runtime.ScopeGoalsWrite)...)
}

func (h *RunsHandler) running(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"running": h.Engine.Running()})
}

func (h *RunsHandler) get(c echo.Context) error {
	rec, err := h.Engine.Run(c.Request().Context(), c.Param("id"))
	if errors.Is(err, engine.ErrRunNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *RunsHandler) abort(c echo.Context) error {
	id := c.Param("id")
	if !h.Engine.Abort(id) {
		return echo.NewHTTPError(http.StatusNotFound, "run is not in progress")
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{"run_id": id, "aborting": true})
}

func (h *RunsHandler) memory(c echo.Context) error {
	entities, err := h.Engine.Memory(c.Param("id"))
	if errors.Is(err, engine.ErrSessionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"session_id": c.Param("id"), "entities": entities})
}

func (h *RunsHandler) sessionRuns(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}
	runs, err := h.Engine.Runs(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"session_id": c.Param("id"), "runs": runs})
}

func (h *RunsHandler) endSession(c echo.Context) error {
	if !h.Engine.EndSession(c.Param("id")) {
		return echo.NewHTTPError(http.StatusNotFound, engine.ErrSessionNotFound.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
