package server

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/voiceplanner/internal/capability"
	"github.com/mohammad-safakhou/voiceplanner/internal/engine"
	"github.com/mohammad-safakhou/voiceplanner/internal/planner"
	"github.com/mohammad-safakhou/voiceplanner/internal/queue/streams"
	"github.com/mohammad-safakhou/voiceplanner/internal/runtime"
	"github.com/mohammad-safakhou/voiceplanner/internal/safety"
)

// GoalsHandler plans, previews and submits goals.
type GoalsHandler struct {
	Engine    *engine.Engine
	Publisher GoalPublisher
	Stream    string
	MaxLen    int64
	Logger    *log.Logger
}

func (h *GoalsHandler) Register(g *echo.Group, secret []byte) {
	g.GET("/actions", h.actions, guard(secret, runtime.ScopeGoalsRead)...)
	g.POST("/goals/preview", h.preview, guard(secret, runtime.ScopeGoalsRead)...)
	g.POST("/goals", h.submit, guard(secret, runtime.ScopeGoalsWrite)...)
	if h.Publisher != nil {
		g.POST("/goals/async", h.submitAsync, guard(secret, runtime.ScopeGoalsWrite)...)
	}
}

type goalRequest struct {
	SessionID string `json:"session_id"`
	planner.Goal
}

type catalogResponse struct {
	Version string                        `json:"version"`
	Actions []capability.ActionDefinition `json:"actions"`
}

type asyncResponse struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	EventID   string `json:"event_id"`
}

type submitError struct {
	Error  string         `json:"error"`
	Result *engine.Result `json:"result,omitempty"`
}

func bindGoal(c echo.Context) (goalRequest, error) {
	var req goalRequest
	if err := c.Bind(&req); err != nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return req, echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	return req, nil
}

func (h *GoalsHandler) actions(c echo.Context) error {
	reg := h.Engine.Registry()
	return c.JSON(http.StatusOK, catalogResponse{Version: reg.Version(), Actions: reg.Definitions()})
}

func (h *GoalsHandler) preview(c echo.Context) error {
	req, err := bindGoal(c)
	if err != nil {
		return err
	}
	p, err := h.Engine.Preview(c.Request().Context(), req.SessionID, req.Goal)
	if err != nil {
		return planError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *GoalsHandler) submit(c echo.Context) error {
	req, err := bindGoal(c)
	if err != nil {
		return err
	}
	h.Logger.Printf("goal from %s session=%q: %q", subject(c), req.SessionID, req.Text)
	res, err := h.Engine.Submit(c.Request().Context(), req.SessionID, req.Goal)
	if err != nil {
		var blocked *safety.DestructiveActionBlockedError
		if errors.As(err, &blocked) {
			return c.JSON(http.StatusConflict, submitError{Error: err.Error(), Result: &res})
		}
		return planError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *GoalsHandler) submitAsync(c echo.Context) error {
	req, err := bindGoal(c)
	if err != nil {
		return err
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	payload := streams.GoalSubmitted{
		RunID:              uuid.NewString(),
		SessionID:          req.SessionID,
		Goal:               req.Text,
		ConfirmDestructive: req.ConfirmDestructive,
		PropertyID:         req.Hints.PropertyID,
		Filter:             req.Hints.Filter,
	}
	stream := h.Stream
	if stream == "" {
		stream = streams.StreamGoals
	}
	var opts []streams.PublishOption
	if h.MaxLen > 0 {
		opts = append(opts, streams.WithMaxLenApprox(h.MaxLen))
	}
	id, err := h.Publisher.PublishRaw(c.Request().Context(), stream, streams.EventGoalSubmitted, streams.PayloadV1, payload, opts...)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "enqueue goal: "+err.Error())
	}
	return c.JSON(http.StatusAccepted, asyncResponse{RunID: payload.RunID, SessionID: payload.SessionID, EventID: id})
}

func planError(err error) error {
	var noMatch *planner.NoMatchError
	if errors.As(err, &noMatch) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
