// Package collaborator invokes catalog actions against the CRM's REST API.
package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mohammad-safakhou/voiceplanner/internal/capability"
	"github.com/mohammad-safakhou/voiceplanner/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var collaboratorTracer trace.Tracer = otel.Tracer("voiceplanner/internal/collaborator")

const defaultTimeout = 30 * time.Second

// Client implements capability.Collaborator over HTTP. It never retries; the executor owns retries.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *log.Logger
}

var _ capability.Collaborator = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithToken sends a bearer token with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger overrides the client logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid collaborator base url %q", baseURL)
	}
	c := &Client{
		baseURL: u.String(),
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  log.New(log.Writer(), "[COLLABORATOR] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type endpoint struct {
	method string
	path   string
	query  url.Values
	body   interface{}
}

// route maps an action to its REST endpoint.
func route(actionID string, params map[string]interface{}) (endpoint, error) {
	str := func(name string) string {
		s, _ := params[name].(string)
		return s
	}
	property := func(suffix string) string {
		return "/properties/" + url.PathEscape(str("propertyId")) + suffix
	}
	switch actionID {
	case capability.ActionResolveProperty:
		return endpoint{method: http.MethodGet, path: "/properties/resolve", query: url.Values{"identifier": {str("identifier")}}}, nil
	case capability.ActionResolvePropertiesByFilter:
		return endpoint{method: http.MethodPost, path: "/properties/search", body: map[string]interface{}{"filter": params["filter"]}}, nil
	case capability.ActionGetPropertyDetails:
		return endpoint{method: http.MethodGet, path: property("")}, nil
	case capability.ActionGetPropertyOwner:
		return endpoint{method: http.MethodGet, path: property("/owner")}, nil
	case capability.ActionListPropertyContacts:
		return endpoint{method: http.MethodGet, path: property("/contacts")}, nil
	case capability.ActionGetCallHistory:
		return endpoint{method: http.MethodGet, path: property("/calls")}, nil
	case capability.ActionAISuggestContracts:
		return endpoint{method: http.MethodPost, path: property("/contracts/suggestions")}, nil
	case capability.ActionCheckCompliance:
		return endpoint{method: http.MethodGet, path: property("/compliance")}, nil
	case capability.ActionCheckContractReadiness:
		return endpoint{method: http.MethodGet, path: property("/contracts/readiness")}, nil
	case capability.ActionScoreProperty:
		return endpoint{method: http.MethodGet, path: property("/score")}, nil
	case capability.ActionSummarizeNextActions:
		return endpoint{method: http.MethodPost, path: "/insights/next-actions", body: params}, nil

	case capability.ActionEnrichProperty:
		return endpoint{method: http.MethodPost, path: property("/enrich")}, nil
	case capability.ActionSkipTraceProperty:
		return endpoint{method: http.MethodPost, path: property("/skip-trace")}, nil
	case capability.ActionAttachRequiredContracts:
		return endpoint{method: http.MethodPost, path: property("/contracts/required")}, nil
	case capability.ActionApplyAISuggestions:
		return endpoint{method: http.MethodPost, path: property("/contracts/suggestions/apply"), body: map[string]interface{}{"suggestions": params["suggestions"]}}, nil
	case capability.ActionGenerateRecap:
		return endpoint{method: http.MethodPost, path: property("/recap")}, nil
	case capability.ActionSendNotification:
		return endpoint{method: http.MethodPost, path: "/notifications", body: params}, nil
	case capability.ActionUpdatePropertyStatus:
		return endpoint{method: http.MethodPatch, path: property("/status"), body: map[string]interface{}{"status": params["status"]}}, nil
	case capability.ActionAddNote:
		return endpoint{method: http.MethodPost, path: property("/notes"), body: map[string]interface{}{"text": params["text"]}}, nil
	case capability.ActionCreateContact:
		return endpoint{method: http.MethodPost, path: property("/contacts"), body: without(params, "propertyId")}, nil
	case capability.ActionLinkContactToProperty:
		return endpoint{method: http.MethodPut, path: property("/contacts/" + url.PathEscape(str("contactId"))), body: map[string]interface{}{"role": params["role"]}}, nil
	case capability.ActionScheduleFollowUp:
		return endpoint{method: http.MethodPost, path: property("/follow-ups"), body: without(params, "propertyId")}, nil
	case capability.ActionSendEmail:
		return endpoint{method: http.MethodPost, path: "/contacts/" + url.PathEscape(str("contactId")) + "/emails", body: without(params, "contactId")}, nil

	case capability.ActionMakePhoneCall:
		return endpoint{method: http.MethodPost, path: "/contacts/" + url.PathEscape(str("contactId")) + "/calls", body: map[string]interface{}{"script": params["script"]}}, nil
	case capability.ActionDeleteProperty:
		return endpoint{method: http.MethodDelete, path: property("")}, nil
	case capability.ActionSendContractForSignature:
		return endpoint{method: http.MethodPost, path: property("/contracts/signature"), body: without(params, "propertyId")}, nil
	}
	return endpoint{}, capability.NewValidation(actionID, "no collaborator endpoint for action")
}

func without(params map[string]interface{}, key string) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if k != key {
			out[k] = v
		}
	}
	return out
}

// Invoke calls the endpoint of actionID and decodes the structured result.
func (c *Client) Invoke(ctx context.Context, actionID string, params map[string]interface{}) (capability.Result, error) {
	ep, err := route(actionID, params)
	if err != nil {
		return capability.Result{}, err
	}
	ctx, span := collaboratorTracer.Start(ctx, "collaborator.invoke",
		trace.WithAttributes(
			attribute.String("action.id", actionID),
			attribute.String("http.method", ep.method),
		))
	defer span.End()

	var res capability.Result
	status, body, err := c.do(ctx, ep)
	if err == nil {
		err = classify(actionID, status, body)
	}
	if err == nil && len(bytes.TrimSpace(body)) > 0 {
		if derr := json.Unmarshal(body, &res); derr != nil {
			err = &capability.Error{Kind: capability.KindInternal, Action: actionID, Message: "decode response", Err: derr}
		}
	}
	if err != nil {
		var ce *capability.Error
		if errors.As(err, &ce) && ce.Action == "" {
			ce.Action = actionID
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(capability.KindOf(err)))
		return capability.Result{}, err
	}
	span.SetStatus(codes.Ok, "ok")
	return res, nil
}

// Snapshot fetches the opaque local record of an entity. A missing record yields a nil snapshot.
func (c *Client) Snapshot(ctx context.Context, ref models.EntityRef) ([]byte, error) {
	status, body, err := c.do(ctx, endpoint{method: http.MethodGet, path: recordPath(ref)})
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err := classify("snapshot", status, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Restore writes a snapshot back. A nil snapshot deletes the record created since capture.
func (c *Client) Restore(ctx context.Context, ref models.EntityRef, snapshot []byte) error {
	ep := endpoint{method: http.MethodPut, path: recordPath(ref), body: json.RawMessage(snapshot)}
	if snapshot == nil {
		ep = endpoint{method: http.MethodDelete, path: recordPath(ref)}
	}
	status, body, err := c.do(ctx, ep)
	if err != nil {
		return err
	}
	if snapshot == nil && status == http.StatusNotFound {
		return nil
	}
	if err := classify("restore", status, body); err != nil {
		return err
	}
	c.logger.Printf("restored %s", ref)
	return nil
}

func recordPath(ref models.EntityRef) string {
	return "/records/" + url.PathEscape(string(ref.Type)) + "/" + url.PathEscape(ref.ID)
}

func (c *Client) do(ctx context.Context, ep endpoint) (int, []byte, error) {
	target := c.baseURL + ep.path
	if len(ep.query) > 0 {
		target += "?" + ep.query.Encode()
	}
	var reader io.Reader
	if ep.body != nil {
		raw, err := json.Marshal(ep.body)
		if err != nil {
			return 0, nil, &capability.Error{Kind: capability.KindValidation, Message: "encode request", Err: err}
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, ep.method, target, reader)
	if err != nil {
		return 0, nil, &capability.Error{Kind: capability.KindInternal, Message: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, &capability.Error{Kind: capability.KindTransient, Message: ep.method + " " + ep.path, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, &capability.Error{Kind: capability.KindTransient, Message: "read response", Err: err}
	}
	return resp.StatusCode, body, nil
}

// classify maps an HTTP status to the capability error taxonomy.
func classify(actionID string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := errorMessage(status, body)
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return &capability.Error{Kind: capability.KindTransient, Action: actionID, Message: msg}
	case status == http.StatusConflict, status == http.StatusPreconditionFailed:
		return &capability.Error{Kind: capability.KindConflict, Action: actionID, Message: msg}
	case status == http.StatusBadRequest, status == http.StatusNotFound, status == http.StatusUnprocessableEntity:
		return &capability.Error{Kind: capability.KindValidation, Action: actionID, Message: msg}
	}
	return &capability.Error{Kind: capability.KindInternal, Action: actionID, Message: msg}
}

func errorMessage(status int, body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			return fmt.Sprintf("%d %s", status, payload.Message)
		}
		if payload.Error != "" {
			return fmt.Sprintf("%d %s", status, payload.Error)
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	if text == "" {
		return http.StatusText(status)
	}
	return fmt.Sprintf("%d %s", status, text)
}
