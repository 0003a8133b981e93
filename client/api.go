package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Rainerrr/Gestelit-sub005/repository"
	"github.com/Rainerrr/Gestelit-sub005/repository/models"
	service_registry "github.com/Rainerrr/Gestelit-sub005/srvreg"
)

// APIError is a non-2xx answer of the lifecycle API
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Detail     string
	RequestID  string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%d %s: %s (%s)", e.StatusCode, e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Code, e.Message)
}

// CodeOf returns the API error code of err, or an empty string.
func CodeOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// Exchange describes one finished API call. StatusCode is zero when no answer arrived.
type Exchange struct {
	Method     string
	Endpoint   string
	RequestID  string
	StatusCode int
	Duration   time.Duration
	Err        error
}

// Option configures an API
type Option func(*API)

// WithTimeout bounds every call.
func WithTimeout(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.http.Timeout = d
		}
	}
}

// WithHeader sends a header with every call.
func WithHeader(key, value string) Option {
	return func(a *API) {
		a.http.Headers[key] = value
	}
}

// WithRequestIDs tags every call with an X-Request-ID of the form <prefix>-<n>, which the
// server echoes and logs.
func WithRequestIDs(prefix string) Option {
	return func(a *API) {
		a.requestIDPrefix = prefix
	}
}

// WithExchangeHook is called after every call, failed ones included.
func WithExchangeHook(fn func(Exchange)) Option {
	return func(a *API) {
		a.onExchange = fn
	}
}

// API is a typed client for the session lifecycle endpoints
type API struct {
	http            *HTTPClient
	requestIDPrefix string
	requests        atomic.Uint64
	onExchange      func(Exchange)
}

func NewAPI(baseURL string, opts ...Option) *API {
	a := &API{http: NewHTTPClient(strings.TrimRight(baseURL, "/"))}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *API) do(ctx context.Context, method, endpoint string, body, target any) error {
	var opts CallOptions
	if a.requestIDPrefix != "" {
		opts.Headers = map[string]string{
			"X-Request-ID": fmt.Sprintf("%s-%d", a.requestIDPrefix, a.requests.Add(1)),
		}
	}

	resp, err := a.http.Call(ctx, method, endpoint, body, opts)
	ex := Exchange{Method: method, Endpoint: endpoint, Err: err}
	if opts.Headers != nil {
		ex.RequestID = opts.Headers["X-Request-ID"]
	}
	if resp != nil {
		ex.Duration = resp.Duration
		ex.StatusCode = resp.StatusCode
		if id := resp.Headers.Get("X-Request-ID"); id != "" {
			ex.RequestID = id
		}
	}
	if err == nil {
		err = a.decode(resp, ex.RequestID, target)
		ex.Err = err
	}
	if a.onExchange != nil {
		a.onExchange(ex)
	}
	return err
}

func (a *API) decode(resp *Response, requestID string, target any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: http.StatusText(resp.StatusCode), RequestID: requestID}
		var errBody service_registry.ErrorBody
		if decodeBody(resp, &errBody) == nil && errBody.Error.Code != "" {
			apiErr.Code = errBody.Error.Code
			apiErr.Message = errBody.Error.Message
			apiErr.Detail = errBody.Error.Detail
		}
		return apiErr
	}
	if target != nil {
		return decodeBody(resp, target)
	}
	return nil
}

func (a *API) CreateSession(ctx context.Context, workerID, stationID, jobItemStepID string) (*service_registry.CreateSessionResponse, error) {
	var out service_registry.CreateSessionResponse
	err := a.do(ctx, http.MethodPost, "/sessions", map[string]string{
		"worker_id":        workerID,
		"station_id":       stationID,
		"job_item_step_id": jobItemStepID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var out service_registry.SessionResponse
	if err := a.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return nil, err
	}
	return out.Session, nil
}

func (a *API) Timeline(ctx context.Context, sessionID string) ([]models.StatusEvent, error) {
	var out service_registry.TimelineResponse
	if err := a.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/timeline", nil, &out); err != nil {
		return nil, err
	}
	return out.StatusEvents, nil
}

func (a *API) Heartbeat(ctx context.Context, sessionID string) error {
	return a.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/heartbeat", nil, nil)
}

// Image is an attachment sent with a report
type Image struct {
	Name        string
	ContentType string
	Data        []byte
}

// Report is filed along with a transition
type Report struct {
	Type        models.ReportType
	Description string
	Image       *Image
}

func (a *API) Transition(ctx context.Context, sessionID, status string, report *Report) (*repository.TransitionResult, error) {
	body := map[string]any{"status": status}
	if report != nil {
		r := map[string]any{"description": report.Description}
		if report.Type != "" {
			r["type"] = report.Type
		}
		if report.Image != nil {
			r["image"] = map[string]string{
				"name":         report.Image.Name,
				"content_type": report.Image.ContentType,
				"data":         base64.StdEncoding.EncodeToString(report.Image.Data),
			}
		}
		body["report"] = r
	}

	var out repository.TransitionResult
	if err := a.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/transition", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) CloseProduction(ctx context.Context, sessionID, statusEventID string, good, scrap int64, nextStatus string) (*repository.CloseProductionResult, error) {
	var out repository.CloseProductionResult
	err := a.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/close-production", map[string]any{
		"status_event_id": statusEventID,
		"quantity_good":   good,
		"quantity_scrap":  scrap,
		"next_status":     nextStatus,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Complete(ctx context.Context, sessionID string) (*models.Session, error) {
	var out service_registry.SessionResponse
	if err := a.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/complete", nil, &out); err != nil {
		return nil, err
	}
	return out.Session, nil
}

func (a *API) Abandon(ctx context.Context, sessionID string, reason repository.AbandonReason) (*models.Session, error) {
	var out service_registry.AbandonResponse
	err := a.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/abandon", map[string]string{
		"reason": string(reason),
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Session, nil
}

// ActiveSession returns nil without error when the worker holds no session.
func (a *API) ActiveSession(ctx context.Context, workerID string) (*models.Session, error) {
	var out service_registry.SessionResponse
	if err := a.do(ctx, http.MethodGet, "/workers/"+url.PathEscape(workerID)+"/active-session", nil, &out); err != nil {
		return nil, err
	}
	return out.Session, nil
}

func (a *API) Occupancy(ctx context.Context, workerID string, stationIDs ...string) ([]repository.StationOccupancy, error) {
	q := url.Values{}
	q.Set("station_ids", strings.Join(stationIDs, ","))
	if workerID != "" {
		q.Set("worker_id", workerID)
	}
	var out service_registry.OccupancyResponse
	if err := a.do(ctx, http.MethodGet, "/occupancy?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Stations, nil
}

func (a *API) WipBalance(ctx context.Context, jobItemStepID string) (*models.WipBalance, error) {
	var out service_registry.WipBalanceResponse
	if err := a.do(ctx, http.MethodGet, "/wip/"+url.PathEscape(jobItemStepID), nil, &out); err != nil {
		return nil, err
	}
	return out.WipBalance, nil
}
