package srvreg

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Rainerrr/Gestelit-sub005/repository"
	"github.com/Rainerrr/Gestelit-sub005/repository/models"
)

var defaultHeaders = map[string]string{"Content-Type": "application/json"}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// ErrorBody is the shape of every error response
type ErrorBody struct {
	Error errorDetail `json:"error"`
}

// StatusForKind maps a repository error kind onto an HTTP status code.
func StatusForKind(kind repository.ErrorKind) int {
	switch kind {
	case repository.KindValidation:
		return http.StatusBadRequest
	case repository.KindNotFound:
		return http.StatusNotFound
	case repository.KindConflict:
		return http.StatusConflict
	case repository.KindIntegrity:
		return http.StatusUnprocessableEntity
	case repository.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func jsonResponse(statusCode int, body any) *Response {
	data, err := json.Marshal(body)
	if err != nil {
		return errorBody(http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to encode response", err.Error())
	}
	return &Response{
		StatusCode: statusCode,
		Headers:    defaultHeaders,
		Body:       string(data),
	}
}

func errorBody(statusCode int, code, message, detail string) *Response {
	data, _ := json.Marshal(ErrorBody{Error: errorDetail{Code: code, Message: message, Detail: detail}})
	return &Response{
		StatusCode: statusCode,
		Headers:    defaultHeaders,
		Body:       string(data),
	}
}

// repositoryError renders err and hands it back for logging.
func (sr *ServiceRegistry) repositoryError(req *Request, err *repository.RepositoryError) (*Response, error) {
	status := StatusForKind(err.Kind)
	if status >= http.StatusInternalServerError {
		sr.logger.Error("Request failed", "route", req.Route, "code", err.Code, "detail", err.Detail)
		// Storage internals stay in the log.
		return errorBody(status, err.Code, err.Message, ""), err
	}
	sr.logger.Info("Request rejected", "route", req.Route, "code", err.Code)
	return errorBody(status, err.Code, err.Message, err.Detail), err
}

func (sr *ServiceRegistry) decodeBody(req *Request, target any) (*Response, error) {
	if err := json.Unmarshal([]byte(req.Body), target); err != nil {
		sr.logger.Info("Failed to parse body", "route", req.Route, "error", err.Error())
		return errorBody(http.StatusBadRequest, repository.CodeValidation, "Invalid body format", err.Error()),
			fmt.Errorf("invalid body format: %w", err)
	}
	return nil, nil
}

type createSessionBody struct {
	WorkerID      string `json:"worker_id"`
	StationID     string `json:"station_id"`
	JobItemStepID string `json:"job_item_step_id"`
	InitialStatus string `json:"initial_status"`
}

// CreateSessionResponse is returned by POST /sessions
type CreateSessionResponse struct {
	Session     *models.Session     `json:"session"`
	StatusEvent *models.StatusEvent `json:"status_event"`
}

func (sr *ServiceRegistry) CreateSessionHandler(req *Request) (*Response, error) {
	var body createSessionBody
	if resp, err := sr.decodeBody(req, &body); resp != nil {
		return resp, err
	}

	session, event, rerr := sr.repository.CreateSession(req.Context(), repository.CreateSessionInput{
		WorkerID:      body.WorkerID,
		StationID:     body.StationID,
		JobItemStepID: body.JobItemStepID,
		InitialStatus: body.InitialStatus,
	})
	if rerr != nil {
		return sr.repositoryError(req, rerr)
	}
	return jsonResponse(http.StatusCreated, CreateSessionResponse{Session: session, StatusEvent: event}), nil
}

// SessionResponse wraps a single session
type SessionResponse struct {
	Session *models.Session `json:"session"`
}

func (sr *ServiceRegistry) GetSessionHandler(req *Request) (*Response, error) {
	session, rerr := sr.repository.GetSession(req.Context(), req.Param("id"))
	if rerr != nil {
		return sr.repositoryError(req, rerr)
	}
	return jsonResponse(http.StatusOK, SessionResponse{Session: session}), nil
}

// TimelineResponse lists a session's intervals in order
type TimelineResponse struct {
	SessionID    string               `json:"session_id"`
	StatusEvents []models.StatusEvent `json:"status_events"`
}

func (sr *ServiceRegistry) TimelineHandler(req *Request) (*Response, error) {
	sessionID := req.Param("id")
	events, rerr := sr.repository.Timeline(req.Context(), sessionID)
	if rerr != nil {
		return sr.repositoryError(req, rerr)
	}
	return jsonResponse(http.StatusOK, TimelineResponse{SessionID: sessionID, StatusEvents: events}), nil
}

// HeartbeatResponse acknowledges a heartbeat
type HeartbeatResponse struct {
	OK      bool            `json:"ok"`
	Session *models.Session `json:"session"`
}

// HeartbeatHandler ignores the body, so terminals can use sendBeacon with any payload.
func (sr *ServiceRegistry) HeartbeatHandler(req *Request) (*Response, error) {
	session, rerr := sr.repository.RecordHeartbeat(req.Context(), req.Param("id"))
	if rerr != nil {
		return sr.repositoryError(req, rerr)
	}
	return jsonResponse(http.StatusOK, HeartbeatResponse{OK: true, Session: session}), nil
}

type imageBody struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        string `json:"data"`
}

type reportBody struct {
	Type        string     `json:"type"`
	Description string     `json:"description"`
	Image       *imageBody `json:"image"`
}

type transitionBody struct {
	Status string      `json:"status"`
	Report *reportBody `json:"report"`
}

func (sr *ServiceRegistry) TransitionHandler(req *Request) (*Response, error) {
	var body transitionBody
	if resp, err := sr.decodeBody(req, &body); resp != nil {
		return resp, err
	}

	in := repository.TransitionInput{SessionID: req.Param("id"), Status: body.Status}
	if body.Report != nil {
		report := &repository.ReportInput{
			Type:        models.ReportType(body.Report.Type),
			Description: body.Report.Description,
		}
		if img := body.Report.Image; img != nil {
			data, err := base64.StdEncoding.DecodeString(img.Data)
			if err != nil {
				return errorBody(http.StatusBadRequest, repository.CodeValidation, "Invalid request",
					"report.image.data must be base64 encoded"), err
			}
			report.Attachment = &repository.Attachment{Name: img.Name, ContentType: img.ContentType, Data: data}
		}
		in.Report = report
	}

	result, rerr := sr.repository.TransitionStatus(req.Context(), in)
	if rerr != nil {
		return sr.repositoryError(req, rerr)
	}
	return jsonResponse(http.StatusOK, result), nil
}

type closeProductionBody struct {
	StatusEventID string `json:"status_event_id"`
	QuantityGood  int64  `json:"quantity_good"`
	QuantityScrap int64  `json:"quantity_scrap"`
	NextStatus    string `json:"next_status"`
}

func (sr *ServiceRegistry) CloseProductionHandler(req *Request) (*Response, error) {
	var body closeProductionBody
	if resp, err := sr.decodeBody(req, &body); resp != nil {
		return resp, err
	}

	result, rerr := sr.repository.CloseProduction(req.Context(), repository.CloseProductionInput{
		SessionID:     req.Param("id"),
		StatusEventID: body.StatusEventID,
		QuantityGood:  body.QuantityGood,
		QuantityScrap: body.QuantityScrap,
		NextStatus:    body.NextStatus,
	})
	if rerr != nil {
		return sr.repositoryError(req, rerr)
	}
	return jsonResponse(http.StatusOK, result), nil
}

func (sr *ServiceRegistry) CompleteSessionHandler(req *Request) (*Response, error) {
	session, rerr := sr.repository.CompleteSession(req.Context(), req.Param("id"))
	if rerr != nil {
		return sr.repositoryError(req, rerr)
	}
	return jsonResponse(http.StatusOK, SessionResponse{Session: session}), nil
}

type abandonBody struct {
	Reason string `json:"reason"`
}

// AbandonResponse acknowledges an abandonment
type AbandonResponse struct {
	OK      bool            `json:"ok"`
	Session *models.Session `json:"session"`
}

func (sr *ServiceRegistry) AbandonSessionHandler(req *Request) (*Response, error) {
	var body abandonBody
	if resp, err := sr.decodeBody(req, &body); resp != nil {
		return resp, err
	}

	session, rerr := sr.repository.AbandonSession(req.Context(), req.Param("id"), repository.AbandonReason(body.Reason))
	if rerr != nil {
		return sr.repositoryError(req, rerr)
	}
	return jsonResponse(http.StatusOK, AbandonResponse{OK: true, Session: session}), nil
}

// ActiveSessionHandler answers with a null session when the worker holds none.
func (sr *ServiceRegistry) ActiveSessionHandler(req *Request) (*Response, error) {
	session, rerr := sr.repository.GetActiveSessionForWorker(req.Context(), req.Param("id"))
	if rerr != nil {
		return sr.repositoryError(req, rerr)
	}
	return jsonResponse(http.StatusOK, SessionResponse{Session: session}), nil
}

// OccupancyResponse lists the classification of the requested stations
type OccupancyResponse struct {
	WorkerID string                        `json:"worker_id,omitempty"`
	Stations []repository.StationOccupancy `json:"stations"`
}

// OccupancyHandler accepts station_ids as a comma separated list, repeated, or both.
func (sr *ServiceRegistry) OccupancyHandler(req *Request) (*Response, error) {
	var stationIDs []string
	seen := make(map[string]bool)
	for _, v := range req.Query["station_ids"] {
		for _, id := range strings.Split(v, ",") {
			id = strings.TrimSpace(id)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			stationIDs = append(stationIDs, id)
		}
	}
	workerID := req.Query.Get("worker_id")

	stations, rerr := sr.repository.Occupancy(req.Context(), stationIDs, workerID)
	if rerr != nil {
		return sr.repositoryError(req, rerr)
	}
	return jsonResponse(http.StatusOK, OccupancyResponse{WorkerID: workerID, Stations: stations}), nil
}

// StatusesResponse lists the status definitions
type StatusesResponse struct {
	Statuses []models.StatusDefinition `json:"statuses"`
}

func (sr *ServiceRegistry) ListStatusesHandler(req *Request) (*Response, error) {
	statuses, rerr := sr.repository.ListStatuses(req.Context())
	if rerr != nil {
		return sr.repositoryError(req, rerr)
	}
	return jsonResponse(http.StatusOK, StatusesResponse{Statuses: statuses}), nil
}

// WipBalanceResponse wraps one ledger row
type WipBalanceResponse struct {
	WipBalance *models.WipBalance `json:"wip_balance"`
}

func (sr *ServiceRegistry) WipBalanceHandler(req *Request) (*Response, error) {
	balance, rerr := sr.repository.GetWipBalance(req.Context(), req.Param("id"))
	if rerr != nil {
		return sr.repositoryError(req, rerr)
	}
	return jsonResponse(http.StatusOK, WipBalanceResponse{WipBalance: balance}), nil
}
