package srvreg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Rainerrr/Gestelit-sub005/repository"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/kaptinlin/jsonschema"
)

// MaxBodyBytes bounds a request body. Report images travel base64 encoded inside the JSON.
const MaxBodyBytes = 16 << 20

// ErrBodyTooLarge is returned by ConvertHttpRequest for bodies over MaxBodyBytes.
var ErrBodyTooLarge = errors.New("request body too large")

// Request represents the client's original HTTP request
type Request struct {
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Route      string            `json:"route"`
	Params     map[string]string `json:"params"`
	Query      url.Values        `json:"query"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	RemoteAddr string            `json:"remote_addr"`
	RequestID  string            `json:"request_id"`
	Timestamp  time.Time         `json:"timestamp"`

	ctx context.Context
}

// Context returns the context of the HTTP request, or context.Background.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// Param returns a named path parameter, e.g. "id" for "/sessions/:id".
func (r *Request) Param(name string) string {
	return r.Params[name]
}

// Response represents the computed response
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// ParseBody attempts to parse the Response's Body field as JSON
// and returns the structured data or nil if parsing fails.
func (r *Response) ParseBody() any {
	if r.Body == "" {
		return nil
	}
	var body any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		return nil
	}
	return body
}

// ServiceHandler is a function type for service handlers
type ServiceHandler func(*Request) (*Response, error)

// RouteKey is used to uniquely identify a route
type RouteKey struct {
	Method string
	Path   string
}

// ServiceRegistry manages all service handlers
type ServiceRegistry struct {
	handlers    map[RouteKey]ServiceHandler
	exactRoutes map[RouteKey]bool // Whether a route is exact or pattern-based
	schemas     map[RouteKey]*jsonschema.Schema
	mu          sync.RWMutex
	repository  *repository.Repository
	logger      cmtlog.Logger
}

// ConvertHttpRequest converts an http.Request to Request
func ConvertHttpRequest(r *http.Request, requestID string) (*Request, error) {
	headers := make(map[string]string)
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	body := ""
	if r.Body != nil {
		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
		if err != nil {
			return nil, err
		}
		if len(bodyBytes) > MaxBodyBytes {
			return nil, fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, MaxBodyBytes)
		}
		body = compactJSON(string(bodyBytes))
	}

	return &Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.Query(),
		Headers:    headers,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		RequestID:  requestID,
		Timestamp:  time.Now(),
		ctx:        r.Context(),
	}, nil
}

// NewServiceRegistry creates a new service registry
func NewServiceRegistry(repository *repository.Repository, logger cmtlog.Logger) *ServiceRegistry {
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	return &ServiceRegistry{
		handlers:    make(map[RouteKey]ServiceHandler),
		exactRoutes: make(map[RouteKey]bool),
		schemas:     make(map[RouteKey]*jsonschema.Schema),
		repository:  repository,
		logger:      logger.With("module", "srvreg"),
	}
}

// RegisterHandler registers a new service handler
func (sr *ServiceRegistry) RegisterHandler(method, path string, isExactPath bool, handler ServiceHandler) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	sr.handlers[key] = handler
	sr.exactRoutes[key] = isExactPath
}

// RegisterSchema attaches a JSON schema the request body of a route must satisfy.
func (sr *ServiceRegistry) RegisterSchema(method, path, schema string) error {
	compiler := jsonschema.NewCompiler()
	compiled, err := compiler.Compile([]byte(schema))
	if err != nil {
		return fmt.Errorf("compile schema for %s %s: %w", method, path, err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[RouteKey{Method: strings.ToUpper(method), Path: path}] = compiled
	return nil
}

// GetHandlerForPath finds the handler for a path and the route it was registered under.
func (sr *ServiceRegistry) GetHandlerForPath(method, path string) (ServiceHandler, RouteKey, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	// Try exact match first
	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	if handler, ok := sr.handlers[key]; ok {
		if sr.exactRoutes[key] {
			return handler, key, true
		}
	}

	for routeKey, handler := range sr.handlers {
		if routeKey.Method != key.Method || sr.exactRoutes[routeKey] {
			continue
		}
		if matchPath(routeKey.Path, path) {
			return handler, routeKey, true
		}
	}

	return nil, RouteKey{}, false
}

// AllowedMethods lists the methods registered for path, for 405 responses.
func (sr *ServiceRegistry) AllowedMethods(path string) []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	var methods []string
	for routeKey := range sr.handlers {
		if routeKey.Path == path || (!sr.exactRoutes[routeKey] && matchPath(routeKey.Path, path)) {
			methods = append(methods, routeKey.Method)
		}
	}
	sort.Strings(methods)
	return methods
}

// matchPath does simple pattern matching for routes.
// It supports patterns like "/sessions/:id" matching "/sessions/123"
func matchPath(pattern, path string) bool {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")

	if len(patternParts) != len(pathParts) {
		return false
	}

	for i := range len(patternParts) {
		if strings.HasPrefix(patternParts[i], ":") {
			if pathParts[i] == "" {
				return false
			}
			continue
		}
		if patternParts[i] != pathParts[i] {
			return false
		}
	}

	return true
}

func pathParams(pattern, path string) map[string]string {
	params := make(map[string]string)
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")
	for i := range min(len(patternParts), len(pathParts)) {
		if name, ok := strings.CutPrefix(patternParts[i], ":"); ok {
			if v, err := url.PathUnescape(pathParts[i]); err == nil {
				params[name] = v
			} else {
				params[name] = pathParts[i]
			}
		}
	}
	return params
}

// validateBody checks the body against the schema registered for key, if any.
func (sr *ServiceRegistry) validateBody(key RouteKey, body string) error {
	sr.mu.RLock()
	schema, ok := sr.schemas[key]
	sr.mu.RUnlock()
	if !ok {
		return nil
	}
	if body == "" {
		return fmt.Errorf("request body is required")
	}

	result := schema.ValidateJSON([]byte(body))
	if result.IsValid() {
		return nil
	}
	fields := make([]string, 0, len(result.Errors))
	for field := range result.Errors {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	msgs := make([]string, 0, len(fields))
	for _, field := range fields {
		msgs = append(msgs, fmt.Sprintf("%s: %s", field, result.Errors[field].Error()))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// GenerateResponse executes the request and generates a response
func (req *Request) GenerateResponse(services *ServiceRegistry) (*Response, error) {
	handler, route, found := services.GetHandlerForPath(req.Method, req.Path)
	if !found {
		if allowed := services.AllowedMethods(req.Path); len(allowed) > 0 {
			resp := errorBody(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
				fmt.Sprintf("Method %s not allowed", req.Method), "")
			resp.Headers = map[string]string{
				"Content-Type": "application/json",
				"Allow":        strings.Join(allowed, ", "),
			}
			return resp, nil
		}
		return errorBody(http.StatusNotFound, "ROUTE_NOT_FOUND",
			fmt.Sprintf("Service not found for %s %s", req.Method, req.Path), ""), nil
	}

	req.Route = route.Path
	req.Params = pathParams(route.Path, req.Path)

	if err := services.validateBody(route, req.Body); err != nil {
		services.logger.Info("Rejected request body", "route", route.Path, "err", err)
		return errorBody(http.StatusBadRequest, repository.CodeValidation, "Invalid request", err.Error()), err
	}

	response, err := handler(req)
	if response == nil {
		if err == nil {
			err = fmt.Errorf("handler for %s %s returned no response", route.Method, route.Path)
		}
		return errorBody(http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", ""), err
	}
	return response, err
}

func compactJSON(body string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(body)); err != nil {
		return strings.TrimSpace(body)
	}
	return buf.String()
}

const (
	createSessionSchema = `{
  "type": "object",
  "required": ["worker_id", "station_id", "job_item_step_id"],
  "properties": {
    "worker_id": {"type": "string", "minLength": 1},
    "station_id": {"type": "string", "minLength": 1},
    "job_item_step_id": {"type": "string", "minLength": 1},
    "initial_status": {"type": "string"}
  }
}`
	transitionSchema = `{
  "type": "object",
  "required": ["status"],
  "properties": {
    "status": {"type": "string", "minLength": 1},
    "report": {
      "type": "object",
      "properties": {
        "type": {"enum": ["general", "malfunction", "scrap"]},
        "description": {"type": "string"},
        "image": {
          "type": "object",
          "required": ["data"],
          "properties": {
            "name": {"type": "string"},
            "content_type": {"type": "string"},
            "data": {"type": "string", "minLength": 1}
          }
        }
      }
    }
  }
}`
	closeProductionSchema = `{
  "type": "object",
  "required": ["status_event_id", "quantity_good", "quantity_scrap", "next_status"],
  "properties": {
    "status_event_id": {"type": "string", "minLength": 1},
    "quantity_good": {"type": "integer", "minimum": 0},
    "quantity_scrap": {"type": "integer", "minimum": 0},
    "next_status": {"type": "string", "minLength": 1}
  }
}`
	abandonSchema = `{
  "type": "object",
  "required": ["reason"],
  "properties": {
    "reason": {"enum": ["worker_choice", "expired"]}
  }
}`
)

// RegisterDefaultServices sets up the session lifecycle API
func (sr *ServiceRegistry) RegisterDefaultServices() {
	sr.RegisterHandler("POST", "/sessions", true, sr.CreateSessionHandler)
	sr.RegisterHandler("GET", "/sessions/:id", false, sr.GetSessionHandler)
	sr.RegisterHandler("GET", "/sessions/:id/timeline", false, sr.TimelineHandler)
	sr.RegisterHandler("POST", "/sessions/:id/heartbeat", false, sr.HeartbeatHandler)
	sr.RegisterHandler("POST", "/sessions/:id/transition", false, sr.TransitionHandler)
	sr.RegisterHandler("POST", "/sessions/:id/close-production", false, sr.CloseProductionHandler)
	sr.RegisterHandler("POST", "/sessions/:id/complete", false, sr.CompleteSessionHandler)
	sr.RegisterHandler("POST", "/sessions/:id/abandon", false, sr.AbandonSessionHandler)
	sr.RegisterHandler("GET", "/workers/:id/active-session", false, sr.ActiveSessionHandler)
	sr.RegisterHandler("GET", "/occupancy", true, sr.OccupancyHandler)
	sr.RegisterHandler("GET", "/statuses", true, sr.ListStatusesHandler)
	sr.RegisterHandler("GET", "/wip/:id", false, sr.WipBalanceHandler)

	schemas := []struct{ method, path, schema string }{
		{"POST", "/sessions", createSessionSchema},
		{"POST", "/sessions/:id/transition", transitionSchema},
		{"POST", "/sessions/:id/close-production", closeProductionSchema},
		{"POST", "/sessions/:id/abandon", abandonSchema},
	}
	for _, s := range schemas {
		if err := sr.RegisterSchema(s.method, s.path, s.schema); err != nil {
			panic(err)
		}
	}
}
