package terminology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Service answers code membership questions for systems that cannot be
// evaluated locally, e.g. SNOMED CT or LOINC.
type Service interface {
	ValidateCode(ctx context.Context, req Request) (Response, error)
}

// Request is one $validate-code question. ValueSet may be empty, in which
// case only the code's existence in System is asked. The display is never
// sent: servers may answer false for a wrong display alone, and a display
// mismatch must not make a code invalid.
type Request struct {
	Code     string
	System   string
	ValueSet string
}

// Response is a Service answer. Validated false means the service could not
// reach an authoritative answer; Result is then meaningless.
type Response struct {
	Validated bool
	Result    bool
	Message   string
	Display   string
}

// ErrUnavailable matches every transport or server failure of HTTPService.
var ErrUnavailable = errors.New("terminology service unavailable")

// ServiceError describes a failed $validate-code call.
type ServiceError struct {
	URL        string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *ServiceError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("validate-code %s: timed out", e.URL)
	case e.StatusCode != 0:
		return fmt.Sprintf("validate-code %s: HTTP %d", e.URL, e.StatusCode)
	default:
		return fmt.Sprintf("validate-code %s: %v", e.URL, e.Err)
	}
}

func (e *ServiceError) Unwrap() error { return e.Err }

func (e *ServiceError) Is(target error) bool {
	return target == ErrUnavailable || (e.Timeout && target == context.DeadlineExceeded)
}

// DefaultServiceTimeout bounds one $validate-code call.
const DefaultServiceTimeout = 10 * time.Second

// HTTPService calls the FHIR $validate-code operation of a terminology
// server.
type HTTPService struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// HTTPOption configures an HTTPService.
type HTTPOption func(*HTTPService)

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPService) { s.client = c }
}

// WithServiceTimeout bounds each call.
func WithServiceTimeout(d time.Duration) HTTPOption {
	return func(s *HTTPService) { s.timeout = d }
}

// NewHTTPService creates a client for the server at baseURL, e.g.
// "https://tx.fhir.org/r4".
func NewHTTPService(baseURL string, opts ...HTTPOption) *HTTPService {
	s := &HTTPService{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
		timeout: DefaultServiceTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type parameters struct {
	ResourceType string `json:"resourceType"`
	Parameter    []struct {
		Name         string `json:"name"`
		ValueBoolean *bool  `json:"valueBoolean,omitempty"`
		ValueString  string `json:"valueString,omitempty"`
	} `json:"parameter"`
}

// ValidateCode asks the server about req. A 4xx answer means the server
// does not know the value set or system and yields Validated false without
// an error. Transport failures and 5xx answers are returned as
// *ServiceError.
func (s *HTTPService) ValidateCode(ctx context.Context, req Request) (Response, error) {
	endpoint := s.endpoint(req)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return Response{}, &ServiceError{URL: endpoint, Err: err}
	}
	httpReq.Header.Set("Accept", "application/fhir+json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Response{}, &ServiceError{URL: endpoint, Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return Response{}, &ServiceError{URL: endpoint, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Response{Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}, nil
	}

	var params parameters
	if err := json.NewDecoder(resp.Body).Decode(&params); err != nil {
		return Response{}, &ServiceError{URL: endpoint, Err: fmt.Errorf("decode Parameters: %w", err)}
	}
	return params.response(), nil
}

func (s *HTTPService) endpoint(req Request) string {
	q := url.Values{}
	resource := "ValueSet"
	if req.ValueSet != "" {
		q.Set("url", req.ValueSet)
		if req.System != "" {
			q.Set("system", req.System)
		}
	} else {
		resource = "CodeSystem"
		q.Set("url", req.System)
	}
	q.Set("code", req.Code)
	return s.baseURL + "/" + resource + "/$validate-code?" + q.Encode()
}

func (p *parameters) response() Response {
	var out Response
	for _, param := range p.Parameter {
		switch param.Name {
		case "result":
			if param.ValueBoolean != nil {
				out.Validated = true
				out.Result = *param.ValueBoolean
			}
		case "message":
			out.Message = param.ValueString
		case "display":
			out.Display = param.ValueString
		}
	}
	return out
}
