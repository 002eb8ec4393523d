// Package testutil provides the HTTP client, containers and OpenAPI checks
// shared by the integration suite.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
)

const maxReportedBody = 200

// OpenAPIValidator checks API traffic against the OpenAPI document.
// Operations that do not produce JSON (probes, QR images, live streams)
// are matched but never body-validated.
type OpenAPIValidator struct {
	doc    *openapi3.T
	router routers.Router
}

// NewOpenAPIValidator loads the document at specPath or fails the test.
func NewOpenAPIValidator(t *testing.T, specPath string) *OpenAPIValidator {
	t.Helper()

	v, err := LoadOpenAPIValidator(specPath)
	if err != nil {
		t.Fatalf("load OpenAPI validator: %v", err)
	}
	return v
}

// LoadOpenAPIValidator loads and validates the document. Use this in
// TestMain where *testing.T is not available.
func LoadOpenAPIValidator(specPath string) (*OpenAPIValidator, error) {
	loader := openapi3.NewLoader()

	doc, err := loader.LoadFromFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("load OpenAPI spec from %s: %w", specPath, err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("validate OpenAPI spec: %w", err)
	}

	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("create OpenAPI router: %w", err)
	}

	return &OpenAPIValidator{doc: doc, router: router}, nil
}

// Route resolves a method and server-relative path to its documented
// operation.
func (v *OpenAPIValidator) Route(method, path string) (*routers.Route, map[string]string, error) {
	req, err := http.NewRequest(method, path, nil)
	if err != nil {
		return nil, nil, err
	}
	return v.router.FindRoute(req)
}

// CheckRequest validates the request parameters and body. Security
// requirements are not evaluated; the server enforces those.
func (v *OpenAPIValidator) CheckRequest(req *http.Request, body []byte) error {
	route, params, err := v.Route(req.Method, req.URL.Path)
	if err != nil {
		return fmt.Errorf("no documented route for %s %s: %w", req.Method, req.URL.Path, err)
	}

	clone := req.Clone(context.Background())
	clone.Body = io.NopCloser(bytes.NewReader(body))

	return openapi3filter.ValidateRequest(context.Background(), &openapi3filter.RequestValidationInput{
		Request:    clone,
		PathParams: params,
		Route:      route,
		Options: &openapi3filter.Options{
			MultiError:         true,
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		},
	})
}

// CheckResponse validates status, headers and body of a response to req.
func (v *OpenAPIValidator) CheckResponse(req *http.Request, status int, header http.Header, body []byte) error {
	route, params, err := v.Route(req.Method, req.URL.Path)
	if err != nil {
		return fmt.Errorf("no documented route for %s %s: %w", req.Method, req.URL.Path, err)
	}
	if !producesJSON(route.Operation, status) {
		return nil
	}

	return openapi3filter.ValidateResponse(context.Background(), &openapi3filter.ResponseValidationInput{
		RequestValidationInput: &openapi3filter.RequestValidationInput{
			Request:    req,
			PathParams: params,
			Route:      route,
		},
		Status: status,
		Header: header,
		Body:   io.NopCloser(bytes.NewReader(body)),
		Options: &openapi3filter.Options{
			MultiError:            true,
			IncludeResponseStatus: true,
		},
	})
}

// ValidateRequest reports request validation failures on t.
func (v *OpenAPIValidator) ValidateRequest(t *testing.T, req *http.Request, body []byte) {
	t.Helper()
	if err := v.CheckRequest(req, body); err != nil {
		t.Errorf("OpenAPI request validation failed for %s %s:\n%s", req.Method, req.URL.Path, err)
	}
}

// ValidateResponse reports response validation failures on t. The body is
// read and put back so callers can still decode it.
func (v *OpenAPIValidator) ValidateResponse(t *testing.T, req *http.Request, resp *http.Response) {
	t.Helper()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Errorf("read response body: %v", err)
		return
	}
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	if err := v.CheckResponse(req, resp.StatusCode, resp.Header, body); err != nil {
		t.Errorf("OpenAPI response validation failed for %s %s (status %d):\n%s\nResponse body: %s",
			req.Method, req.URL.Path, resp.StatusCode, err, truncate(body))
	}
}

// producesJSON reports whether the documented response for status has a
// JSON body. Undocumented statuses are left to the validator to reject.
func producesJSON(op *openapi3.Operation, status int) bool {
	if op == nil || op.Responses == nil {
		return true
	}
	ref := op.Responses.Status(status)
	if ref == nil {
		ref = op.Responses.Default()
	}
	if ref == nil || ref.Value == nil {
		return true
	}
	if len(ref.Value.Content) == 0 {
		return false
	}
	return ref.Value.Content.Get("application/json") != nil
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxReportedBody {
		return s[:maxReportedBody] + "..."
	}
	return s
}
