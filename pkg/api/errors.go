package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Code is the machine readable failure class carried by every Problem.
type Code string

const (
	CodeValidation              Code = "validation_error"
	CodeModelNotFound           Code = "model_not_found"
	CodeUnsupportedModel        Code = "unsupported_model"
	CodeCapabilityNotSupported  Code = "capability_not_supported"
	CodeInputTooLarge           Code = "input_too_large"
	CodeOutputCapExceeded       Code = "output_cap_exceeded"
	CodeRateLimitExceeded       Code = "rate_limit_exceeded"
	CodeUpstreamUnavailable     Code = "upstream_unavailable"
	CodeUpstreamRejected        Code = "upstream_rejected"
	CodeAllCredentialsExhausted Code = "all_credentials_exhausted"
	CodeStreamInterrupted       Code = "stream_interrupted"
	CodeUnauthorized            Code = "unauthorized"
	CodeNotFound                Code = "not_found"
	CodeInternal                Code = "internal_error"
)

// Sentinels for errors.Is. Matching is by Code, so any Problem built by the
// constructors below satisfies errors.Is against the sentinel of its class.
var (
	ErrValidation              = &Problem{Code: CodeValidation}
	ErrModelNotFound           = &Problem{Code: CodeModelNotFound}
	ErrUnsupportedModel        = &Problem{Code: CodeUnsupportedModel}
	ErrCapabilityNotSupported  = &Problem{Code: CodeCapabilityNotSupported}
	ErrInputTooLarge           = &Problem{Code: CodeInputTooLarge}
	ErrOutputCapExceeded       = &Problem{Code: CodeOutputCapExceeded}
	ErrRateLimitExceeded       = &Problem{Code: CodeRateLimitExceeded}
	ErrUpstreamUnavailable     = &Problem{Code: CodeUpstreamUnavailable}
	ErrUpstreamRejected        = &Problem{Code: CodeUpstreamRejected}
	ErrAllCredentialsExhausted = &Problem{Code: CodeAllCredentialsExhausted}
	ErrStreamInterrupted       = &Problem{Code: CodeStreamInterrupted}
	ErrUnauthorized            = &Problem{Code: CodeUnauthorized}
)

// Problem implements RFC 9457
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Code     Code   `json:"code,omitempty"`

	Extensions map[string]interface{} `json:"-"`

	Log error `json:"-"`
}

func (p *Problem) Error() string {
	return fmt.Sprintf("[%d] %s: %s", p.Status, p.Title, p.Detail)
}

// Is reports whether target is a Problem of the same Code.
func (p *Problem) Is(target error) bool {
	t, ok := target.(*Problem)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == p.Code
}

// Unwrap exposes the internal cause.
func (p *Problem) Unwrap() error {
	return p.Log
}

func (p *Problem) MarshalJSON() ([]byte, error) {
	type Alias Problem

	data := make(map[string]interface{})

	for k, v := range p.Extensions {
		data[k] = v
	}

	stdJSON, err := json.Marshal(Alias(*p))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stdJSON, &data); err != nil {
		return nil, err
	}

	return json.Marshal(data)
}

type ProblemOption func(*Problem)

// NewError creates a generic Problem
func NewError(status int, title, detail string, opts ...ProblemOption) *Problem {
	p := &Problem{
		Type:       "about:blank",
		Title:      title,
		Status:     status,
		Detail:     detail,
		Extensions: make(map[string]interface{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// WithExtension adds a custom key-value pair to the response
func WithExtension(key string, value interface{}) ProblemOption {
	return func(p *Problem) {
		p.Extensions[key] = value
	}
}

// WithLog attaches an internal error for server-side logging
func WithLog(err error) ProblemOption {
	return func(p *Problem) {
		p.Log = err
	}
}

// WithType sets the RFC "type" URI
func WithType(uri string) ProblemOption {
	return func(p *Problem) {
		p.Type = uri
	}
}

// WithCode sets the failure class.
func WithCode(code Code) ProblemOption {
	return func(p *Problem) {
		p.Code = code
	}
}

// ValidationError creates a rich validation error
func ValidationError(validationErrors map[string]string) *Problem {
	return NewError(
		http.StatusBadRequest,
		"Validation Error",
		"One or more fields failed validation",
		WithCode(CodeValidation),
		WithExtension("errors", validationErrors),
	)
}

// BadRequestError creates a standard error for a bad request
func BadRequestError(detail string, opts ...ProblemOption) *Problem {
	return NewError(http.StatusBadRequest, "Bad Request", detail, append([]ProblemOption{WithCode(CodeValidation)}, opts...)...)
}

func ModelNotFound(model string) *Problem {
	return NewError(http.StatusNotFound, "Model Not Found",
		fmt.Sprintf("model '%s' does not exist", model),
		WithCode(CodeModelNotFound),
		WithExtension("model", model),
	)
}

func UnsupportedModel(provider, model string) *Problem {
	return NewError(http.StatusBadRequest, "Unsupported Model",
		fmt.Sprintf("provider '%s' does not serve model '%s'", provider, model),
		WithCode(CodeUnsupportedModel),
		WithExtension("model", model),
	)
}

func CapabilityNotSupported(provider, capability string) *Problem {
	return NewError(http.StatusBadRequest, "Capability Not Supported",
		fmt.Sprintf("provider '%s' does not support %s", provider, capability),
		WithCode(CodeCapabilityNotSupported),
	)
}

func InputTooLarge(tokens, limit int) *Problem {
	return NewError(http.StatusBadRequest, "Input Too Large",
		fmt.Sprintf("input is %d tokens, the model accepts at most %d", tokens, limit),
		WithCode(CodeInputTooLarge),
		WithExtension("input_tokens", tokens),
		WithExtension("max_input_tokens", limit),
	)
}

func OutputCapExceeded(requested, limit int) *Problem {
	return NewError(http.StatusBadRequest, "Output Cap Exceeded",
		fmt.Sprintf("max_tokens %d exceeds the model limit of %d", requested, limit),
		WithCode(CodeOutputCapExceeded),
		WithExtension("max_tokens", requested),
		WithExtension("max_output_tokens", limit),
	)
}

func RateLimitExceeded(class string, limit int64, retryAfterSeconds int) *Problem {
	return NewError(http.StatusTooManyRequests, "Rate Limit Exceeded",
		fmt.Sprintf("%s limit of %d requests reached, retry in %ds", class, limit, retryAfterSeconds),
		WithCode(CodeRateLimitExceeded),
		WithExtension("limit_class", class),
		WithExtension("retry_after", retryAfterSeconds),
	)
}

func UpstreamUnavailable(provider string, err error) *Problem {
	return NewError(http.StatusBadGateway, "Upstream Unavailable",
		fmt.Sprintf("provider '%s' could not be reached", provider),
		WithCode(CodeUpstreamUnavailable),
		WithExtension("provider", provider),
		WithLog(err),
	)
}

// UpstreamRejected keeps the upstream status when it is an HTTP error status.
func UpstreamRejected(provider string, status int, detail string, opts ...ProblemOption) *Problem {
	if status < 400 || status > 599 {
		status = http.StatusBadGateway
	}
	base := []ProblemOption{
		WithCode(CodeUpstreamRejected),
		WithExtension("provider", provider),
	}
	return NewError(status, "Upstream Provider Error", detail, append(base, opts...)...)
}

func AllCredentialsExhausted(provider string, attempts int, last error) *Problem {
	return NewError(http.StatusServiceUnavailable, "All Credentials Exhausted",
		fmt.Sprintf("provider '%s' failed on every configured credential", provider),
		WithCode(CodeAllCredentialsExhausted),
		WithExtension("provider", provider),
		WithExtension("attempts", attempts),
		WithLog(last),
	)
}

func StreamInterrupted(provider string, err error) *Problem {
	return NewError(http.StatusBadGateway, "Stream Interrupted",
		"the upstream connection ended before the response completed",
		WithCode(CodeStreamInterrupted),
		WithExtension("provider", provider),
		WithLog(err),
	)
}

func UnauthorizedError(detail string) *Problem {
	return NewError(http.StatusUnauthorized, "Unauthorized", detail, WithCode(CodeUnauthorized))
}

func NotFoundError(detail string) *Problem {
	return NewError(http.StatusNotFound, "Not Found", detail, WithCode(CodeNotFound))
}

// InternalError hides the cause from the client and keeps it for logging.
func InternalError(detail string, err error) *Problem {
	return NewError(http.StatusInternalServerError, "Internal Server Error", detail,
		WithCode(CodeInternal),
		WithLog(err),
	)
}

// AsProblem returns the Problem in err's chain, if any.
func AsProblem(err error) (*Problem, bool) {
	var p *Problem
	if errors.As(err, &p) {
		return p, true
	}
	return nil, false
}
