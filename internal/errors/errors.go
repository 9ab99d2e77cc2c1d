// Package errors classifies knowledge-base failures. Every error carries a
// machine-readable code (via samber/oops) and, where it matters to callers,
// wraps one of the sentinels below so errors.Is keeps working.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error. The last dotted
// segment is the reason (not_found, invalid_input, failure, timeout, ...).
type Code string

const (
	CodeStoreDocumentNotFound  Code = "store.document.not_found"
	CodeStoreWriteFailure      Code = "store.write.failure"
	CodeStoreReadFailure       Code = "store.read.failure"
	CodeStoreDocumentCorrupt   Code = "store.document.corrupt"
	CodeIndexLoadCorrupt       Code = "index.load.corrupt"
	CodeIndexPersistFailure    Code = "index.persist.failure"
	CodeIndexAddInvalidDim     Code = "index.add.invalid_dimension"
	CodeIndexAddInvalidInput   Code = "index.add.invalid_input"
	CodeIngestInputUnsupported Code = "ingest.input.unsupported"
	CodeIngestInputInvalid     Code = "ingest.input.invalid_input"
	CodeFilterParseInvalid     Code = "filter.parse.invalid_input"
	CodeProviderUpstream       Code = "provider.upstream.failure"
	CodeProviderTimeout        Code = "provider.call.timeout"
	CodeProviderResponse       Code = "provider.response.invalid"
	CodeConfigValidateInvalid  Code = "config.validate.invalid_value"
	CodeConfigLoadFailure      Code = "config.load.read.failure"
	CodeAuditWriteFailure      Code = "audit.write.failure"
	CodeServerRequestInvalid   Code = "server.request.invalid"
	CodeServerInternalFailure  Code = "server.internal.failure"
)

var (
	ErrNotFound          = stderrors.New("not found")
	ErrIndexCorrupt      = stderrors.New("index corrupt")
	ErrUnsupportedInput  = stderrors.New("unsupported input")
	ErrExternalService   = stderrors.New("external service failure")
	ErrDimensionMismatch = stderrors.New("embedding dimension mismatch")
	ErrInvalidFilter     = stderrors.New("invalid filter")
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldDocID(value string) Attr {
	return Field("doc_id", value)
}

func FieldPath(value string) Attr {
	return Field("path", value)
}

func FieldProvider(value string) Attr {
	return Field("provider", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}
	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return oops.Code(code).Wrapf(err, format, args...)
}

// Classify wraps cause (which may be nil) so that the result matches the
// sentinel under errors.Is and reports code.
func Classify(sentinel error, code Code, cause error, msg string, fields ...Attr) error {
	inner := sentinel
	if cause != nil {
		inner = fmt.Errorf("%w: %w", sentinel, cause)
	}
	return oops.Code(code).With(flatten(fields)...).Wrapf(inner, "%s", msg)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	switch code := oopsErr.Code().(type) {
	case Code:
		return code
	case string:
		return Code(code)
	case nil:
		return ""
	default:
		return Code(fmt.Sprintf("%v", code))
	}
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return stderrors.Is(err, ErrNotFound) || reason(CodeOf(err)) == "not_found"
}

func IsInvalidInput(err error) bool {
	if stderrors.Is(err, ErrInvalidFilter) || stderrors.Is(err, ErrDimensionMismatch) {
		return true
	}
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_dimension"
}

func IsUnsupported(err error) bool {
	return stderrors.Is(err, ErrUnsupportedInput) || reason(CodeOf(err)) == "unsupported"
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

func IsUpstreamFailure(err error) bool {
	if stderrors.Is(err, ErrExternalService) {
		return true
	}
	code := CodeOf(err)
	return strings.Contains(string(code), "upstream") && reason(code) == "failure"
}

// HTTPStatus maps an error to the status code the API responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsNotFound(err):
		return http.StatusNotFound
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsUnsupported(err):
		return http.StatusUnprocessableEntity
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	case IsUpstreamFailure(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}
	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
