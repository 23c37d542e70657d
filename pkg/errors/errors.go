// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigParseInvalidFormat   Code = "config.parse.invalid_format"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"
	CodeConfigProviderUnsupported  Code = "config.provider.unsupported"

	CodeBreakerCallOpen Code = "breaker.call.open"

	CodeSQLValidateInvalid     Code = "sql.validate.invalid"
	CodeSQLAllowListInvalid    Code = "sql.allowlist.invalid"
	CodeSQLAllowListLookup     Code = "sql.allowlist.lookup.failure"
	CodeSQLQueryTimeout        Code = "sql.query.timeout"
	CodeSQLQueryInvalid        Code = "sql.query.invalid"
	CodeSQLUpstreamFailure     Code = "sql.upstream.failure"
	CodeSQLDriverUnsupported   Code = "sql.driver.unsupported"
	CodeSQLResultScanFailure   Code = "sql.result.scan.failure"
	CodeSQLRunnerNotConfigured Code = "sql.runner.unavailable"

	CodePromptFilterInvalid    Code = "prompt.filter.invalid"
	CodePromptPayloadInvalid   Code = "prompt.payload.invalid_input"
	CodePromptContextLoadError Code = "prompt.context.load.failure"

	CodeLLMRequestInvalid    Code = "llm.request.invalid"
	CodeLLMCallTimeout       Code = "llm.call.timeout"
	CodeLLMUpstreamFailure   Code = "llm.upstream.failure"
	CodeLLMResponseMalformed Code = "llm.response.malformed"
	CodeLLMProviderNotFound  Code = "llm.registry.not_found"

	CodePipelineCacheFailure Code = "pipeline.cache.failure"

	CodeAgentLoopInvalidInput   Code = "agent.loop.invalid_input"
	CodeAgentLoopFailure        Code = "agent.loop.failure"
	CodeAgentToolBudgetExceeded Code = "agent.tool.budget_exceeded"

	CodeServerRequestInvalid  Code = "server.request.invalid"
	CodeServerRateExceeded    Code = "server.rate.exceeded"
	CodeServerPayloadTooLarge Code = "server.payload.too_large"
	CodeServerInternalFailure Code = "server.internal.failure"
	CodeServerEntityNotFound  Code = "server.entity.not_found"
	CodeServerUnavailable     Code = "server.service.unavailable"
	CodeServerConfigInvalid   Code = "server.config.invalid"
	CodeServerStartFailure    Code = "server.start.failure"
	CodeServerShutdownFailure Code = "server.shutdown.failure"

	CodeSecretInvalidInput   Code = "secret.input.invalid_input"
	CodeSecretNotFound       Code = "secret.store.not_found"
	CodeSecretStoreFailure   Code = "secret.store.failure"
	CodeSecretDeleteFailure  Code = "secret.delete.failure"
	CodeSecretListFailure    Code = "secret.list.failure"
	CodeSecretResolveFailure Code = "secret.resolve.failure"

	CodeCLIServerNotRunning Code = "cli.server.not_running"
	CodeCLIRequestFailure   Code = "cli.request.failure"
	CodeCLIResponseInvalid  Code = "cli.response.invalid"
	CodeCLISetupFailure     Code = "cli.setup.failure"
	CodeCLIInputInvalid     Code = "cli.input.invalid"
)

// Kind is the coarse error class that decides whether an error is recovered
// locally, retried, fails fast or aborts startup.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindBreakerOpen Kind = "breaker_open"
	KindTransport   Kind = "transport"
	KindTimeout     Kind = "timeout"
	KindFatal       Kind = "fatal"
	KindInternal    Kind = "internal"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// FieldValue creates a structured error field.
func FieldValue(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

// Field is kept as the primary helper for terse callsites.
func Field(key string, value any) Attr {
	return FieldValue(key, value)
}

func FieldRequestID(value string) Attr {
	return Field("request_id", value)
}

func FieldConversationID(value string) Attr {
	return Field("conversation_id", value)
}

func FieldResource(value string) Attr {
	return Field("resource", value)
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

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeServerInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
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
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

func IsBudgetExceeded(err error) bool {
	r := reason(CodeOf(err))
	return r == "exceeded" || r == "budget_exceeded"
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

func IsBreakerOpen(err error) bool {
	return reason(CodeOf(err)) == "open"
}

func IsUpstreamFailure(err error) bool {
	code := CodeOf(err)
	return strings.Contains(string(code), "upstream") && reason(code) == "failure"
}

// KindOf classifies err. Configuration and unsupported-provider errors are
// fatal; everything without a recognised code is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	code := CodeOf(err)
	switch {
	case code == "":
		return KindInternal
	case strings.HasPrefix(string(code), "config."), reason(code) == "unsupported":
		return KindFatal
	case IsBreakerOpen(err):
		return KindBreakerOpen
	case IsTimeout(err):
		return KindTimeout
	case IsUpstreamFailure(err), reason(code) == "malformed", reason(code) == "unavailable":
		return KindTransport
	case IsInvalidInput(err), IsBudgetExceeded(err), reason(code) == "too_large":
		return KindValidation
	default:
		return KindInternal
	}
}

// Retryable reports whether a failed attempt may be tried again.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindBreakerOpen, KindFatal:
		return false
	default:
		return true
	}
}

func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case reason(CodeOf(err)) == "too_large":
		return http.StatusRequestEntityTooLarge
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsBudgetExceeded(err):
		return http.StatusTooManyRequests
	case IsBreakerOpen(err), reason(CodeOf(err)) == "unavailable":
		return http.StatusServiceUnavailable
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	case IsUpstreamFailure(err), reason(CodeOf(err)) == "malformed":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Messages shown to end users when the underlying error must stay internal.
const (
	MessageInternal    = "An internal error occurred."
	MessageUnavailable = "The service is temporarily unavailable. Please retry shortly."
	MessageTimeout     = "The request timed out. Please retry."
)

// PublicMessage returns the text safe to show an end user. Validation errors
// are returned verbatim; all other kinds are reduced to a generic message
// carrying the correlation id so operators can find the full log record.
func PublicMessage(err error, traceID string) string {
	if err == nil {
		return ""
	}

	var msg string
	switch KindOf(err) {
	case KindValidation:
		return err.Error()
	case KindBreakerOpen, KindTransport:
		msg = MessageUnavailable
	case KindTimeout:
		msg = MessageTimeout
	default:
		msg = MessageInternal
	}
	if traceID == "" {
		return msg
	}
	return msg + " (trace_id: " + traceID + ")"
}

func Join(errs ...error) error {
	return oops.Code(CodeServerInternalFailure).Wrap(stderrors.Join(errs...))
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
