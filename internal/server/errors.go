// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/sqlwarden/sqlwarden/internal/logging"
	"github.com/sqlwarden/sqlwarden/internal/telemetry"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// ErrorBody is the JSON envelope of every error response.
type ErrorBody struct {
	Status    string `json:"status" example:"error"`
	ErrorCode string `json:"error_code" example:"prompt.payload.invalid_input"`
	Message   string `json:"message" doc:"Message safe to show an end user"`
	TraceID   string `json:"trace_id,omitempty" doc:"Correlation id of the failed request"`

	status int
}

func (e *ErrorBody) Error() string  { return e.Message }
func (e *ErrorBody) GetStatus() int { return e.status }

func newErrorBody(status int, code wardenerr.Code, msg, traceID string) *ErrorBody {
	return &ErrorBody{
		Status:    "error",
		ErrorCode: string(code),
		Message:   msg,
		TraceID:   traceID,
		status:    status,
	}
}

// apiError logs err with its full chain and returns the public envelope.
func apiError(ctx context.Context, err error) *ErrorBody {
	status := wardenerr.HTTPStatus(err)
	code := wardenerr.CodeOf(err)
	if code == "" {
		code = wardenerr.CodeServerInternalFailure
	}
	traceID, _ := telemetry.TraceIDs(ctx)

	ev := logging.Ctx(ctx).Warn()
	if status >= http.StatusInternalServerError {
		ev = logging.Ctx(ctx).Error()
	}
	ev.Err(err).Str("error_code", string(code)).Int("status", status).Msg("request failed")

	return newErrorBody(status, code, wardenerr.PublicMessage(err, ""), traceID)
}

// writeError writes the envelope from plain middleware that runs outside huma.
func writeError(w http.ResponseWriter, r *http.Request, status int, code wardenerr.Code, msg string) {
	traceID, _ := telemetry.TraceIDs(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(newErrorBody(status, code, msg, traceID)); err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Msg("failed to write error response")
	}
}

var errorFormatOnce sync.Once

// installErrorFormat makes huma's own errors (body validation, panics in
// handlers) use the same envelope as ours.
func installErrorFormat() {
	errorFormatOnce.Do(func() {
		huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
			if status >= http.StatusInternalServerError {
				return newErrorBody(status, wardenerr.CodeServerInternalFailure, wardenerr.MessageInternal, "")
			}
			details := make([]string, 0, len(errs))
			for _, err := range errs {
				if err != nil {
					details = append(details, err.Error())
				}
			}
			if len(details) > 0 {
				msg += ": " + strings.Join(details, "; ")
			}
			code := wardenerr.CodeServerRequestInvalid
			if status == http.StatusNotFound {
				code = wardenerr.CodeServerEntityNotFound
			}
			return newErrorBody(status, code, msg, "")
		}
	})
}
