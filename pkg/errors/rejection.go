// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package errors

import "strings"

// Rejection is the structured outcome of a guard that refused an input. It is
// returned to the caller as data and never escapes to the end user as a
// server fault.
type Rejection struct {
	Kind          Kind     `json:"kind"`
	Code          Code     `json:"code"`
	Reason        string   `json:"reason"`
	InvalidTables []string `json:"invalid_tables,omitempty"`
}

// Message renders the rejection as the text fed back to the model or user,
// e.g. "SQL blocked: referenced tables not allowed (x, y)".
func (r *Rejection) Message() string {
	if r == nil {
		return ""
	}
	msg := "SQL blocked: " + r.Reason
	if len(r.InvalidTables) > 0 {
		msg += " (" + strings.Join(r.InvalidTables, ", ") + ")"
	}
	return msg
}

// Err converts the rejection to a coded validation error.
func (r *Rejection) Err() error {
	if r == nil {
		return nil
	}
	fields := []Attr{}
	if len(r.InvalidTables) > 0 {
		fields = append(fields, Field("invalid_tables", r.InvalidTables))
	}
	return New(r.Code, r.Message(), fields...)
}

// RejectionOf turns a validation error into a Rejection. Errors of any other
// kind yield nil so callers can propagate them unchanged.
func RejectionOf(err error) *Rejection {
	if err == nil || KindOf(err) != KindValidation {
		return nil
	}
	rej := &Rejection{
		Kind:   KindValidation,
		Code:   CodeOf(err),
		Reason: err.Error(),
	}
	if tables, ok := FieldsOf(err)["invalid_tables"].([]string); ok {
		rej.InvalidTables = tables
	}
	return rej
}
