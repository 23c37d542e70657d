// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package scanner

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// Limits applied to inbound chat payloads.
const (
	MaxMetadataItems    = 20
	MaxMetadataKeyLen   = 50
	MaxMetadataValueLen = 500
	MaxIDLength         = 64
)

var safeIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// ChatPayload is the inbound chat request body. Message is a pointer so a
// missing field can be told apart from an empty one.
type ChatPayload struct {
	Message        *string        `json:"message"`
	ConversationID string         `json:"conversation_id,omitempty"`
	RequestID      string         `json:"request_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ChatInput is a validated and sanitized ChatPayload.
type ChatInput struct {
	Message        string
	ConversationID string
	RequestID      string
	Metadata       map[string]any
}

// ValidatePayload checks and sanitizes an inbound chat payload. maxLen caps
// the sanitized message; 0 means DefaultMaxMessageLength.
func ValidatePayload(p ChatPayload, maxLen int) (ChatInput, error) {
	if maxLen <= 0 {
		maxLen = DefaultMaxMessageLength
	}
	if p.Message == nil {
		return ChatInput{}, invalid("message is required")
	}

	msg := Sanitize(*p.Message)
	if msg == "" {
		return ChatInput{}, invalid("message cannot be empty")
	}
	if utf8.RuneCountInString(msg) > maxLen {
		return ChatInput{}, invalid(fmt.Sprintf("message exceeds %d characters", maxLen))
	}

	convID, err := validateID(p.ConversationID, "conversation_id")
	if err != nil {
		return ChatInput{}, err
	}
	reqID, err := validateID(p.RequestID, "request_id")
	if err != nil {
		return ChatInput{}, err
	}
	meta, err := validateMetadata(p.Metadata)
	if err != nil {
		return ChatInput{}, err
	}

	return ChatInput{Message: msg, ConversationID: convID, RequestID: reqID, Metadata: meta}, nil
}

func validateID(value, field string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", nil
	}
	if len(v) > MaxIDLength || !safeIDPattern.MatchString(v) {
		return "", invalid(field + " contains invalid characters")
	}
	return v, nil
}

func validateMetadata(meta map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(meta))
	if len(meta) > MaxMetadataItems {
		return nil, invalid("metadata has too many fields")
	}
	for rawKey, rawValue := range meta {
		key := Sanitize(rawKey)
		if key == "" {
			return nil, invalid("metadata keys cannot be empty")
		}
		if utf8.RuneCountInString(key) > MaxMetadataKeyLen {
			return nil, invalid("metadata key is too long")
		}

		switch v := rawValue.(type) {
		case string:
			s := Sanitize(v)
			if utf8.RuneCountInString(s) > MaxMetadataValueLen {
				return nil, invalid("metadata value is too long")
			}
			out[key] = s
		case nil, bool, float64, float32, int, int64, json.Number:
			out[key] = v
		default:
			return nil, invalid("metadata values must be strings or numbers")
		}
	}
	return out, nil
}

func invalid(msg string) error {
	return wardenerr.New(wardenerr.CodePromptPayloadInvalid, msg)
}
