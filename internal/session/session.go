// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package session implements the server-side session registry.

Sessions live in Redis under their opaque id and are additionally indexed by
principal name, so "sign out everywhere" and the credential-change cascades
can enumerate and revoke a principal's sessions without scanning the keyspace.

Attribute values cross a trust boundary when they are deserialized back from
Redis, so the codec only accepts a strict allow-list of types; anything else
is rejected at save time rather than surprising a reader later.
*/
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/taibuivan/veyra/pkg/uuid"
)

// Session is one authenticated browser/device session.
type Session struct {
	ID             string         `json:"id"`
	PrincipalName  string         `json:"principal_name"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	IPAddress      string         `json:"ip_address,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

// New creates a session for a principal with a fresh opaque id.
func New(principalName, ipAddress, userAgent string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:             uuid.Must(),
		PrincipalName:  principalName,
		CreatedAt:      now,
		LastAccessedAt: now,
		IPAddress:      ipAddress,
		UserAgent:      userAgent,
		Attributes:     make(map[string]any),
	}
}

// SetAttribute stores a session attribute after checking it against the
// codec allow-list.
func (session *Session) SetAttribute(key string, value any) error {
	if err := checkAttributeValue(key, value); err != nil {
		return err
	}
	if session.Attributes == nil {
		session.Attributes = make(map[string]any)
	}
	session.Attributes[key] = value
	return nil
}

// Attribute returns a stored attribute value, or nil when absent.
func (session *Session) Attribute(key string) any {
	return session.Attributes[key]
}

// # Codec

// checkAttributeValue enforces the serialization allow-list: strings,
// booleans, JSON numbers, timestamps, string slices, and string maps.
// Arbitrary structs and nested composites are rejected.
func checkAttributeValue(key string, value any) error {
	switch typed := value.(type) {
	case nil, string, bool, int, int32, int64, float32, float64, time.Time:
		return nil
	case []string:
		return nil
	case map[string]string:
		return nil
	case []any:
		for _, element := range typed {
			if _, ok := element.(string); !ok {
				return fmt.Errorf("session: attribute %q: slice elements must be strings", key)
			}
		}
		return nil
	default:
		return fmt.Errorf("session: attribute %q: unsupported type %T", key, value)
	}
}

// Encode serializes the session for storage, re-validating every attribute.
func Encode(session *Session) ([]byte, error) {
	for key, value := range session.Attributes {
		if err := checkAttributeValue(key, value); err != nil {
			return nil, err
		}
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("session_encode_failed: %w", err)
	}
	return payload, nil
}

// Decode deserializes a stored session. Numeric attributes come back as
// float64, per JSON semantics.
func Decode(payload []byte) (*Session, error) {
	var session Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil, fmt.Errorf("session_decode_failed: %w", err)
	}
	return &session, nil
}
