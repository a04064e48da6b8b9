package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Environment is a named set of call settings that can be applied to any method.
type Environment struct {
	Name        string       `json:"name"`
	Address     string       `json:"url"`
	Metadata    string       `json:"metadata"` // JSON object text, as typed by the operator
	Interactive bool         `json:"interactive"`
	Web         bool         `json:"grpcWeb"`
	TLS         *TLSSettings `json:"tlsCertificate,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty"` // Zero means the configured default
}

// Connection returns the connection settings described by the environment.
func (e Environment) Connection() Connection {
	return Connection{
		Address: e.Address,
		Web:     e.Web,
		Timeout: e.Timeout,
		TLS:     e.TLS,
	}
}

// ParseMetadata decodes operator supplied metadata text into header pairs.
// The text must be empty or a JSON object. String values are used as is;
// any other value is sent in its JSON encoding. Keys are lower-cased since
// transport metadata keys are case-insensitive.
func ParseMetadata(text string) (map[string]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("metadata must be a JSON object: %w", err)
	}

	md := make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			md[strings.ToLower(k)] = s
			continue
		}
		md[strings.ToLower(k)] = string(v)
	}
	return md, nil
}
