package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/devgate/schema"
)

func decodePayload(data json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return fmt.Errorf("missing payload: %w", schema.ErrInvalidRequest)
	}
	if err := json.Unmarshal(trimmed, dst); err != nil {
		return fmt.Errorf("decode payload: %w", errors.Join(schema.ErrInvalidRequest, err))
	}
	return nil
}

func decodeString(data json.RawMessage) (string, error) {
	var value string
	if err := decodePayload(data, &value); err != nil {
		return "", err
	}
	return value, nil
}

// decodeMessage accepts the message object either inline or as a JSON-encoded string.
func decodeMessage(data json.RawMessage) (schema.MessagePayload, error) {
	var msg schema.MessagePayload
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		inner, err := decodeString(trimmed)
		if err != nil {
			return msg, err
		}
		trimmed = []byte(inner)
	}
	if err := decodePayload(trimmed, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required: %w", name, schema.ErrInvalidRequest)
	}
	return nil
}
