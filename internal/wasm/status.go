package wasm

import (
	"errors"

	"github.com/goccy/go-json"

	abi "github.com/woxQAQ/docbridge/api/wasm"
	"github.com/woxQAQ/docbridge/pkg/protocol"
)

// mapStatus turns a non-zero status and its payload into a host error.
func mapStatus(functionName string, status int32, payload []byte) error {
	if status == abi.StatusOK {
		return nil
	}

	var p protocol.ErrorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return &MalformedErrorPayloadError{
			FunctionName: functionName,
			Status:       status,
			Payload:      payload,
			Err:          err,
		}
	}

	if p.Kind == "" {
		return &MalformedErrorPayloadError{
			FunctionName: functionName,
			Status:       status,
			Payload:      payload,
			Err:          errors.New("error kind is empty"),
		}
	}

	return &CoreError{
		Kind:    p.Kind,
		Message: p.Message,
		Span:    p.Span,
		Status:  status,
	}
}
