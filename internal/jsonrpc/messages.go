// Package jsonrpc holds the JSON-RPC 2.0 envelopes exchanged with the
// visualization gateway over the bus.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	ErrorCodeParseError     ErrorCode = -32700
	ErrorCodeInvalidRequest ErrorCode = -32600
	ErrorCodeMethodNotFound ErrorCode = -32601
	ErrorCodeInvalidParams  ErrorCode = -32602
	ErrorCodeInternalError  ErrorCode = -32603
	// ErrorCodeRejected is returned by a peer that understood the request
	// and declined it.
	ErrorCodeRejected ErrorCode = -32000
)

// RequestID is a request id. Numeric ids from peers are kept in their
// decimal form so they compare equal to the ids we allocate.
type RequestID string

// UnmarshalJSON accepts strings and numbers.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = RequestID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		if _, err := strconv.ParseFloat(n.String(), 64); err == nil {
			*id = RequestID(n.String())
			return nil
		}
	}
	return fmt.Errorf("JSON-RPC ID must be a string or number, got: %s", string(data))
}

// Request is a request, or a notification when ID is empty.
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             RequestID       `json:"id,omitempty"`
}

// NewRequest builds a request carrying params marshalled as JSON.
func NewRequest(id RequestID, method string, params any) (*Request, error) {
	req := &Request{JSONRPCVersion: ProtocolVersion, Method: method, ID: id}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = b
	}
	return req, nil
}

// Response answers the request with the same ID.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             RequestID       `json:"id"`
}

// NewResultResponse builds a successful response.
func NewResultResponse(id RequestID, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{JSONRPCVersion: ProtocolVersion, Result: b, ID: id}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id RequestID, code ErrorCode, message string) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error:          &Error{Code: code, Message: message},
		ID:             id,
	}
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

var errMixedMessage = errors.New("message mixes request and response fields")

// Message is any inbound envelope.
type Message struct {
	Request  *Request
	Response *Response
}

// UnmarshalJSON validates the envelope and sorts it into a request or a
// response.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		JSONRPCVersion string          `json:"jsonrpc"`
		Method         string          `json:"method,omitempty"`
		Params         json.RawMessage `json:"params,omitempty"`
		Result         json.RawMessage `json:"result,omitempty"`
		Error          *Error          `json:"error,omitempty"`
		ID             RequestID       `json:"id,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if raw.JSONRPCVersion != ProtocolVersion {
		return fmt.Errorf("invalid JSON-RPC version: expected %q, got %q", ProtocolVersion, raw.JSONRPCVersion)
	}

	hasResult := len(raw.Result) > 0
	hasError := raw.Error != nil
	if raw.Method != "" {
		if hasResult || hasError {
			return errMixedMessage
		}
		m.Request = &Request{JSONRPCVersion: raw.JSONRPCVersion, Method: raw.Method, Params: raw.Params, ID: raw.ID}
		m.Response = nil
		return nil
	}
	if hasResult == hasError {
		return fmt.Errorf("response message must have exactly one of result or error")
	}
	if raw.ID == "" {
		return fmt.Errorf("response message has no id")
	}
	m.Response = &Response{JSONRPCVersion: raw.JSONRPCVersion, Result: raw.Result, Error: raw.Error, ID: raw.ID}
	m.Request = nil
	return nil
}
