package control

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603

	// Implementation-defined codes use -32000 to -32099.
	ErrCodeAuthRequired = -32000
	ErrCodeAuthFailed   = -32001
	ErrCodeBusy         = -32002
	ErrCodeTimeout      = -32003
)

// Request is a JSON-RPC 2.0 request. A request without an id is a
// notification and gets no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response carrying either Result or Error.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("JSON-RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// NewRPCError creates an RPCError without data.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

// NewRPCErrorWithData creates an RPCError carrying extra context.
func NewRPCErrorWithData(code int, message string, data any) *RPCError {
	return &RPCError{Code: code, Message: message, Data: data}
}

// ParseRequest decodes and validates a JSON-RPC 2.0 request.
func ParseRequest(data []byte) (*Request, *RPCError) {
	if len(data) == 0 {
		return nil, NewRPCError(ErrCodeParseError, "empty request")
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, NewRPCErrorWithData(ErrCodeParseError, "invalid JSON", err.Error())
	}
	if req.JSONRPC != "2.0" {
		return nil, NewRPCErrorWithData(ErrCodeInvalidRequest, "invalid JSON-RPC version",
			fmt.Sprintf("expected \"2.0\", got %q", req.JSONRPC))
	}
	if req.Method == "" {
		return nil, NewRPCError(ErrCodeInvalidRequest, "missing method name")
	}
	return &req, nil
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

func newSuccessResponse(id, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

func newErrorResponse(id any, err *RPCError) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: err}
}
