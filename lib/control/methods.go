package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/go-i2p/logger"
)

// RPCHandler processes one JSON-RPC method. Returning an *RPCError sends it
// to the client unchanged; any other error becomes an internal error.
type RPCHandler interface {
	Handle(ctx context.Context, params json.RawMessage) (any, error)
}

// RPCHandlerFunc adapts a function to RPCHandler.
type RPCHandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

func (f RPCHandlerFunc) Handle(ctx context.Context, params json.RawMessage) (any, error) {
	return f(ctx, params)
}

// MethodRegistry maps method names to handlers.
type MethodRegistry struct {
	mu       sync.RWMutex
	handlers map[string]RPCHandler
}

func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{handlers: make(map[string]RPCHandler)}
}

// Register adds or replaces the handler for method.
func (mr *MethodRegistry) Register(method string, handler RPCHandler) {
	mr.mu.Lock()
	mr.handlers[method] = handler
	mr.mu.Unlock()
	log.WithField("method", method).Debug("registered RPC method")
}

// ListMethods returns the registered method names in sorted order.
func (mr *MethodRegistry) ListMethods() []string {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return slices.Sorted(maps.Keys(mr.handlers))
}

// Dispatch invokes the handler registered for method.
func (mr *MethodRegistry) Dispatch(ctx context.Context, method string, params json.RawMessage) (any, *RPCError) {
	mr.mu.RLock()
	handler, ok := mr.handlers[method]
	mr.mu.RUnlock()
	if !ok {
		log.WithFields(logger.Fields{
			"at":     "(MethodRegistry) Dispatch",
			"method": method,
			"reason": "method_not_found",
		}).Warn("attempted to call unregistered method")
		return nil, NewRPCError(ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", method))
	}

	result, err := handler.Handle(ctx, params)
	if err == nil {
		return result, nil
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return nil, rpcErr
	}
	log.WithError(err).WithFields(logger.Fields{
		"at":     "(MethodRegistry) Dispatch",
		"method": method,
	}).Error("method handler returned error")
	return nil, NewRPCErrorWithData(ErrCodeInternalError, "internal error", err.Error())
}

// HandleParsedRequest dispatches req and builds its response. Notifications
// are dispatched but yield a nil response.
func (mr *MethodRegistry) HandleParsedRequest(ctx context.Context, req *Request) *Response {
	result, rpcErr := mr.Dispatch(ctx, req.Method, req.Params)
	if req.IsNotification() {
		return nil
	}
	if rpcErr != nil {
		return newErrorResponse(req.ID, rpcErr)
	}
	return newSuccessResponse(req.ID, result)
}
