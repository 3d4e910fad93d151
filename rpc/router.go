package rpc

import "fmt"

// Handler answers one ClientRequest kind. Handlers live in server/ (which
// already owns ConnectionManager/Scheduler); rpc only owns the dispatch
// table and the wire shapes, the same split server/control.go draws between
// "decode the record" and "s.dispatchControl runs it."
type Handler func(req ClientRequest) ReplyResult

// Router dispatches a decoded ClientRequest to the Handler registered for
// its Kind. Unregistered kinds fail with a structured error rather than
// panicking, per spec.md §6's "unknown kinds MUST fail with a structured
// error rather than crash."
type Router struct {
	handlers map[string]Handler
}

// NewRouter builds an empty Router; callers Register each kind they support.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register binds a Handler to a request kind (one of the Req* constants).
// Registering the same kind twice replaces the previous handler.
func (r *Router) Register(kind string, h Handler) {
	r.handlers[kind] = h
}

// Dispatch runs the handler registered for req.Kind, or returns a Failure
// ReplyResult if no handler is registered for that kind.
func (r *Router) Dispatch(req ClientRequest) ReplyResult {
	h, ok := r.handlers[req.Kind]
	if !ok {
		return Fail("E_INVARG", fmt.Sprintf("unknown request kind %q", req.Kind))
	}
	return h(req)
}

// Kinds reports every kind currently registered, for diagnostics and for
// get-server-features-style introspection.
func (r *Router) Kinds() []string {
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}
