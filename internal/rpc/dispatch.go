package rpc

import (
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/socketry/async-container-supervisor/internal/call"
	"github.com/socketry/async-container-supervisor/internal/errreport"
	"github.com/socketry/async-container-supervisor/internal/wire"
)

// Handler processes one dispatched Call. It may Push intermediates and
// eventually Finish/Fail the call itself, or simply return — in which
// case the Connection frames a synthetic terminal response on its
// behalf (spec.md 4.3, "Dispatch").
type Handler func(c *Connection, cl *call.Call)

// Dispatchable resolves an inbound call's "do" field to a Handler.
//
// This replaces the reference implementation's "do_<op>" dynamic method
// dispatch (spec.md 9, Design Notes) with an explicit registration table,
// which rules out the accidental-method-call class of bug a string-based
// dispatch mechanism invites.
type Dispatchable interface {
	Dispatch(c *Connection, cl *call.Call)
}

// Router is the default Dispatchable: an explicit operation-name to
// Handler table, generalized from responder.go's connection-id keyed
// Responder map to an operation-name keyed Handler map.
type Router struct {
	handlers map[string]Handler
	errs     *errreport.Client
}

func NewRouter(errs *errreport.Client) *Router {
	return &Router{handlers: make(map[string]Handler), errs: errs}
}

// Register adds a handler for the given operation name. Registering the
// same name twice overwrites the previous handler.
func (r *Router) Register(do string, h Handler) {
	r.handlers[do] = h
}

// Dispatch runs the handler registered for cl.Message.Do, recovering any
// panic and converting it into a fail() response so that a single
// misbehaving handler can never take down the Connection (spec.md 4.4,
// 7: "Handler exception ... Reply fail(error: {class, message,
// backtrace})").
func (r *Router) Dispatch(c *Connection, cl *call.Call) {
	handler, ok := r.handlers[cl.Message.Do]
	if !ok {
		cl.Fail(&wire.ErrorDetail{
			Class:   "NoSuchOperation",
			Message: fmt.Sprintf("no handler registered for do=%q", cl.Message.Do),
		})
		return
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			err := errreport.Recover(recovered)
			r.errs.CaptureException(err, map[string]string{"do": cl.Message.Do})
			c.logger().Error("rpc: handler panicked",
				"do", cl.Message.Do, "call_id", cl.ID, "error", err)

			cl.Fail(&wire.ErrorDetail{
				Class:     classOf(recovered),
				Message:   err.Error(),
				Backtrace: strings.Split(string(debug.Stack()), "\n"),
			})
		}
	}()

	handler(c, cl)
}

func classOf(recovered any) string {
	if err, ok := recovered.(error); ok {
		return fmt.Sprintf("%T", err)
	}
	return fmt.Sprintf("%T", recovered)
}
