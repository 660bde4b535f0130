package rpc

import (
	"context"

	"github.com/socketry/async-container-supervisor/internal/call"
	"github.com/socketry/async-container-supervisor/internal/wire"
)

// Forward issues do/params on target and pipes every
// response it receives into cl's queue, closing cl when the forwarded
// call terminates (spec.md 4.2 "forward", used by the Server's "forward"
// operation to proxy a request to a named worker connection while
// streaming responses back to the original caller in real time, spec.md
// 4.5, scenario S6).
//
// Forward blocks until the forwarded call finishes; it is meant to be
// called from within a dispatch Handler, which already runs in its own
// goroutine per spec.md 4.3 "Dispatch".
func Forward(ctx context.Context, cl *call.Call, target *Connection, do string, params any) {
	err := target.CallStream(ctx, do, params, 0, func(resp wire.Frame) {
		switch {
		case resp.Finished && resp.Failed:
			cl.Fail(resp.Error)
		case resp.Finished:
			cl.Finish(resp)
		default:
			cl.Push(resp)
		}
	})

	if err != nil && !cl.Closed() {
		cl.Fail(&wire.ErrorDetail{
			Class:   "ForwardError",
			Message: err.Error(),
		})
	}
}
