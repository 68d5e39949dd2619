package coordinator

import (
	"fmt"

	"github.com/roelfdiedericks/centerhelper/internal/bridge"
	"github.com/roelfdiedericks/centerhelper/internal/bus"
)

func requestPayload(cmd bus.Command) (bridge.Request, error) {
	switch p := cmd.Payload.(type) {
	case bridge.Request:
		return p, nil
	case *bridge.Request:
		if p != nil {
			return *p, nil
		}
	}
	return bridge.Request{}, fmt.Errorf("%w: %T", ErrBadPayload, cmd.Payload)
}

func respond(resp bridge.Response) bus.CommandResult {
	return bus.CommandResult{Success: resp.OK, Message: resp.Error, Data: resp}
}

func (c *Coordinator) handleRunRow(cmd bus.Command) bus.CommandResult {
	req, err := requestPayload(cmd)
	if err != nil {
		return bus.CommandResult{Error: err}
	}
	return respond(c.RunRow(cmd.Context, req))
}

// handleLegacyTrigger accepts the looser fire-and-ack shape: no requestId,
// no options, and a missing row runs with an empty one.
func (c *Coordinator) handleLegacyTrigger(cmd bus.Command) bus.CommandResult {
	req, err := requestPayload(cmd)
	if err != nil {
		return bus.CommandResult{Error: err}
	}
	req.Options = nil
	resp := c.RunRow(cmd.Context, req)
	resp.Type = bridge.TypeLegacyTrigger
	return respond(resp)
}

func (c *Coordinator) handlePaymentFound(cmd bus.Command) bus.CommandResult {
	var p bridge.PaymentFound
	switch v := cmd.Payload.(type) {
	case bridge.PaymentFound:
		p = v
	case *bridge.PaymentFound:
		p = *v
	default:
		return bus.CommandResult{Error: fmt.Errorf("%w: %T", ErrBadPayload, cmd.Payload)}
	}
	return respond(c.ReportPayment(cmd.Context, p))
}

func (c *Coordinator) handleResume(cmd bus.Command) bus.CommandResult {
	var id string
	switch v := cmd.Payload.(type) {
	case bridge.ResumeRequest:
		id = v.RequestID
	case bridge.Request:
		id = v.RequestID
	case string:
		id = v
	default:
		return bus.CommandResult{Error: fmt.Errorf("%w: %T", ErrBadPayload, cmd.Payload)}
	}
	resp := bridge.Response{Type: bridge.TypeResult, RequestID: id, Via: bridge.ViaCoordinator}
	if err := c.Resume(id); err != nil {
		resp.Error = err.Error()
	} else {
		resp.OK = true
	}
	return respond(resp)
}
