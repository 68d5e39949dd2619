package bridge

import (
	"context"
	"fmt"

	"github.com/roelfdiedericks/centerhelper/internal/bus"
)

// BusDispatcher forwards requests to a bus component by message type.
type BusDispatcher struct {
	Component string
}

// Dispatch sends req as a command and decodes the handler's Response.
func (d BusDispatcher) Dispatch(ctx context.Context, req Request) (*Response, error) {
	result := bus.SendCommandContext(ctx, d.Component, req.Type, req, "relay")
	if result.Error != nil {
		return nil, result.Error
	}
	switch v := result.Data.(type) {
	case nil:
		return nil, nil
	case Response:
		return &v, nil
	case *Response:
		return v, nil
	default:
		return nil, fmt.Errorf("unexpected %T from %s", result.Data, d.Component)
	}
}
