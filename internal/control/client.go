package control

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/unitman/internal/manager"
)

// Client is the typed client side of the control plane, used by unitctl.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a daemon's control socket address.
func Dial(address string) (*Client, error) {
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)))
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", address, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) invoke(ctx context.Context, method string, req, reply any) error {
	return c.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, reply)
}

func (c *Client) unitVerb(ctx context.Context, method, unit, mode string) (*JobReply, error) {
	var reply JobReply
	if err := c.invoke(ctx, method, &UnitRequest{Unit: unit, Mode: mode}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) StartUnit(ctx context.Context, unit, mode string) (*JobReply, error) {
	return c.unitVerb(ctx, "StartUnit", unit, mode)
}

func (c *Client) StopUnit(ctx context.Context, unit, mode string) (*JobReply, error) {
	return c.unitVerb(ctx, "StopUnit", unit, mode)
}

func (c *Client) ReloadUnit(ctx context.Context, unit, mode string) (*JobReply, error) {
	return c.unitVerb(ctx, "ReloadUnit", unit, mode)
}

func (c *Client) RestartUnit(ctx context.Context, unit, mode string) (*JobReply, error) {
	return c.unitVerb(ctx, "RestartUnit", unit, mode)
}

func (c *Client) TryRestartUnit(ctx context.Context, unit, mode string) (*JobReply, error) {
	return c.unitVerb(ctx, "TryRestartUnit", unit, mode)
}

func (c *Client) IsolateUnit(ctx context.Context, unit string) (*JobReply, error) {
	return c.unitVerb(ctx, "IsolateUnit", unit, "")
}

func (c *Client) KillUnit(ctx context.Context, unit, who string, signo int) error {
	var reply Empty
	return c.invoke(ctx, "KillUnit", &KillRequest{Unit: unit, Who: who, Signo: signo}, &reply)
}

func (c *Client) ResetFailedUnit(ctx context.Context, unit string) error {
	var reply Empty
	return c.invoke(ctx, "ResetFailedUnit", &UnitRequest{Unit: unit}, &reply)
}

func (c *Client) GetUnitProperties(ctx context.Context, unit string) (manager.UnitStatus, error) {
	var reply PropertiesReply
	if err := c.invoke(ctx, "GetUnitProperties", &UnitRequest{Unit: unit}, &reply); err != nil {
		return manager.UnitStatus{}, err
	}
	return reply.Unit, nil
}

func (c *Client) ListUnits(ctx context.Context) ([]manager.UnitStatus, error) {
	var reply ListUnitsReply
	if err := c.invoke(ctx, "ListUnits", &ListUnitsRequest{}, &reply); err != nil {
		return nil, err
	}
	return reply.Units, nil
}

// Subscribe opens the signal stream and delivers each event to fn until
// ctx is canceled or the stream breaks.
func (c *Client) Subscribe(ctx context.Context, fn func(SignalEvent)) error {
	desc := &grpc.StreamDesc{StreamName: "Subscribe", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+serviceName+"/Subscribe")
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&SubscribeRequest{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		var ev SignalEvent
		if err := stream.RecvMsg(&ev); err != nil {
			return err
		}
		fn(ev)
	}
}
