package connector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/crss-project/crss/internal/protocol"
)

// GetInfo asks the server for its info block.
func (c *ServerClient) GetInfo(ctx context.Context) (ServerInfo, error) {
	var info ServerInfo
	err := c.query(ctx, protocol.PktInfo, nil, &info)
	return info, err
}

// PollInfo is GetInfo for background refreshes. It never supersedes a
// caller already waiting on the info block. It shares that response instead,
// and a GetInfo issued while it waits takes it along.
func (c *ServerClient) PollInfo(ctx context.Context) (ServerInfo, error) {
	var info ServerInfo
	err := c.do(ctx, &request{typ: protocol.PktInfo, yield: true}, &info)
	return info, err
}

// GetPlayers asks the server for the ids of all online players.
func (c *ServerClient) GetPlayers(ctx context.Context) ([]string, error) {
	var players []string
	err := c.query(ctx, protocol.PktPlayers, nil, &players)
	return players, err
}

// GetPlayer asks the server for a single player by id.
func (c *ServerClient) GetPlayer(ctx context.Context, id string) (Player, error) {
	var player Player
	err := c.query(ctx, protocol.PktPlayer, []byte(id), &player)
	return player, err
}

// query registers a one-shot waiter for typ, sends the request frame and
// decodes the JSON response into out. Only one waiter per packet type is held
// at a time; a newer query of the same type supersedes the older one.
// ctx bounds the wait; there is no built-in timeout.
func (c *ServerClient) query(ctx context.Context, typ protocol.PacketType, payload []byte, out interface{}) error {
	return c.do(ctx, &request{typ: typ, payload: payload}, out)
}

func (c *ServerClient) do(ctx context.Context, req *request, out interface{}) error {
	if !c.Status() {
		return ErrNotConnected
	}
	req.reply = make(chan response, 1)

	select {
	case c.requests <- req:
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	var resp response
	select {
	case resp = <-req.reply:
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	if resp.err != nil {
		return resp.err
	}

	if err := json.Unmarshal(resp.payload, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, req.typ, err)
	}
	return nil
}
