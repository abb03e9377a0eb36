package uds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrNoWatcher means nothing accepted a connection on the socket.
var ErrNoWatcher = errors.New("no watcher listening")

type Client struct {
	path   string
	dialer net.Dialer
}

func NewClient(socketPath string) *Client {
	return &Client{path: socketPath}
}

// Call sends one command and decodes the reply body into out, which may be
// nil. The context deadline bounds the whole exchange.
func (c *Client) Call(ctx context.Context, cmd Command, args, out any) error {
	req := Request{Version: Version, Command: cmd}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("encode %s args: %w", cmd, err)
		}
		req.Args = raw
	}
	rep, err := c.roundTrip(ctx, &req)
	if err != nil {
		return err
	}
	return rep.Unmarshal(out)
}

func (c *Client) roundTrip(ctx context.Context, req *Request) (*Reply, error) {
	conn, err := c.dialer.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, fmt.Errorf("%w at %s: %v", ErrNoWatcher, c.path, err)
	}
	defer func() { _ = conn.Close() }()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	if err := writeFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Command, err)
	}
	var rep Reply
	if err := readFrame(conn, &rep); err != nil {
		return nil, fmt.Errorf("read %s reply: %w", req.Command, err)
	}
	return &rep, nil
}

func (c *Client) Ping(ctx context.Context) (*PingReply, error) {
	var rep PingReply
	if err := c.Call(ctx, CommandPing, nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// Scan asks the watcher to drain the queue soon.
func (c *Client) Scan(ctx context.Context) error {
	var rep ScanReply
	if err := c.Call(ctx, CommandScan, nil, &rep); err != nil {
		return err
	}
	if !rep.Scheduled {
		return errors.New("scan was not scheduled")
	}
	return nil
}

// Alive reports whether a watcher answers a ping on socketPath within
// timeout.
func Alive(socketPath string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := NewClient(socketPath).Ping(ctx)
	return err == nil
}
