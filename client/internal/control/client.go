package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// ErrClosed is returned by calls on a closed or broken connection.
var ErrClosed = errors.New("control: connection closed")

// RemoteError is an error reply from the server.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("control %s: %s", e.Method, e.Message)
}

// Client talks to a running client's control socket. Replies are matched
// to calls by request id; events go to Events.
type Client struct {
	conn net.Conn

	wmu sync.Mutex
	enc *json.Encoder

	mu      sync.Mutex
	seq     int
	waiting map[string]chan Response

	events chan Event
	done   chan struct{}
	once   sync.Once
}

// Dial connects to the control socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial control socket: %w", err)
	}
	c := &Client{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		waiting: make(map[string]chan Response),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}
	go c.read()
	return c, nil
}

// Call sends one request and waits for its reply. Error replies come back
// as *RemoteError.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	reply := make(chan Response, 1)
	c.mu.Lock()
	c.seq++
	id := strconv.Itoa(c.seq)
	c.waiting[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiting, id)
		c.mu.Unlock()
	}()

	req := Request{ID: id, Method: method}
	if params != nil {
		req.Params = marshalRaw(params)
	}
	c.wmu.Lock()
	err := c.enc.Encode(req)
	c.wmu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("control %s: %w", method, err)
	}

	select {
	case resp := <-reply:
		if resp.Type == "error" {
			var body struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(resp.Data, &body)
			return nil, &RemoteError{Method: method, Message: body.Error}
		}
		return resp.Data, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status fetches the running client's status.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	data, err := c.Call(ctx, MethodStatus, nil)
	if err != nil {
		return nil, err
	}
	st := &StatusResult{}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

// Subscribe starts streaming the named events (all when none) to Events.
func (c *Client) Subscribe(ctx context.Context, events ...string) error {
	var params any
	if len(events) > 0 {
		params = SubscribeParams{Events: events}
	}
	_, err := c.Call(ctx, MethodSubscribe, params)
	return err
}

// FollowLogs starts streaming the client's log records to Events.
func (c *Client) FollowLogs(ctx context.Context) error {
	_, err := c.Call(ctx, MethodLogs, nil)
	return err
}

// Events delivers streamed events. It is closed when the connection ends.
// Events are dropped while the channel is full.
func (c *Client) Events() <-chan Event { return c.events }

// Close closes the connection.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.conn.Close()
}

func (c *Client) read() {
	defer func() {
		c.once.Do(func() { close(c.done) })
		close(c.events)
	}()

	dec := json.NewDecoder(c.conn)
	for {
		var resp Response
		if err := dec.Decode(&resp); err != nil {
			return
		}
		if resp.Type == "event" {
			var evt Event
			if json.Unmarshal(resp.Data, &evt) != nil {
				continue
			}
			select {
			case c.events <- evt:
			default:
			}
			continue
		}

		c.mu.Lock()
		reply, ok := c.waiting[resp.ID]
		c.mu.Unlock()
		if ok {
			select {
			case reply <- resp:
			default:
			}
		}
	}
}
