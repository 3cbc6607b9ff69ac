package tcpmap

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Client issues lookups against a tcp_table server over one persistent
// connection. It is safe for concurrent use; requests are serialized.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
	mu      sync.Mutex
}

// Dial connects to a map server at address.
func Dial(ctx context.Context, address string, timeout time.Duration) (*Client, error) {
	var d net.Dialer
	if timeout > 0 {
		d.Timeout = timeout
	}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", address, err)
	}
	return &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: timeout,
	}, nil
}

// Get sends "get <key>" and returns the decoded reply.
func (c *Client) Get(key string) (Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return Reply{}, err
		}
	}

	if _, err := fmt.Fprintf(c.conn, "get %s\n", Quote(key)); err != nil {
		return Reply{}, fmt.Errorf("sending request: %w", err)
	}

	line, err := c.reader.ReadString('\n')
	if err != nil {
		return Reply{}, fmt.Errorf("reading reply: %w", err)
	}
	return ParseReply(line)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
