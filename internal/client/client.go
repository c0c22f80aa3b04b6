// Package client is the host side of the stream transport.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danmuck/apductl/internal/apdu"
	"github.com/danmuck/apductl/internal/transport"
)

var (
	ErrBadClass       = errors.New("client: device rejected request class")
	ErrUnknownCommand = errors.New("client: device does not know this command")
	ErrRejected       = errors.New("client: rejected on device")
)

// DeviceFault is an exception reply carrying a fault code.
type DeviceFault struct {
	Ins  byte
	Code uint16
}

func (e *DeviceFault) Error() string {
	return fmt.Sprintf("client: device fault 0x%04x on ins 0x%02x", e.Code, e.Ins)
}

// AnswerError is a reply with an answer code the client does not expect.
type AnswerError struct {
	Ins    byte
	Answer byte
}

func (e *AnswerError) Error() string {
	return fmt.Sprintf("client: unexpected answer 0x%02x on ins 0x%02x", e.Answer, e.Ins)
}

// Client sends one request at a time over a device connection.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	buf  []byte
}

func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return New(conn), nil
}

// DialTLS is Dial over TLS. The handshake completes before it returns, so a
// device that refuses the host certificate fails here.
func DialTLS(ctx context.Context, addr string, cfg *tls.Config) (*Client, error) {
	if cfg == nil {
		return Dial(ctx, addr)
	}
	d := tls.Dialer{Config: cfg}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return New(conn), nil
}

func New(conn net.Conn) *Client {
	return &Client{conn: conn, buf: make([]byte, apdu.BufferSize)}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Raw transmits frame unchanged and parses whatever comes back.
func (c *Client) Raw(ctx context.Context, frame []byte) (apdu.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	_ = c.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := transport.WriteFrame(c.conn, frame); err != nil {
		return apdu.Reply{}, c.ctxErr(ctx, err)
	}
	n, err := transport.ReadFrame(c.conn, c.buf)
	if err != nil {
		return apdu.Reply{}, c.ctxErr(ctx, err)
	}
	return apdu.ParseReply(c.buf[:n])
}

// Exchange sends req and classifies the reply. Exception, bad class and
// unknown command replies become errors; any other answer is returned.
func (c *Client) Exchange(ctx context.Context, req apdu.Request) (apdu.Reply, error) {
	frame, err := req.Encode()
	if err != nil {
		return apdu.Reply{}, err
	}
	reply, err := c.Raw(ctx, frame)
	if err != nil {
		return apdu.Reply{}, err
	}
	switch reply.Answer {
	case apdu.AnswerBadClass:
		return reply, ErrBadClass
	case apdu.AnswerUnknownCommand:
		return reply, ErrUnknownCommand
	case apdu.AnswerException:
		code, ok := reply.FaultCode()
		if !ok {
			return reply, &AnswerError{Ins: req.Ins, Answer: reply.Answer}
		}
		return reply, &DeviceFault{Ins: req.Ins, Code: code}
	}
	return reply, nil
}

// call is Exchange for commands whose only good answer is success.
func (c *Client) call(ctx context.Context, req apdu.Request) ([]byte, error) {
	reply, err := c.Exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	switch reply.Answer {
	case apdu.AnswerSuccess:
		return reply.Data, nil
	case apdu.AnswerRejected:
		return nil, ErrRejected
	default:
		return nil, &AnswerError{Ins: req.Ins, Answer: reply.Answer}
	}
}

func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("client: exchange: %w", err)
}
