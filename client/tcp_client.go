package client

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"PocketLM/internal/logging"
)

var (
	// ErrMultiline is returned for prompts the line protocol cannot carry.
	ErrMultiline = errors.New("client: prompt must be a single line")
	// ErrProtocol wraps frames the client does not understand.
	ErrProtocol = errors.New("client: protocol error")
)

// DialTimeout bounds connection setup when the context has no deadline.
const DialTimeout = 5 * time.Second

// LineClient speaks the newline-framed TCP protocol. One prompt is in
// flight at a time; a connection can carry many in sequence.
type LineClient struct {
	addr string
	conn net.Conn
	r    *bufio.Reader
}

// DialLine connects to addr (host:port).
func DialLine(ctx context.Context, addr string) (*LineClient, error) {
	d := net.Dialer{Timeout: DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	logging.L().Debug().Str("addr", addr).Msg("connected to TCP server")
	return &LineClient{addr: addr, conn: conn, r: bufio.NewReader(conn)}, nil
}

func (c *LineClient) Close() error {
	logging.L().Debug().Str("addr", c.addr).Msg("disconnected from TCP server")
	return c.conn.Close()
}

type frame struct {
	kind string
	data string
}

func parseFrame(line string) (frame, error) {
	kind, payload, hasPayload := strings.Cut(strings.TrimRight(line, "\r\n"), " ")
	f := frame{kind: strings.ToUpper(kind)}
	if !hasPayload {
		return f, nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return f, fmt.Errorf("%w: %s payload: %v", ErrProtocol, f.kind, err)
	}
	f.data = string(data)
	return f, nil
}

func (c *LineClient) next() (frame, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return frame{}, err
	}
	return parseFrame(line)
}

// Generate sends prompt and returns the full reply. onToken, when non-nil,
// receives each text increment as it arrives. Cancelling ctx aborts the
// exchange and leaves the connection unusable.
func (c *LineClient) Generate(ctx context.Context, prompt string, onToken func(string)) (string, error) {
	if strings.ContainsAny(prompt, "\r\n") {
		return "", ErrMultiline
	}
	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := c.conn.Write([]byte(prompt + "\n")); err != nil {
		return "", err
	}
	for {
		f, err := c.next()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}
		switch f.kind {
		case "ACK":
		case "TOKN":
			if onToken != nil {
				onToken(f.data)
			}
		case "RESP":
			return f.data, nil
		case "ERR":
			return "", errors.New(f.data)
		default:
			return "", fmt.Errorf("%w: unexpected frame %q", ErrProtocol, f.kind)
		}
	}
}
