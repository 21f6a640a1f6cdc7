package server

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"PocketLM/internal/logging"
	"PocketLM/internal/runtime"
)

// Line protocol frames. Payloads are base64 so that newlines in generated
// text never break framing.
const (
	FrameAck   = "ACK"
	FrameToken = "TOKN"
	FrameReply = "RESP"
	FrameError = "ERR"
)

// TCPServer reads one prompt per line and streams each answer back as
// frames: ACK, any number of TOKN, then RESP or ERR.
type TCPServer struct {
	Address string
	Port    string

	inbox chan<- Message
	log   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	ln       net.Listener
	handlers sync.WaitGroup
	stopped  bool
}

func NewTCPServer(address, port string, inbox chan<- Message) *TCPServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPServer{
		Address: address,
		Port:    port,
		inbox:   inbox,
		log:     logging.With("tcp"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start binds the listener and accepts in the background until Stop.
func (s *TCPServer) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.Address, s.Port))
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("TCP server started")

	go s.accept(ln)
	return nil
}

func (s *TCPServer) accept(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.Error().Err(err).Msg("accept failed")
			}
			return
		}
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.serve(conn)
		}()
	}
}

// Addr is the bound address, or "" before Start.
func (s *TCPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// lineConn is one client connection.
type lineConn struct {
	net.Conn
	r   *bufio.Reader
	w   *bufio.Writer
	log zerolog.Logger
}

func (c *lineConn) send(kind, payload string) error {
	c.w.WriteString(kind)
	if kind != FrameAck {
		c.w.WriteByte(' ')
		c.w.WriteString(base64.StdEncoding.EncodeToString([]byte(payload)))
	}
	c.w.WriteByte('\n')
	return c.w.Flush()
}

func (s *TCPServer) serve(nc net.Conn) {
	c := &lineConn{
		Conn: nc,
		r:    bufio.NewReader(nc),
		w:    bufio.NewWriter(nc),
		log:  s.log.With().Str("remote", nc.RemoteAddr().String()).Logger(),
	}
	defer c.Close()
	// Stop unblocks reads and writes by closing the socket.
	unhook := context.AfterFunc(s.ctx, func() { c.Close() })
	defer unhook()
	c.log.Debug().Msg("connection opened")

	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("read failed")
			}
			return
		}
		prompt := strings.TrimRight(line, "\r\n")
		if prompt == "" {
			continue
		}
		c.log.Debug().Str("prompt", truncateLog(prompt, 100)).Msg("received")
		if err := s.answer(c, prompt); err != nil {
			c.log.Debug().Err(err).Msg("connection closed")
			return
		}
	}
}

// answer queues one prompt and writes its frames.
func (s *TCPServer) answer(c *lineConn, prompt string) error {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	msg, events := newMessage(ctx, prompt, runtime.GenerationOptions{})
	select {
	case s.inbox <- msg:
	case <-ctx.Done():
		return c.send(FrameError, ErrShuttingDown.Error())
	}
	if err := c.send(FrameAck, ""); err != nil {
		return err
	}

	for {
		select {
		case ev := <-events:
			switch {
			case ev.reply == nil:
				if err := c.send(FrameToken, ev.token); err != nil {
					return err
				}
			case ev.reply.Err != nil:
				return c.send(FrameError, ev.reply.Err.Error())
			default:
				return c.send(FrameReply, ev.reply.Text)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop closes the listener and every open connection, then waits for the
// connection handlers. Later calls are no-ops.
func (s *TCPServer) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.cancel()
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.mu.Unlock()

	s.handlers.Wait()
	s.log.Info().Msg("TCP server stopped")
	return err
}

func truncateLog(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
