package server

import (
	"context"
	"errors"
	"strings"

	"PocketLM/internal/logging"
	"PocketLM/internal/runtime"
)

// ErrShuttingDown is reported to clients whose request arrives while the
// server stops.
var ErrShuttingDown = errors.New("server: shutting down")

// Reply is the terminal answer for one Message.
type Reply struct {
	Text   string
	Finish string
	Stats  *runtime.Stats
	Err    error
}

// Message is one queued generation. Transports produce them and Work
// consumes them one at a time.
type Message struct {
	Content string
	Options runtime.GenerationOptions

	ctx     context.Context
	respond func(Reply) error
	stream  func(string) error
}

// event is one item delivered back to a transport: a text increment, or
// the final reply when reply is set.
type event struct {
	token string
	reply *Reply
}

// newMessage builds a Message whose tokens and reply arrive, in order, on
// the returned channel. Deliveries fail once ctx is done.
func newMessage(ctx context.Context, content string, opts runtime.GenerationOptions) (Message, <-chan event) {
	events := make(chan event, 64)
	deliver := func(ev event) error {
		select {
		case events <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return Message{
		Content: content,
		Options: opts,
		ctx:     ctx,
		respond: func(r Reply) error { return deliver(event{reply: &r}) },
		stream:  func(token string) error { return deliver(event{token: token}) },
	}, events
}

// Context is cancelled when the client goes away.
func (m Message) Context() context.Context {
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

func (m Message) Respond(r Reply) error {
	if m.respond == nil {
		return nil
	}
	return m.respond(r)
}

func (m Message) StreamToken(token string) error {
	if m.stream == nil {
		return nil
	}
	return m.stream(token)
}

func (m Message) RespondError(err error) error {
	if err == nil {
		return nil
	}
	return m.Respond(Reply{Err: err})
}

// Streamer is the part of runtime.Manager the worker drives.
type Streamer interface {
	Stream(ctx context.Context, req runtime.Request, cb runtime.StreamCallback) error
}

// Work drains inbox one message at a time so that generations on the shared
// engine context never overlap. It returns when ctx is done or inbox is
// closed.
func Work(ctx context.Context, s Streamer, inbox <-chan Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbox:
			if !ok {
				return nil
			}
			handle(ctx, s, msg)
		}
	}
}

func handle(ctx context.Context, s Streamer, msg Message) {
	log := logging.With("worker")

	gctx, cancel := context.WithCancel(msg.Context())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var text strings.Builder
	reply := Reply{}
	err := s.Stream(gctx, runtime.Request{Prompt: msg.Content, Options: msg.Options}, func(ev runtime.StreamEvent) error {
		if ev.Final {
			reply.Finish = ev.Finish
			reply.Stats = ev.Stats
			return nil
		}
		text.WriteString(ev.Token)
		return msg.StreamToken(ev.Token)
	})
	reply.Text = text.String()
	reply.Err = err
	if err != nil {
		log.Warn().Err(err).Str("finish", reply.Finish).Msg("generation failed")
	} else {
		log.Debug().Str("finish", reply.Finish).Int("chars", len(reply.Text)).Msg("generation done")
	}
	if rerr := msg.Respond(reply); rerr != nil {
		log.Debug().Err(rerr).Msg("client gone before reply")
	}
}
