package subcommands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"PocketLM/client"
	"PocketLM/internal/config"
)

// RunRemoteGenerate sends one prompt to a running "pocketlm serve". An
// http:// target uses the HTTP API with the chat template applied locally; a
// tcp://host:port target sends the raw single-line prompt over the line
// protocol.
func RunRemoteGenerate(ctx context.Context, w, errw io.Writer, cfg config.Config, baseURL, input string, opts ChatOptions) error {
	if addr, ok := strings.CutPrefix(baseURL, "tcp://"); ok {
		return runRemoteTCP(ctx, w, addr, input, opts.Stream)
	}
	opts = chatOptionsFrom(cfg, opts)
	gen := opts.generation()
	req := client.GenerateRequest{
		Prompt:       newConversation(opts).prompt(input),
		MaxTokens:    gen.MaxTokens,
		ParseSpecial: gen.ParseSpecial,
		Temperature:  gen.Temperature,
		TopK:         gen.TopK,
		Seed:         gen.Seed,
	}
	c := client.NewHTTPClientWithTimeout(baseURL, 5*time.Minute)

	start := time.Now()
	var (
		final client.GenerateResponse
		err   error
	)
	if opts.Stream {
		final, err = c.GenerateStream(ctx, req, func(tok string) error {
			_, werr := io.WriteString(w, tok)
			return werr
		})
		if err == nil {
			fmt.Fprintln(w)
		}
	} else {
		stop := startSpinner(errw, "Thinking")
		final, err = c.Generate(ctx, req)
		stop()
		if err == nil {
			fmt.Fprintln(w, final.Text)
		}
	}
	if err != nil {
		return fmt.Errorf("remote generation: %w", err)
	}

	if opts.ShowStats && final.Stats != nil {
		s := final.Stats
		fmt.Fprintf(errw, "%s--- Statistics ---%s\n", colorGray+colorBold, colorReset)
		fmt.Fprintf(errw, "%sprompt=%d gen=%d ttft=%.0fms pp=%.1f t/s tg=%.1f t/s finish=%s%s\n",
			colorGray, s.PromptTokens, s.GeneratedTokens, s.TTFTMillis, s.PromptTPS, s.GenerationTPS, final.Finish, colorReset)
		fmt.Fprintf(errw, "%sDuration:%s %s\n", colorGray, colorReset, time.Since(start).Truncate(time.Millisecond))
	}
	return nil
}

func runRemoteTCP(ctx context.Context, w io.Writer, addr, input string, stream bool) error {
	c, err := client.DialLine(ctx, addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer c.Close()

	var onToken func(string)
	if stream {
		onToken = func(tok string) { io.WriteString(w, tok) }
	}
	text, err := c.Generate(ctx, strings.TrimSpace(input), onToken)
	if err != nil {
		return fmt.Errorf("remote generation: %w", err)
	}
	if stream {
		fmt.Fprintln(w)
	} else {
		fmt.Fprintln(w, text)
	}
	return nil
}
