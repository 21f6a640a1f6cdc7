package subcommands

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"PocketLM/internal/config"
	"PocketLM/internal/promptfile"
	"PocketLM/internal/runtime"
)

const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorBlue   = "\033[34m"
	colorGreen  = "\033[32m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
)

// ChatOptions capture per-invocation controls beyond the config file.
type ChatOptions struct {
	Stream    bool
	ShowStats bool

	// Raw sends the input without the chat template and without special
	// token parsing.
	Raw bool

	System       string
	HistoryTurns int

	MaxTokens   int
	Temperature float64
	TopK        int
	Seed        uint32
}

// chatOptionsFrom fills unset fields from the configuration.
func chatOptionsFrom(cfg config.Config, opts ChatOptions) ChatOptions {
	if opts.System == "" {
		opts.System = cfg.Conversation.SystemMessage
	}
	if !cfg.Conversation.ChatTemplate {
		opts.Raw = true
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = 4
	}
	return opts
}

func (o ChatOptions) generation() runtime.GenerationOptions {
	return runtime.GenerationOptions{
		MaxTokens:    o.MaxTokens,
		ParseSpecial: !o.Raw,
		Temperature:  o.Temperature,
		TopK:         o.TopK,
		Seed:         o.Seed,
	}
}

// conversation keeps the most recent turns so they can be replayed into
// each prompt. Every generation starts from an empty context.
type conversation struct {
	system string
	raw    bool
	limit  int
	turns  []promptfile.Turn
}

func newConversation(opts ChatOptions) *conversation {
	return &conversation{system: opts.System, raw: opts.Raw, limit: opts.HistoryTurns}
}

func (c *conversation) prompt(input string) string {
	if c.raw {
		return input
	}
	return promptfile.Conversation(c.system, c.turns, input)
}

func (c *conversation) add(user, assistant string) {
	if c.limit <= 0 {
		return
	}
	c.turns = append(c.turns, promptfile.Turn{User: user, Assistant: strings.TrimSpace(assistant)})
	if n := len(c.turns); n > c.limit {
		c.turns = append(c.turns[:0], c.turns[n-c.limit:]...)
	}
}

func (c *conversation) reset() { c.turns = nil }

// handleSetParam applies "/set <param> <value>" and returns a confirmation.
func handleSetParam(opts *ChatOptions, param, value string) (string, error) {
	lowerVal := strings.ToLower(value)
	isTrue := lowerVal == "true" || lowerVal == "on" || lowerVal == "1" || lowerVal == "yes"
	isFalse := lowerVal == "false" || lowerVal == "off" || lowerVal == "0" || lowerVal == "no"
	parseBool := func() (bool, error) {
		switch {
		case isTrue:
			return true, nil
		case isFalse:
			return false, nil
		}
		return false, fmt.Errorf("%q is not a boolean", value)
	}

	switch strings.ToLower(param) {
	case "stream":
		v, err := parseBool()
		if err != nil {
			return "", err
		}
		opts.Stream = v
		return fmt.Sprintf("Stream set to %v", v), nil
	case "stats":
		v, err := parseBool()
		if err != nil {
			return "", err
		}
		opts.ShowStats = v
		return fmt.Sprintf("ShowStats set to %v", v), nil
	case "max-tokens", "max_tokens":
		v, err := strconv.Atoi(value)
		if err != nil || v < 0 {
			return "", fmt.Errorf("max-tokens must be a non-negative integer")
		}
		opts.MaxTokens = v
		return fmt.Sprintf("MaxTokens set to %d", v), nil
	case "temperature", "temp":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil || v < 0 {
			return "", fmt.Errorf("temperature must be a non-negative number")
		}
		opts.Temperature = v
		return fmt.Sprintf("Temperature set to %.2f", v), nil
	case "top-k", "top_k":
		v, err := strconv.Atoi(value)
		if err != nil || v < 0 {
			return "", fmt.Errorf("top-k must be a non-negative integer")
		}
		opts.TopK = v
		return fmt.Sprintf("TopK set to %d", v), nil
	case "seed":
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return "", fmt.Errorf("seed must be a 32-bit unsigned integer")
		}
		opts.Seed = uint32(v)
		return fmt.Sprintf("Seed set to %d", v), nil
	default:
		return "", fmt.Errorf("unknown parameter: %s", param)
	}
}

func formatStats(s runtime.Stats, finish string) string {
	out := fmt.Sprintf("prompt=%d gen=%d ttft=%s pp=%.1f t/s tg=%.1f t/s finish=%s",
		s.TokensEvaluated, s.TokensGenerated, s.TTFT.Truncate(time.Millisecond),
		s.PromptTPS, s.GenerationTPS, finish)
	if s.DecodeFailures > 0 {
		out += fmt.Sprintf(" decode_failures=%d", s.DecodeFailures)
	}
	return out
}

func runCLISpinner(w io.Writer, done <-chan struct{}, message string) {
	spinnerChars := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for i := 0; ; i = (i + 1) % len(spinnerChars) {
		fmt.Fprintf(w, "\r%s%s %s...%s", colorCyan, spinnerChars[i], message, colorReset)
		select {
		case <-done:
			fmt.Fprint(w, "\r\033[K")
			return
		case <-t.C:
		}
	}
}

// startSpinner runs runCLISpinner until the returned stop func is called.
func startSpinner(w io.Writer, message string) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		runCLISpinner(w, done, message)
	}()
	return func() {
		close(done)
		<-finished
	}
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
