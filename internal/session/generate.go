package session

import (
	"context"
	"strings"
	"time"
)

// GenerateOptions configures a Generate call.
type GenerateOptions struct {
	// MaxTokens is the number of new tokens allowed after the prompt.
	MaxTokens    int
	ParseSpecial bool
}

// Result summarises a finished generation.
type Result struct {
	Text            string
	PromptTokens    int
	GeneratedTokens int
	StopReason      StopReason
	TTFT            time.Duration
	PromptDuration  time.Duration
	GenDuration     time.Duration
	DecodeFailures  int
	Warnings        []error
}

// TokensPerSecond is generation throughput excluding prompt scoring.
func (r Result) TokensPerSecond() float64 {
	if r.GenDuration <= 0 {
		return 0
	}
	return float64(r.GeneratedTokens) / r.GenDuration.Seconds()
}

// PromptTokensPerSecond is prompt scoring throughput.
func (r Result) PromptTokensPerSecond() float64 {
	if r.PromptDuration <= 0 {
		return 0
	}
	return float64(r.PromptTokens) / r.PromptDuration.Seconds()
}

// Generate resets the session, loads prompt and steps until a stop condition,
// cancellation of ctx, or onText returning an error, which Generate returns.
// Cancellation is checked between steps; a decode in flight always completes.
// onText may be nil and is only called with non-empty increments. Every
// increment in Result.Text has been passed to onText.
func (s *Session) Generate(ctx context.Context, prompt string, opts GenerateOptions, onText func(string) error) (Result, error) {
	s.Reset()
	start := time.Now()
	n, err := s.InitPrompt(prompt, opts.ParseSpecial, opts.MaxTokens)
	if err != nil {
		return Result{}, err
	}
	s.maxLen = n + opts.MaxTokens

	res := Result{PromptTokens: n, PromptDuration: time.Since(start)}
	genStart := time.Now()
	cur := NewCursor(n)
	var sb strings.Builder
	emit := func(text string) error {
		if text == "" {
			return nil
		}
		sb.WriteString(text)
		if onText == nil {
			return nil
		}
		return onText(text)
	}

	var genErr error
	for {
		if ctx.Err() != nil {
			s.stop(StopCancelled)
			break
		}
		text, ok, err := s.Step(cur)
		if res.TTFT == 0 && cur.Value() > n {
			res.TTFT = time.Since(start)
		}
		cbErr := emit(text)
		if err != nil {
			genErr = err
			break
		}
		if cbErr != nil {
			s.stop(StopCancelled)
			genErr = cbErr
			break
		}
		if !ok {
			break
		}
	}
	res.GeneratedTokens = cur.Value() - n
	return s.finish(res, sb.String(), genStart), genErr
}

func (s *Session) finish(res Result, text string, genStart time.Time) Result {
	res.Text = text
	res.GenDuration = time.Since(genStart)
	res.StopReason = s.reason
	res.DecodeFailures = s.failures
	res.Warnings = s.Warnings()
	return res
}
