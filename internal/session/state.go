package session

import "time"

// State is the lifecycle position of a session.
type State int

const (
	Idle State = iota
	PromptLoaded
	Generating
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PromptLoaded:
		return "prompt_loaded"
	case Generating:
		return "generating"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StopReason records why generation ended.
type StopReason int

const (
	StopNone StopReason = iota
	StopEndOfGeneration
	StopToken
	StopLength
	StopString
	StopCancelled
	StopError
)

func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "none"
	case StopEndOfGeneration:
		return "eog"
	case StopToken:
		return "stop_token"
	case StopLength:
		return "length"
	case StopString:
		return "stop_string"
	case StopCancelled:
		return "cancelled"
	case StopError:
		return "error"
	default:
		return "unknown"
	}
}

// DecodePolicy decides what a failed per-step decode does to the session.
type DecodePolicy int

const (
	// DecodeContinue logs and counts the failure and keeps generating.
	DecodeContinue DecodePolicy = iota
	// DecodeAbort stops the session and returns the failure.
	DecodeAbort
)

// ParseDecodePolicy maps "continue" and "abort"; anything else is continue.
func ParseDecodePolicy(s string) DecodePolicy {
	if s == "abort" {
		return DecodeAbort
	}
	return DecodeContinue
}

func (p DecodePolicy) String() string {
	if p == DecodeAbort {
		return "abort"
	}
	return "continue"
}

// Observer receives lifecycle events, typically to feed metrics.
type Observer interface {
	PromptDecoded(tokens int, d time.Duration)
	TokenGenerated(d time.Duration)
	DecodeFailed(err error)
	Stopped(reason StopReason)
}

type nopObserver struct{}

func (nopObserver) PromptDecoded(int, time.Duration) {}
func (nopObserver) TokenGenerated(time.Duration)     {}
func (nopObserver) DecodeFailed(error)               {}
func (nopObserver) Stopped(StopReason)               {}
