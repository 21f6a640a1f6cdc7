package engine

import (
	"errors"
	"testing"
)

func TestContextParamsClamp(t *testing.T) {
	tests := []struct {
		name        string
		in          ContextParams
		nproc       int
		wantThreads int
		wantCtx     int
		wantBatch   int
	}{
		{"defaults on 8 cores", ContextParams{}, 8, 6, 1024, 512},
		{"defaults on 2 cores", ContextParams{}, 2, 1, 1024, 512},
		{"defaults on 16 cores", ContextParams{}, 16, 8, 1024, 512},
		{"explicit threads capped by cores", ContextParams{Threads: 12}, 4, 4, 1024, 512},
		{"tiny window raised", ContextParams{ContextSize: 128}, 4, 2, 512, 512},
		{"large window kept", ContextParams{ContextSize: 4096, BatchSize: 64}, 4, 2, 4096, 64},
		{"unknown core count", ContextParams{}, 0, 1, 1024, 512},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Clamp(tt.nproc)
			if got.Threads != tt.wantThreads {
				t.Errorf("Threads = %d, want %d", got.Threads, tt.wantThreads)
			}
			if got.ThreadsBatch != tt.wantThreads {
				t.Errorf("ThreadsBatch = %d, want %d", got.ThreadsBatch, tt.wantThreads)
			}
			if got.ContextSize != tt.wantCtx {
				t.Errorf("ContextSize = %d, want %d", got.ContextSize, tt.wantCtx)
			}
			if got.BatchSize != tt.wantBatch {
				t.Errorf("BatchSize = %d, want %d", got.BatchSize, tt.wantBatch)
			}
		})
	}
}

func TestDefaultSamplerParams(t *testing.T) {
	p := DefaultSamplerParams()
	if p.Greedy() {
		t.Error("default chain should sample, not argmax")
	}
	if !p.PenaltiesEnabled() {
		t.Error("default chain should include penalties")
	}
	if p.PenaltyLastN != 32 || p.RepeatPenalty != 1.1 || p.TopP != 0.9 || p.MinP != 0.05 || p.Temperature != 0.8 {
		t.Errorf("unexpected defaults: %+v", p)
	}

	p.Temperature = 0
	if !p.Greedy() {
		t.Error("temperature 0 should be greedy")
	}
	p.RepeatPenalty, p.FreqPenalty, p.PresencePenalty = 1.0, 0, 0
	if p.PenaltiesEnabled() {
		t.Error("neutral penalties should be skipped")
	}
}

func TestDecodeError(t *testing.T) {
	var err error = &DecodeError{Code: 1}
	var de *DecodeError
	if !errors.As(err, &de) || de.Code != 1 {
		t.Fatalf("errors.As failed for %v", err)
	}
	if (&DecodeError{Code: -3}).Error() != "engine: decode failed with code -3" {
		t.Errorf("unexpected message %q", (&DecodeError{Code: -3}).Error())
	}
}
