package synth

import (
	"context"
	"crypto/sha256"
)

// mockSynth produces small deterministic MP3-shaped buffers, one fake frame
// per input rune. Used in development mode and tests.
type mockSynth struct{}

func NewMockSynth() Synthesizer {
	return &mockSynth{}
}

func (m *mockSynth) Ready() error { return nil }

func (m *mockSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(req.VoiceID + "\x00" + req.Text))
	out := make([]byte, 0, 4*(len(req.Text)+1))
	for i, r := range req.Text {
		out = append(out, 0xFF, 0xFB, byte(r), sum[i%len(sum)])
	}
	if len(out) == 0 {
		out = append(out, 0xFF, 0xFB, 0x00, sum[0])
	}
	return out, nil
}
