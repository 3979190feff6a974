package synth

import (
	"fmt"

	"github.com/haven-labs/haven-audio/internal/config"
)

// New constructs the Synthesizer selected by config.
func New(cfg config.SynthConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockSynth(), nil
	case "exec":
		return NewExecSynth(cfg.Command)
	case "elevenlabs":
		return NewElevenLabs(cfg), nil
	default:
		return nil, fmt.Errorf("unknown synth mode %q", cfg.Mode)
	}
}
