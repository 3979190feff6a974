package synth

import "context"

// Request contains parameters to synthesize one spoken fragment.
type Request struct {
	Text    string
	VoiceID string
}

// VoiceSettings controls voice characteristics for providers that support it.
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// Synthesizer is the contract for producing encoded MP3 audio.
type Synthesizer interface {
	// Synthesize returns the complete MP3 stream for the request.
	Synthesize(ctx context.Context, req Request) ([]byte, error)
	// Ready reports whether the provider is usable (credentials present,
	// command resolvable). Checked before any job work starts.
	Ready() error
}
