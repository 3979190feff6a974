package assembly

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Instructions is the input contract for one assembly job. The raw JSON is
// stored verbatim on the job row for audit and resubmission.
type Instructions struct {
	SessionID              string     `json:"sessionId,omitempty"`
	AssemblySequence       []Sequence `json:"assemblySequence"`
	Metadata               *Metadata  `json:"metadata,omitempty"`
	TotalEstimatedDuration float64    `json:"totalEstimatedDuration,omitempty"`
}

// Sequence is one ordered phrase of the protocol: a list of component keys or
// literal text fragments spliced into a single audio segment.
type Sequence struct {
	SequenceID        int      `json:"sequenceId"`
	Components        []string `json:"components"`
	EstimatedDuration float64  `json:"estimatedDuration,omitempty"`
}

// Metadata carries the sentiment split used to label produced segments.
// Sequences before SentimentCount are individual sentiments, the rest are
// final phrases. The split affects labeling only, never processing.
type Metadata struct {
	SentimentCount int `json:"sentimentCount"`
}

// Segment kinds.
const (
	SegmentIndividualSentiment = "individual_sentiment"
	SegmentFinalPhrase         = "final_phrase"
)

// AudioSegment is one spliced phrase, held in memory for the final splice.
type AudioSegment struct {
	SequenceID int
	Kind       string
	Data       []byte
}

// ErrInvalidRequest marks submission errors caused by the caller's payload,
// as opposed to storage failures. Callers map it to the 4xx class.
var ErrInvalidRequest = errors.New("invalid assembly request")

// ParseInstructions decodes and validates raw instruction JSON. Validation
// here covers only what job creation must reject; missing metadata is a
// processing-time failure, not a creation-time one.
func ParseInstructions(raw []byte) (Instructions, error) {
	if len(raw) == 0 {
		return Instructions{}, fmt.Errorf("%w: assembly instructions are required", ErrInvalidRequest)
	}
	var instr Instructions
	if err := json.Unmarshal(raw, &instr); err != nil {
		return Instructions{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if len(instr.AssemblySequence) == 0 {
		return Instructions{}, fmt.Errorf("%w: assemblySequence must not be empty", ErrInvalidRequest)
	}
	return instr, nil
}

func classifySegment(index, sentimentCount int) string {
	if index < sentimentCount {
		return SegmentIndividualSentiment
	}
	return SegmentFinalPhrase
}
