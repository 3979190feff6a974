package assembly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haven-labs/haven-audio/internal/blob"
	"github.com/haven-labs/haven-audio/internal/jobstore"
	"github.com/haven-labs/haven-audio/internal/synth"
)

// fragmentCache resolves fragment audio through the content-addressed cache:
// a hit reads stored bytes, a miss synthesizes, persists and indexes them.
// Concurrent jobs may race on the same key; both synthesize and the first
// index write wins, which is tolerated.
type fragmentCache struct {
	store *jobstore.Store
	blobs *blob.Store
	synth synth.Synthesizer
	log   *slog.Logger
}

// fetch returns the audio bytes for one resolved fragment and whether they
// came from the cache.
func (c *fragmentCache) fetch(ctx context.Context, userID, voiceID, text, textHash string) ([]byte, bool, error) {
	entry, err := c.store.LookupFragment(ctx, voiceID, textHash)
	if err == nil {
		data, getErr := c.blobs.Get(entry.AudioPath)
		if getErr == nil {
			return data, true, nil
		}
		if !errors.Is(getErr, blob.ErrNotFound) {
			return nil, false, fmt.Errorf("read cached fragment: %w", getErr)
		}
		// Index row without bytes: fall through and resynthesize.
		c.log.Warn("cached fragment missing from blob storage, resynthesizing",
			slog.String("voice_id", voiceID), slog.String("text_hash", textHash))
	} else if !errors.Is(err, jobstore.ErrNotFound) {
		return nil, false, err
	}

	data, err := c.synth.Synthesize(ctx, synth.Request{Text: text, VoiceID: voiceID})
	if err != nil {
		return nil, false, fmt.Errorf("synthesize fragment: %w", err)
	}

	audioPath := blob.FragmentPath(userID, textHash)
	if err := c.blobs.Put(audioPath, data); err != nil {
		return nil, false, fmt.Errorf("persist fragment audio: %w", err)
	}
	if err := c.store.StoreFragment(ctx, jobstore.Fragment{
		VoiceID:   voiceID,
		TextHash:  textHash,
		AudioPath: audioPath,
	}); err != nil {
		return nil, false, err
	}
	return data, false, nil
}
