package assembly

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/haven-labs/haven-audio/internal/blob"
	"github.com/haven-labs/haven-audio/internal/config"
	"github.com/haven-labs/haven-audio/internal/jobstore"
	"github.com/haven-labs/haven-audio/internal/mp3"
	"github.com/haven-labs/haven-audio/internal/synth"
)

// Notifier receives terminal-state events for user-facing delivery.
type Notifier interface {
	AssemblyCompleted(userID, jobID, audioPath string)
	AssemblyFailed(userID, jobID, message string)
}

// Manager orchestrates assembly jobs: it persists the job row, hands the
// request off to a background task and runs the pipeline to a terminal state.
// Work is strictly sequential within a job; jobs run concurrently up to the
// configured limit.
type Manager struct {
	cfg       config.AssemblyConfig
	store     *jobstore.Store
	blobs     *blob.Store
	synth     synth.Synthesizer
	notifier  Notifier
	resolver  *Resolver
	fragments *fragmentCache
	log       *slog.Logger
	meters    *meters

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sema   chan struct{}
}

func NewManager(parent context.Context, cfg config.AssemblyConfig, store *jobstore.Store, blobs *blob.Store, synthesizer synth.Synthesizer, notifier Notifier, logger *slog.Logger) *Manager {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	ctx, cancel := context.WithCancel(parent)
	log := logger.With(slog.String("component", "assembly-manager"))

	m, err := newMeters()
	if err != nil {
		log.Warn("failed to initialize assembly metrics", slog.String("error", err.Error()))
		m = nil
	}

	mgr := &Manager{
		cfg:      cfg,
		store:    store,
		blobs:    blobs,
		synth:    synthesizer,
		notifier: notifier,
		resolver: NewResolver(cfg.Components),
		log:      log,
		meters:   m,
		ctx:      ctx,
		cancel:   cancel,
		sema:     make(chan struct{}, cfg.MaxConcurrency),
	}
	mgr.fragments = &fragmentCache{store: store, blobs: blobs, synth: synthesizer, log: log}
	return mgr
}

// Close waits for in-flight jobs to reach a terminal state.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Submit validates the request, persists a pending job and enqueues the
// background task. It returns as soon as the task is enqueued. When in-flight
// deduplication is on and an identical job is already pending or processing,
// that job is returned instead of creating a second one.
func (m *Manager) Submit(ctx context.Context, userID, sessionID string, rawInstructions []byte) (jobstore.Job, error) {
	if userID == "" {
		return jobstore.Job{}, fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	instr, err := ParseInstructions(rawInstructions)
	if err != nil {
		return jobstore.Job{}, err
	}
	if sessionID == "" {
		sessionID = instr.SessionID
	}

	hash := instructionsHash(userID, rawInstructions)

	if m.cfg.DedupeInFlight {
		existing, err := m.store.FindActiveJob(ctx, userID, hash)
		if err == nil {
			m.log.Info("returning in-flight job for identical instructions",
				slog.String("job_id", existing.ID), slog.String("user_id", userID))
			return existing, nil
		}
		if !errors.Is(err, jobstore.ErrNotFound) {
			return jobstore.Job{}, err
		}
	}

	job := jobstore.Job{
		ID:               uuid.NewString(),
		UserID:           userID,
		SessionID:        sessionID,
		Status:           jobstore.StatusPending,
		Instructions:     rawInstructions,
		InstructionsHash: hash,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return jobstore.Job{}, err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case m.sema <- struct{}{}:
			defer func() { <-m.sema }()
		case <-m.ctx.Done():
			return
		}
		m.run(job, instr)
	}()

	m.log.Info("assembly job accepted",
		slog.String("job_id", job.ID),
		slog.String("user_id", userID),
		slog.Int("sequences", len(instr.AssemblySequence)))
	return job, nil
}

// EstimateDuration reports the advisory duration for a submission response.
func (m *Manager) EstimateDuration(instr Instructions) float64 {
	if instr.TotalEstimatedDuration > 0 {
		return instr.TotalEstimatedDuration
	}
	return float64(len(instr.AssemblySequence)) * m.cfg.SegmentDuration
}

// run executes the pipeline for one job to a terminal state. Any fatal error
// short-circuits remaining work and writes status=failed; only splice
// anomalies are tolerated.
func (m *Manager) run(job jobstore.Job, instr Instructions) {
	ctx := m.ctx
	log := m.log.With(slog.String("job_id", job.ID), slog.String("user_id", job.UserID))
	m.meters.recordStart(ctx)

	// Preconditions: provider credential and instruction metadata. Both are
	// fatal before any synthesis is attempted.
	if err := m.synth.Ready(); err != nil {
		m.fail(ctx, log, job, fmt.Errorf("speech synthesis unavailable: %w", err))
		return
	}
	if instr.Metadata == nil {
		m.fail(ctx, log, job, errors.New("assembly instructions metadata is missing"))
		return
	}

	if err := m.progress(ctx, job.ID, 10); err != nil {
		m.storeFailure(ctx, log, job, err)
		return
	}

	voiceID, err := m.voiceFor(ctx, job.UserID)
	if err != nil {
		m.fail(ctx, log, job, err)
		return
	}
	log = log.With(slog.String("voice_id", voiceID))

	if err := m.progress(ctx, job.ID, 20); err != nil {
		m.storeFailure(ctx, log, job, err)
		return
	}

	total := len(instr.AssemblySequence)
	segments := make([]AudioSegment, 0, total)
	for i, seq := range instr.AssemblySequence {
		segment, err := m.buildSegment(ctx, log, job.UserID, voiceID, seq)
		if err != nil {
			m.fail(ctx, log, job, err)
			return
		}
		segment.Kind = classifySegment(i, instr.Metadata.SentimentCount)
		segments = append(segments, segment)
		log.Debug("sequence assembled",
			slog.Int("sequence_id", segment.SequenceID),
			slog.String("kind", segment.Kind),
			slog.Int("bytes", len(segment.Data)))

		// Sequence phase spans 20 to 80 percent.
		checkpoint := 20 + (i+1)*60/total
		if err := m.progress(ctx, job.ID, checkpoint); err != nil {
			m.storeFailure(ctx, log, job, err)
			return
		}
	}

	if err := m.progress(ctx, job.ID, 85); err != nil {
		m.storeFailure(ctx, log, job, err)
		return
	}

	buffers := make([][]byte, 0, len(segments))
	for _, seg := range segments {
		buffers = append(buffers, seg.Data)
	}
	final := mp3.Splice(buffers)

	resultPath := blob.ResultPath(job.UserID, fmt.Sprintf("protocol-%s.mp3", job.ID))
	if err := m.blobs.Put(resultPath, final); err != nil {
		m.fail(ctx, log, job, fmt.Errorf("persist assembled audio: %w", err))
		return
	}

	if err := m.progress(ctx, job.ID, 95); err != nil {
		m.storeFailure(ctx, log, job, err)
		return
	}

	// Advisory duration: segment count times a fixed per-segment constant,
	// not measured playback time. Downstream estimates depend on this scale.
	totalDuration := float64(len(segments)) * m.cfg.SegmentDuration

	if err := m.store.MarkCompleted(ctx, job.ID, resultPath, totalDuration, int64(len(final))); err != nil {
		m.storeFailure(ctx, log, job, err)
		return
	}
	m.meters.recordCompleted(ctx)
	log.Info("assembly job completed",
		slog.String("result_path", resultPath),
		slog.Int("segments", len(segments)),
		slog.Int("bytes", len(final)))

	if m.notifier != nil {
		m.notifier.AssemblyCompleted(job.UserID, job.ID, resultPath)
	}
}

// buildSegment resolves, fetches and splices all fragments of one sequence.
func (m *Manager) buildSegment(ctx context.Context, log *slog.Logger, userID, voiceID string, seq Sequence) (AudioSegment, error) {
	var buffers [][]byte
	for _, component := range seq.Components {
		text := m.resolver.Resolve(component)
		if text == "" {
			continue
		}
		textHash := TextHash(text)
		data, hit, err := m.fragments.fetch(ctx, userID, voiceID, text, textHash)
		if err != nil {
			return AudioSegment{}, err
		}
		m.meters.recordCache(ctx, hit)
		if !mp3.HasFrameSync(data) {
			// Tolerated: the buffer is spliced in as-is.
			log.Warn("fragment audio has no detectable frame sync",
				slog.String("text_hash", textHash),
				slog.Bool("cache_hit", hit))
		}
		buffers = append(buffers, data)
	}
	return AudioSegment{SequenceID: seq.SequenceID, Data: mp3.Splice(buffers)}, nil
}

func (m *Manager) voiceFor(ctx context.Context, userID string) (string, error) {
	voice, err := m.store.UserVoice(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("resolve user voice: %w", err)
	}
	if voice == "" {
		voice = m.cfg.DefaultVoice
	}
	return voice, nil
}

func (m *Manager) progress(ctx context.Context, jobID string, pct int) error {
	return m.store.UpdateProgress(ctx, jobID, jobstore.StatusProcessing, pct)
}

// fail writes the terminal failed state and emits the failure notification.
func (m *Manager) fail(ctx context.Context, log *slog.Logger, job jobstore.Job, cause error) {
	log.Error("assembly job failed", slog.String("error", cause.Error()))
	if err := m.store.MarkFailed(ctx, job.ID, cause.Error()); err != nil {
		if !errors.Is(err, jobstore.ErrJobFinalized) {
			log.Error("failed to record job failure", slog.String("error", err.Error()))
		}
	}
	m.meters.recordFailed(ctx)
	if m.notifier != nil {
		m.notifier.AssemblyFailed(job.UserID, job.ID, cause.Error())
	}
}

// storeFailure resolves a job-store write error. A terminal-state race or a
// shutdown cancellation means another writer already settled the row; any
// other storage error fails the job so it cannot be stranded in a
// non-terminal state.
func (m *Manager) storeFailure(ctx context.Context, log *slog.Logger, job jobstore.Job, err error) {
	if errors.Is(err, jobstore.ErrJobFinalized) || errors.Is(err, context.Canceled) {
		log.Warn("assembly job abandoned", slog.String("reason", err.Error()))
		return
	}
	m.fail(ctx, log, job, fmt.Errorf("record job state: %w", err))
}

// instructionsHash keys in-flight deduplication: one user submitting the same
// instruction payload twice maps to the same hash.
func instructionsHash(userID string, raw []byte) string {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))
}
