package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/haven-labs/haven-audio/internal/assembly"
	"github.com/haven-labs/haven-audio/internal/bus"
	"github.com/haven-labs/haven-audio/internal/config"
	"github.com/haven-labs/haven-audio/internal/protocol"
)

// Service accepts assembly requests from the message bus. Backend
// collaborators that already speak NATS can trigger a job without going
// through the HTTP API; when the request carries a reply subject the accepted
// job id is sent back.
type Service struct {
	cfg     config.TriggerConfig
	client  *bus.Client
	manager *assembly.Manager
	log     *slog.Logger

	sub *nats.Subscription
}

func New(cfg config.TriggerConfig, client *bus.Client, manager *assembly.Manager, logger *slog.Logger) *Service {
	return &Service{
		cfg:     cfg,
		client:  client,
		manager: manager,
		log:     logger.With(slog.String("component", "trigger")),
	}
}

func (s *Service) Start(ctx context.Context) error {
	subject := s.cfg.Subject
	if subject == "" {
		subject = protocol.SubjectAssemblyRequest
	}

	sub, err := s.client.Conn().Subscribe(subject, func(msg *nats.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	s.sub = sub

	s.log.Info("listening for assembly requests", slog.String("subject", subject))
	return nil
}

func (s *Service) Close() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.log.Warn("failed to unsubscribe", slog.String("error", err.Error()))
		}
		s.sub = nil
	}
}

func (s *Service) Healthy() bool {
	return s.sub != nil && s.sub.IsValid()
}

func (s *Service) handle(ctx context.Context, msg *nats.Msg) {
	var req protocol.AssemblyRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("discarding malformed assembly request", slog.String("error", err.Error()))
		return
	}

	job, err := s.manager.Submit(ctx, req.UserID, req.SessionID, req.Instructions)
	if err != nil {
		s.log.Warn("rejected assembly request",
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()))
		return
	}

	s.log.Info("bus-triggered assembly accepted",
		slog.String("job_id", job.ID),
		slog.String("user_id", req.UserID))

	if msg.Reply == "" {
		return
	}

	instr, err := assembly.ParseInstructions(req.Instructions)
	if err != nil {
		// Submit already validated the payload; this cannot happen.
		return
	}
	accepted := protocol.AssemblyAccepted{
		JobID:             job.ID,
		EstimatedDuration: s.manager.EstimateDuration(instr),
	}
	payload, err := json.Marshal(accepted)
	if err != nil {
		return
	}
	if err := msg.Respond(payload); err != nil {
		s.log.Warn("failed to reply to assembly request", slog.String("error", err.Error()))
	}
}
