package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/haven-labs/haven-audio/internal/bus"
	"github.com/haven-labs/haven-audio/internal/config"
	"github.com/haven-labs/haven-audio/internal/protocol"
)

// Notifier publishes user-facing terminal events on the message bus. Delivery
// is best effort: a publish failure is logged and never propagated back into
// the job pipeline, which has already committed its terminal state.
type Notifier struct {
	client *bus.Client
	prefix string
	log    *slog.Logger
	clock  func() time.Time
}

func New(cfg config.NotifyConfig, client *bus.Client, logger *slog.Logger) *Notifier {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = protocol.SubjectNotifyPrefix
	}
	return &Notifier{
		client: client,
		prefix: prefix,
		log:    logger.With(slog.String("component", "notifier")),
		clock:  time.Now,
	}
}

func (n *Notifier) AssemblyCompleted(userID, jobID, audioPath string) {
	n.publish(userID, protocol.Notification{
		UserID:  userID,
		Type:    protocol.NotifyAssemblyCompleted,
		Title:   "Your recording is ready",
		Message: "Your personalized audio protocol has been assembled.",
		Metadata: map[string]string{
			"job_id":     jobID,
			"audio_path": audioPath,
		},
	})
}

func (n *Notifier) AssemblyFailed(userID, jobID, message string) {
	n.publish(userID, protocol.Notification{
		UserID:  userID,
		Type:    protocol.NotifyAssemblyFailed,
		Title:   "Recording could not be assembled",
		Message: "We could not assemble your audio protocol. Please try again.",
		Metadata: map[string]string{
			"job_id": jobID,
			"error":  message,
		},
	})
}

func (n *Notifier) publish(userID string, note protocol.Notification) {
	note.Timestamp = n.clock().UTC()

	payload, err := json.Marshal(note)
	if err != nil {
		n.log.Error("failed to encode notification", slog.String("error", err.Error()))
		return
	}

	subject := fmt.Sprintf("%s.%s", n.prefix, userID)
	if err := n.client.Conn().Publish(subject, payload); err != nil {
		n.log.Error("failed to publish notification",
			slog.String("subject", subject),
			slog.String("type", note.Type),
			slog.String("error", err.Error()))
		return
	}
	n.log.Debug("notification published",
		slog.String("subject", subject),
		slog.String("type", note.Type))
}
