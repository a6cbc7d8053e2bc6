// Package notify delivers terminal-state announcements to external
// channels. Senders are built from configuration; an empty section just
// means that channel is off.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pipeord/pipeord/internal/config"
	"github.com/pipeord/pipeord/internal/jobs"
)

// sendTimeout bounds one delivery attempt per channel.
const sendTimeout = 15 * time.Second

// Sender delivers one message to an external service.
type Sender interface {
	// Name identifies the channel in logs.
	Name() string
	// Send delivers the message.
	Send(ctx context.Context, message string) error
}

// Notifier fans a finished job out to every configured sender. It satisfies
// the orchestrator's completion hook.
type Notifier struct {
	senders []Sender
	jobs    *jobs.Service
	log     *slog.Logger
}

// New builds a Notifier from configuration. Returns nil when no channel is
// configured; the orchestrator treats a nil notifier as "off".
func New(cfg config.NotifyConfig, svc *jobs.Service, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	var senders []Sender
	if cfg.SlackWebhook != "" {
		senders = append(senders, &SlackSender{WebhookURL: cfg.SlackWebhook})
	}
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != "" {
		senders = append(senders, &TelegramSender{Token: cfg.Telegram.Token, ChatID: cfg.Telegram.ChatID})
	}
	if cfg.SMTP.Host != "" && cfg.SMTP.To != "" {
		senders = append(senders, &SMTPSender{Config: cfg.SMTP})
	}
	if len(senders) == 0 {
		return nil
	}
	return &Notifier{senders: senders, jobs: svc, log: log}
}

// JobFinished announces one finished worker run. The message is built from
// the canonical job view when it can be read, from the bare id otherwise.
func (n *Notifier) JobFinished(jobID string, runErr error) {
	message := n.message(jobID, runErr)

	var wg sync.WaitGroup
	for _, sender := range n.senders {
		wg.Add(1)
		go func(s Sender) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := s.Send(ctx, message); err != nil {
				n.log.Warn("notification failed", "channel", s.Name(), "job", jobID, "err", err)
			}
		}(sender)
	}
	wg.Wait()
}

func (n *Notifier) message(jobID string, runErr error) string {
	job, err := n.jobs.Get(jobID)
	if err != nil {
		if runErr != nil {
			return fmt.Sprintf("Job %s failed: %v", jobID, runErr)
		}
		return fmt.Sprintf("Job %s finished", jobID)
	}

	label := job.Name
	if label == "" {
		label = job.ID
	}
	switch job.Status {
	case "complete":
		return fmt.Sprintf("✅ Job %q (%s) completed — %d tasks, pipeline %s",
			label, job.ID, len(job.TasksStatus), job.Pipeline)
	case "failed":
		detail := ""
		for taskID, t := range job.TasksStatus {
			if t.Error != nil {
				detail = fmt.Sprintf(" Task %s: %s.", taskID, t.Error.Message)
				break
			}
		}
		return fmt.Sprintf("❌ Job %q (%s) failed on pipeline %s.%s",
			label, job.ID, job.Pipeline, detail)
	default:
		return fmt.Sprintf("Job %q (%s) stopped in state %s", label, job.ID, job.Status)
	}
}
