// Package jobs carries rendered notification emails to the delivery worker over a message
// transport.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

// EmailJob is a fully rendered email handed to the delivery worker.
type EmailJob struct {
	ID        string    `json:"id"`
	Template  string    `json:"template"`
	To        string    `json:"to"`
	From      string    `json:"from,omitempty"`
	Subject   string    `json:"subject"`
	HTML      string    `json:"html"`
	Text      string    `json:"text"`
	Reference string    `json:"reference,omitempty"`
	QueuedAt  time.Time `json:"queuedAt"`
}

// EmailPublisher enqueues email jobs and returns the transport message id.
type EmailPublisher interface {
	PublishEmail(ctx context.Context, job EmailJob) (string, error)
}

// Validate reports missing addressing or content.
func (j EmailJob) Validate() error {
	switch {
	case strings.TrimSpace(j.ID) == "":
		return errors.New("email job: id is required")
	case strings.TrimSpace(j.To) == "":
		return errors.New("email job: recipient is required")
	case strings.TrimSpace(j.Subject) == "":
		return errors.New("email job: subject is required")
	case j.HTML == "" && j.Text == "":
		return errors.New("email job: body is required")
	}
	return nil
}

func attributes(job EmailJob) map[string]string {
	attrs := make(map[string]string)
	setAttr(attrs, "jobId", job.ID)
	setAttr(attrs, "template", job.Template)
	setAttr(attrs, "reference", job.Reference)
	return attrs
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

// LogEmailPublisher writes jobs to the log instead of a broker. Intended for local development.
type LogEmailPublisher struct {
	logger *zap.Logger
}

// NewLogEmailPublisher constructs a log-only publisher.
func NewLogEmailPublisher(logger *zap.Logger) *LogEmailPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogEmailPublisher{logger: logger.Named("email")}
}

func (p *LogEmailPublisher) PublishEmail(_ context.Context, job EmailJob) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	p.logger.Info("email job queued",
		zap.String("jobId", job.ID),
		zap.String("template", job.Template),
		zap.String("reference", job.Reference),
		zap.Int("bytes", len(body)),
	)
	return job.ID, nil
}
