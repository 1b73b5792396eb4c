// Package notify sends alerts about runs that stopped abnormally.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/nadmax/taskd/internal/task"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const sendEndpoint = "/v3/mail/send"

type Config struct {
	APIKey      string   `yaml:"api_key"`
	Host        string   `yaml:"host"`
	FromName    string   `yaml:"from_name"`
	FromAddress string   `yaml:"from_address"`
	To          []string `yaml:"to"`
}

// Mailer emails a summary of every run that stopped on an exception or on
// the memory limit. Cancelled runs are not reported.
type Mailer struct {
	apiKey string
	host   string
	from   *mail.Email
	to     []*mail.Email
}

func NewMailer(cfg Config) (*Mailer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("missing sendgrid api key")
	}
	if len(cfg.To) == 0 {
		return nil, errors.New("missing notification recipients")
	}

	to := make([]*mail.Email, 0, len(cfg.To))
	for _, addr := range cfg.To {
		to = append(to, mail.NewEmail("", addr))
	}

	return &Mailer{
		apiKey: cfg.APIKey,
		host:   cfg.Host,
		from:   mail.NewEmail(cfg.FromName, cfg.FromAddress),
		to:     to,
	}, nil
}

// ShouldNotify reports whether a finished record is worth an alert.
func ShouldNotify(rec *task.Record) bool {
	return rec.StopType == task.StopException || rec.StopType == task.StopMemoryLimit
}

func Subject(rec *task.Record) string {
	return fmt.Sprintf("[taskd] %s stopped: %s", rec.Task, rec.StopType)
}

func Body(rec *task.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "task: %s\n", rec.Task)
	fmt.Fprintf(&b, "run: %s\n", rec.RunID)
	fmt.Fprintf(&b, "class: %s\n", rec.Class)
	fmt.Fprintf(&b, "started: %s\n", rec.StartTime)
	fmt.Fprintf(&b, "stopped: %s\n", rec.StopTime)
	fmt.Fprintf(&b, "duration: %s\n", rec.DurationTimeHuman)
	fmt.Fprintf(&b, "memory peak: %s\n", rec.MemoryPeakUsage)
	fmt.Fprintf(&b, "reason: %s\n", rec.StopReason)
	return b.String()
}

func (m *Mailer) NotifyStop(_ context.Context, rec *task.Record) error {
	if !ShouldNotify(rec) {
		return nil
	}

	message := mail.NewV3Mail()
	message.SetFrom(m.from)
	message.Subject = Subject(rec)

	p := mail.NewPersonalization()
	p.AddTos(m.to...)
	message.AddPersonalizations(p)
	message.AddContent(mail.NewContent("text/plain", Body(rec)))

	request := sendgrid.GetRequest(m.apiKey, sendEndpoint, m.host)
	request.Method = "POST"
	request.Body = mail.GetRequestBody(message)

	response, err := sendgrid.MakeRequest(request)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	log.Printf("Stop alert for %s sent to %d recipients (status: %d)", rec.Task, len(m.to), response.StatusCode)
	return nil
}
