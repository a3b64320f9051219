// Package alert mails a notification when the engine fails. The notifier is
// a plain bus subscriber; losing a mail never affects the engine.
package alert

import (
	"context"
	"fmt"
	"log/slog"

	mail "gopkg.in/gomail.v2"

	"github.com/salvadorguc/sisproone-micro/config"
	"github.com/salvadorguc/sisproone-micro/internal/bus"
)

// Notifier watches the bus for ENGINE_FAILED and sends one mail per event.
type Notifier struct {
	cfg config.Alert
	log *slog.Logger

	// send overrides SMTP delivery in tests.
	send func(subject, body string) error
}

func NewNotifier(cfg config.Alert) *Notifier {
	n := &Notifier{cfg: cfg, log: slog.With("component", "alert")}
	n.send = n.sendMail
	return n
}

// Run consumes events until ctx ends or the bus closes.
func (n *Notifier) Run(ctx context.Context, events <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != bus.EngineFailed {
				continue
			}
			subject := "[sisproone] engine failed"
			body := fmt.Sprintf("reason: %s\nphase: %s\nat: %s\n",
				ev.Reason, ev.Phase, ev.At.Format("2006-01-02 15:04:05 MST"))
			if err := n.send(subject, body); err != nil {
				n.log.Error("alert mail not sent", "error", err)
			}
		}
	}
}

func (n *Notifier) sendMail(subject, body string) error {
	if n.cfg.SMTPHost == "" || n.cfg.From == "" || len(n.cfg.To) == 0 {
		return fmt.Errorf("alert mail not configured")
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", n.cfg.From)
	msg.SetHeader("To", n.cfg.To...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	dial := mail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.Username, n.cfg.Password)
	return dial.DialAndSend(msg)
}
