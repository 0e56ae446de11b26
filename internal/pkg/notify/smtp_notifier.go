package notify

import (
	"fmt"
	"log"
	"net/smtp"
	"sort"
	"strings"

	"github.com/ClassPilotHQ/ClassPilot/internal/pkg/env"
)

// SMTPNotifier renders templates into plain HTML emails and sends them via
// SMTP. Delivery problems are returned to the caller, which logs and moves
// on (see Send).
type SMTPNotifier struct{}

func (SMTPNotifier) Notify(templateID, recipient string, data map[string]string) error {
	return sendMail(recipient, SubjectFor(templateID), renderBody(templateID, data))
}

func renderBody(templateID string, data map[string]string) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("<p>%s</p><ul>", SubjectFor(templateID)))
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(fmt.Sprintf("<li>%s: %s</li>", k, data[k]))
	}
	b.WriteString("</ul>")
	return b.String()
}

func sendMail(to string, subject string, body string) error {
	host := env.GetEnv("SMTP_HOST", "")
	port := env.GetEnv("SMTP_PORT", "")
	username := env.GetEnv("SMTP_USERNAME", "")
	password := env.GetEnv("SMTP_PASSWORD", "")
	sender := env.GetEnv("SMTP_SENDER", "")

	if sender == "" {
		sender = fmt.Sprintf("no-reply@%s", "localhost")
		log.Printf("SMTP_SENDER not set, using default sender: %s", sender)
	}

	var auth smtp.Auth
	if username != "" && password != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}

	addr := fmt.Sprintf("%s:%s", host, port)

	msg := []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", sender, to, subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			body,
	)

	err := smtp.SendMail(addr, auth, sender, []string{to}, msg)
	if err != nil {
		log.Printf("SMTP send error: %v", err)
	}
	return err
}
