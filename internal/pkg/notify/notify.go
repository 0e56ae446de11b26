package notify

import (
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v2/log"
)

// Template IDs for lifecycle notifications. The engine never blocks on
// delivery; a failed notification is logged and the transition that caused
// it proceeds.
const (
	TplPaymentFailed       = "payment_failed"
	TplPaymentNeedsReview  = "payment_needs_review"
	TplWaitlistSeatOffered = "waitlist_seat_offered"
	TplWaitlistPromoted    = "waitlist_promoted"
	TplWaitlistChargeFail  = "waitlist_charge_failed"
	TplRefundPending       = "refund_pending_approval"
	TplRefundDecided       = "refund_decided"
	TplCreditIssued        = "credit_issued"
)

// Notifier is the fire-and-forget notification collaborator.
type Notifier interface {
	Notify(templateID, recipient string, data map[string]string) error
}

// Send dispatches a notification and swallows the error after logging it.
// Lifecycle transitions must never fail because an email did.
func Send(n Notifier, templateID, recipient string, data map[string]string) {
	if n == nil {
		return
	}
	if err := n.Notify(templateID, recipient, data); err != nil {
		log.Warnf("[Notify] %s to %s failed: %v", templateID, recipient, err)
	}
}

// LogNotifier writes notifications to the application log. Used in dev and
// as the default when SMTP is not configured.
type LogNotifier struct{}

func (LogNotifier) Notify(templateID, recipient string, data map[string]string) error {
	log.Infof("[Notify] template=%s recipient=%s data=%v", templateID, recipient, data)
	return nil
}

// Recorder captures notifications for tests.
type Recorder struct {
	mu   sync.Mutex
	Sent []Recorded
}

type Recorded struct {
	TemplateID string
	Recipient  string
	Data       map[string]string
}

func (r *Recorder) Notify(templateID, recipient string, data map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Sent = append(r.Sent, Recorded{TemplateID: templateID, Recipient: recipient, Data: data})
	return nil
}

// Count returns how many notifications with the given template were sent.
func (r *Recorder) Count(templateID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.Sent {
		if s.TemplateID == templateID {
			n++
		}
	}
	return n
}

var subjects = map[string]string{
	TplPaymentFailed:       "Payment failed for your enrollment",
	TplPaymentNeedsReview:  "Enrollment payment needs review",
	TplWaitlistSeatOffered: "A seat opened up - claim it within 12 hours",
	TplWaitlistPromoted:    "You're in! Enrollment confirmed",
	TplWaitlistChargeFail:  "We couldn't charge your card for the open seat",
	TplRefundPending:       "Refund request received",
	TplRefundDecided:       "Your refund request was reviewed",
	TplCreditIssued:        "Account credit added",
}

// SubjectFor resolves the mail subject line for a template.
func SubjectFor(templateID string) string {
	if s, ok := subjects[templateID]; ok {
		return s
	}
	return fmt.Sprintf("Notification: %s", templateID)
}
