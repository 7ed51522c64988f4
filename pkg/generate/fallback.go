package generate

import (
	"fmt"

	"responder/pkg/classify"
	"responder/pkg/persistence"
)

const fallbackExcerptLimit = 240

// LocalReply builds the deterministic reply template. It never fails and
// serves as the terminal fallback when providers are disabled, unavailable,
// or exhausted.
func LocalReply(msg *persistence.Email) string {
	summary := msg.Body
	if runes := []rune(summary); len(runes) > fallbackExcerptLimit {
		summary = string(runes[:fallbackExcerptLimit]) + "..."
	}

	intro := "Thank you for contacting support."
	if classify.MentionsPassword(msg.Body) {
		intro = "Thanks for reaching out about your password issue."
	}

	action := "We'll investigate and get back to you shortly."
	if msg.Priority == classify.PriorityUrgent {
		action = "We're treating this as high priority and will update you ASAP."
	}

	closing := "Kind regards,\nSupport Team"

	return fmt.Sprintf("Subject: Re: %s\n\n%s\n\nI reviewed your message: \n%s\n\n%s\n\n%s",
		msg.Subject, intro, summary, action, closing)
}
