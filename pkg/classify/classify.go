// Package classify derives sentiment, priority, and extracted entities from
// raw message text using lexical heuristics. No model calls; it must stay
// cheap enough to run inline during ingestion.
package classify

import (
	"regexp"
	"strings"
)

// Sentiment labels.
const (
	SentimentPositive = "Positive"
	SentimentNegative = "Negative"
	SentimentNeutral  = "Neutral"
)

// Priority labels.
const (
	PriorityUrgent    = "Urgent"
	PriorityNotUrgent = "Not urgent"
)

//nolint:gochecknoglobals // static lexicons
var (
	negativeHints = []string{"angry", "frustrated", "upset", "bad", "worst", "unhappy", "disappointed"}
	positiveHints = []string{"great", "thanks", "thank you", "love", "excellent", "awesome", "happy"}
	priorityHints = []string{"immediately", "critical", "cannot access", "urgent", "down", "failure"}

	phoneRe   = regexp.MustCompile(`\+?\d[\d\-\s]{7,}\d`)
	emailRe   = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	tokenRe   = regexp.MustCompile(`[A-Za-z]{4,18}`)
	actionRes = []*regexp.Regexp{
		regexp.MustCompile(`reset`),
		regexp.MustCompile(`refund`),
		regexp.MustCompile(`cancel`),
		regexp.MustCompile(`update`),
		regexp.MustCompile(`upgrade`),
		regexp.MustCompile(`unlock`),
		regexp.MustCompile(`activate`),
		regexp.MustCompile(`deactivate`),
		regexp.MustCompile(`remove`),
		regexp.MustCompile(`add`),
	}

	stopWords = map[string]struct{}{
		"this": {}, "that": {}, "have": {}, "with": {}, "from": {},
		"subject": {}, "please": {}, "thanks": {}, "thank": {},
		"regarding": {}, "about": {}, "their": {}, "there": {},
		"would": {}, "could": {}, "should": {}, "hello": {},
		"team": {}, "your": {}, "issue": {}, "request": {}, "problem": {},
	}
)

// Sentiment classifies text as Positive, Negative, or Neutral by counting
// lexicon hits; negative hints win ties since complaints are what the
// pipeline cares about.
func Sentiment(text string) string {
	lowered := strings.ToLower(text)

	negatives := 0
	for _, w := range negativeHints {
		if strings.Contains(lowered, w) {
			negatives++
		}
	}
	if negatives > 0 {
		return SentimentNegative
	}

	positives := 0
	for _, w := range positiveHints {
		if strings.Contains(lowered, w) {
			positives++
		}
	}
	if positives > 0 {
		return SentimentPositive
	}
	return SentimentNeutral
}

// Priority returns Urgent when any urgency hint appears in the text.
func Priority(text string) string {
	lowered := strings.ToLower(text)
	for _, w := range priorityHints {
		if strings.Contains(lowered, w) {
			return PriorityUrgent
		}
	}
	return PriorityNotUrgent
}

// Extraction holds entities pulled from a message body.
type Extraction struct {
	Phones           []string `json:"phones"`
	Emails           []string `json:"emails"`
	Keywords         []string `json:"keywords"`
	RequestedActions []string `json:"requested_actions"`
	SentimentTerms   []string `json:"sentiment_terms"`
}

// Extract pulls phone numbers, email addresses, up to 8 keywords, requested
// actions, and matched sentiment terms from text.
func Extract(text string) Extraction {
	lowered := strings.ToLower(text)
	ex := Extraction{
		Phones: phoneRe.FindAllString(text, -1),
		Emails: emailRe.FindAllString(text, -1),
	}

	seen := make(map[string]struct{})
	for _, tok := range tokenRe.FindAllString(lowered, -1) {
		if _, stop := stopWords[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		ex.Keywords = append(ex.Keywords, tok)
		if len(ex.Keywords) >= 8 {
			break
		}
	}

	actionSet := make(map[string]struct{})
	for _, re := range actionRes {
		for _, m := range re.FindAllString(lowered, -1) {
			actionSet[m] = struct{}{}
		}
	}
	for _, re := range actionRes {
		// preserve lexicon order instead of map order
		if _, ok := actionSet[re.String()]; ok {
			ex.RequestedActions = append(ex.RequestedActions, re.String())
		}
	}

	for _, w := range negativeHints {
		if strings.Contains(lowered, w) {
			ex.SentimentTerms = append(ex.SentimentTerms, w)
		}
	}
	return ex
}

// MentionsPassword reports whether the text refers to passwords or account
// lockout; used by the local reply template to pick an intro.
func MentionsPassword(text string) bool {
	lowered := strings.ToLower(text)
	return strings.Contains(lowered, "password") || strings.Contains(lowered, "locked out")
}
