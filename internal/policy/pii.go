package policy

import (
	"regexp"

	"github.com/iago/research-agent/internal/domain"
)

var (
	emailPattern = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phonePattern = regexp.MustCompile(`(?:\+\d{1,3}[\s.\-]?)?\(?\b\d{2,4}\)?[\s.\-]\d{3,5}[\s.\-]\d{4}\b`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]?){12,15}\d\b`)
)

// MaskPIIString replaces emails, phone numbers, SSNs and card numbers.
func MaskPIIString(value string) string {
	masked := emailPattern.ReplaceAllString(value, "[email_redacted]")
	masked = cardPattern.ReplaceAllStringFunc(masked, maskCardNumber)
	masked = ssnPattern.ReplaceAllString(masked, "***-**-****")
	masked = phonePattern.ReplaceAllString(masked, "[phone_redacted]")
	return masked
}

// RedactCard masks PII in the card title, content and citation snippets and
// reports whether anything changed.
func RedactCard(card *domain.InsightCard) bool {
	changed := false
	redact := func(s *string) {
		masked := MaskPIIString(*s)
		if masked != *s {
			*s = masked
			changed = true
		}
	}

	redact(&card.Title)
	redact(&card.Content)
	for i := range card.Citations {
		redact(&card.Citations[i].Snippet)
	}
	return changed
}

func maskCardNumber(value string) string {
	digits := make([]rune, 0, len(value))
	for _, char := range value {
		if char >= '0' && char <= '9' {
			digits = append(digits, char)
		}
	}
	if len(digits) < 8 {
		return "[card_redacted]"
	}

	last4 := string(digits[len(digits)-4:])
	return "**** **** **** " + last4
}
