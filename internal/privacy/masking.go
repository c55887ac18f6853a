package privacy

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"solarchat/internal/constants"

	"github.com/sirupsen/logrus"
)

// MaskIdentifier masks a participant or message identifier, keeping the last characters
// Example: "customer-104233" -> "***********4233"
func MaskIdentifier(id string) string {
	return maskString(id, constants.DefaultIdentifierMaskLength)
}

// MaskText hides message content, keeping a short prefix and the original length
// Example: "Quotation #88 is ready for review" -> "Quotation #8…(33 chars)"
func MaskText(text string) string {
	if text == "" {
		return ""
	}
	n := utf8.RuneCountInString(text)
	if n <= constants.DefaultTextPreviewLength {
		return strings.Repeat("*", n)
	}
	runes := []rune(text)
	return string(runes[:constants.DefaultTextPreviewLength]) + "…(" + strconv.Itoa(n) + " chars)"
}

// MaskFields returns a copy of fields with identifier and content keys masked.
// Verbose logging returns the fields untouched.
func MaskFields(fields logrus.Fields, verbose bool) logrus.Fields {
	if fields == nil || verbose {
		return fields
	}

	masked := make(logrus.Fields, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}
		switch k {
		case "viewer", "peer", "sender", "recipient", "target", "message_id", "client_id":
			masked[k] = MaskIdentifier(s)
		case "text", "content":
			masked[k] = MaskText(s)
		default:
			masked[k] = v
		}
	}
	return masked
}

func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	runes := []rune(s)
	if len(runes) <= keepLast {
		return strings.Repeat("*", len(runes))
	}
	return strings.Repeat("*", len(runes)-keepLast) + string(runes[len(runes)-keepLast:])
}
