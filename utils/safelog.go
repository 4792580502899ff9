// utils/safelog.go
// ============================================================================
// SAFE LOGGING - Masks sensitive data before it reaches the logs
// ============================================================================
// The sync pipeline handles credentials, IBANs and raw bank payloads.
// Nothing from this set may appear in a log line, in any environment.
// ============================================================================

package utils

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
)

var (
	// IsProduction tightens masking (amounts too) in production.
	IsProduction = os.Getenv("GIN_MODE") == "release" ||
		os.Getenv("ENVIRONMENT") == "production"

	emailRegex  = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	ibanRegex   = regexp.MustCompile(`[A-Z]{2}\d{2}[A-Z0-9]{10,30}`)
	cardRegex   = regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`)
	bearerRegex = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`)
	tokenRegex  = regexp.MustCompile(`(?i)(access_token|refresh_token)["':=\s]+[A-Za-z0-9._~+/=-]+`)
	amountRegex = regexp.MustCompile(`\b\d{2,}([.,]\d{1,2})?\s*(€|EUR|GBP|USD|RUB|£|\$)\b`)
)

// Sanitize masks credentials and personal data inside a log message.
func Sanitize(msg string) string {
	msg = bearerRegex.ReplaceAllString(msg, "Bearer ***")
	msg = tokenRegex.ReplaceAllString(msg, "$1=***")
	msg = ibanRegex.ReplaceAllString(msg, "IBAN***")
	msg = cardRegex.ReplaceAllString(msg, "****-****-****-****")
	msg = emailRegex.ReplaceAllString(msg, "***@***")
	if IsProduction {
		msg = amountRegex.ReplaceAllString(msg, "***")
	}
	return msg
}

// MaskID keeps enough of an identifier to correlate log lines without
// exposing the full value.
func MaskID(id string) string {
	if len(id) <= 8 {
		return "****"
	}
	return id[:4] + "..." + id[len(id)-4:]
}

// SafeLogf is Printf with sanitization applied to the formatted message.
func SafeLogf(format string, args ...interface{}) {
	log.Print(Sanitize(fmt.Sprintf(format, args...)))
}

// TruncatePayload returns payload shape metadata suitable for logging a
// malformed bank response: length and a masked prefix, never the full body.
func TruncatePayload(body []byte) string {
	s := string(body)
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return fmt.Sprintf("len=%d prefix=%q", len(body), Sanitize(strings.TrimSpace(s)))
}
