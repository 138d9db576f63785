package logger

import "strings"

// RedactEmail masks a recipient address for safe logging.
// "jane.roe@example.com" becomes "ja***@example.com"; local parts of two
// characters or fewer are masked entirely.
func RedactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "***@***"
	}
	local, domain := email[:at], email[at+1:]
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}
