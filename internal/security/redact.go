// Package security provides log redaction and target URL checks.
package security

import (
	"errors"
	"net/url"
	"strings"
)

// maxLoggedURLLength bounds URLs written to logs.
const maxLoggedURLLength = 256

const redacted = "[REDACTED]"

// Target URL errors.
var (
	ErrInvalidURL    = errors.New("invalid URL")
	ErrBlockedScheme = errors.New("URL scheme not allowed")
	ErrMissingHost   = errors.New("URL has no host")
)

// RedactURL removes sensitive information from a URL for safe logging.
// Credentials and secret-looking query parameters are replaced, fragments are
// dropped, data: URLs are reduced to their media type and the result is
// truncated to a fixed length.
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	if strings.HasPrefix(strings.ToLower(rawURL), "data:") {
		mediaType, _, _ := strings.Cut(rawURL[len("data:"):], ",")
		return "data:" + mediaType + ",..."
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}

	if parsed.User != nil {
		parsed.User = url.User(redacted)
	}
	if parsed.RawQuery != "" {
		parsed.RawQuery = redactQueryParams(parsed.Query()).Encode()
	}
	parsed.Fragment = ""
	parsed.RawFragment = ""

	return truncate(parsed.String(), maxLoggedURLLength)
}

// sensitiveParamPatterns are query parameter names that likely contain secrets.
var sensitiveParamPatterns = []string{
	"password",
	"passwd",
	"pwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"api-key",
	"auth",
	"credential",
	"key",
	"session",
	"sessionid",
	"sid",
	"signature",
	"sig",
}

func isSensitive(name string) bool {
	lower := strings.ToLower(name)
	for _, pattern := range sensitiveParamPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func redactQueryParams(params url.Values) url.Values {
	out := make(url.Values, len(params))
	for key, values := range params {
		if isSensitive(key) {
			out[key] = []string{redacted}
		} else {
			out[key] = values
		}
	}
	return out
}

// sensitiveHeaders are request headers that are always redacted.
var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
	"x-auth-token":        true,
	"x-csrf-token":        true,
}

// RedactHeaders returns a copy of headers safe for logging.
func RedactHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		if sensitiveHeaders[strings.ToLower(name)] || isSensitive(name) {
			out[name] = redacted
		} else {
			out[name] = value
		}
	}
	return out
}

// ValidateTarget checks that rawURL can be used as a navigation target:
// an absolute http or https URL with a host.
func ValidateTarget(rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return ErrInvalidURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrInvalidURL
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return ErrBlockedScheme
	}
	if parsed.Hostname() == "" {
		return ErrMissingHost
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
