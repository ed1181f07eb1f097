// Package privacy provides redaction helpers for diagnostic output:
// credential scrubbing, URL sanitization and message cleaning. Nothing
// produced by this package ever contains the storage API credential.
package privacy

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Pre-compiled patterns, these run on every diagnostic snapshot.
var (
	urlPattern        = regexp.MustCompile(`\bhttps?://\S+`)
	credentialPattern = regexp.MustCompile(`(?i)\b(bearer|authorization|apikey|api_key|token)[=: ]+[^\s,;]+`)
	ipv4Pattern       = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
)

// ScrubMessage removes credential material from a message and anonymizes
// any URLs it contains.
func ScrubMessage(message string) string {
	message = credentialPattern.ReplaceAllString(message, "$1=[redacted]")
	return urlPattern.ReplaceAllStringFunc(message, AnonymizeURL)
}

// RedactCredential returns a display-safe form of a secret: empty input is
// reported as unset, anything else as a fixed placeholder with length.
func RedactCredential(secret string) string {
	if secret == "" {
		return "(unset)"
	}
	return fmt.Sprintf("[redacted:%d]", len(secret))
}

// SanitizeURL strips userinfo, query string and fragment from a URL,
// keeping scheme, host and path for debugging. Unparseable input is hashed.
func SanitizeURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		hash := sha256.Sum256([]byte(rawURL))
		return fmt.Sprintf("url-hash-%x", hash[:8])
	}
	parsed.User = nil
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String()
}

// AnonymizeURL converts a URL to an anonymized form while preserving
// debugging value: scheme and host category survive, everything else is
// reduced to a stable hash.
func AnonymizeURL(rawURL string) string {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		hash := sha256.Sum256([]byte(rawURL))
		return fmt.Sprintf("url-hash-%x", hash[:8])
	}

	var normalizedParts []string

	if parsedURL.Scheme != "" {
		normalizedParts = append(normalizedParts, parsedURL.Scheme)
	}

	host := parsedURL.Hostname()
	if host != "" {
		normalizedParts = append(normalizedParts, categorizeHost(host))
	}

	if parsedURL.Port() != "" {
		normalizedParts = append(normalizedParts, "port-"+parsedURL.Port())
	}

	if parsedURL.Path != "" && parsedURL.Path != "/" {
		normalizedParts = append(normalizedParts, anonymizePath(parsedURL.Path))
	}

	normalized := strings.Join(normalizedParts, ":")
	hash := sha256.Sum256([]byte(normalized))

	return fmt.Sprintf("url-%x", hash[:12])
}

// categorizeHost anonymizes hostnames while preserving useful categorization
func categorizeHost(host string) string {
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return "localhost"
	}

	if isPrivateIP(host) {
		return "private-ip"
	}

	if isIPAddress(host) {
		return "public-ip"
	}

	// For domain names, preserve TLD only
	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		return "domain-" + parts[len(parts)-1]
	}

	return "unknown-host"
}

// anonymizePath creates a structure-preserving but privacy-safe path representation
func anonymizePath(path string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return "root"
	}

	segments := strings.Split(path, "/")
	anonymized := make([]string, 0, len(segments))

	for _, segment := range segments {
		if segment == "" {
			continue
		}
		if isNumeric(segment) {
			anonymized = append(anonymized, "numeric")
			continue
		}
		hash := sha256.Sum256([]byte(segment))
		anonymized = append(anonymized, fmt.Sprintf("seg-%x", hash[:4]))
	}

	return strings.Join(anonymized, "/")
}

// isPrivateIP checks if the host is a private IP address (both IPv4 and IPv6)
func isPrivateIP(host string) bool {
	privateRanges := []string{
		"10.", "172.16.", "172.17.", "172.18.", "172.19.", "172.20.", "172.21.", "172.22.", "172.23.",
		"172.24.", "172.25.", "172.26.", "172.27.", "172.28.", "172.29.", "172.30.", "172.31.",
		"192.168.", "169.254.",
		"fc00:", "fd00:", "fe80:", "::1",
	}

	for _, prefix := range privateRanges {
		if strings.HasPrefix(strings.ToLower(host), prefix) {
			return true
		}
	}
	return false
}

// isIPAddress checks if the host looks like an IP address
func isIPAddress(host string) bool {
	if ipv4Pattern.MatchString(host) {
		return true
	}
	// IPv6 hosts contain colons
	return strings.Contains(host, ":")
}

// isNumeric checks if a string is purely numeric
func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
