package validation

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	ErrEmptyURL       = errors.New("URL cannot be empty")
	ErrURLTooLong     = errors.New("URL too long")
	ErrInvalidScheme  = errors.New("URL must use http or https")
	ErrMissingHost    = errors.New("URL must have a hostname")
	ErrPrivateAddress = errors.New("local and private addresses are not permitted")
)

// FeedURLValidator checks URLs a user subscribes to before they are stored
// and fetched.
type FeedURLValidator struct {
	// AllowPrivateHosts permits localhost and private or link-local IPs.
	AllowPrivateHosts bool
	// MaxLength bounds the normalized URL; feeds.url is a VARCHAR(1024).
	MaxLength int
}

func NewFeedURLValidator(allowPrivate bool) *FeedURLValidator {
	return &FeedURLValidator{
		AllowPrivateHosts: allowPrivate,
		MaxLength:         1024,
	}
}

// ValidateAndNormalize trims the input, defaults a missing scheme to https,
// lower-cases scheme and host and drops the fragment. The result is the
// form stored in Feed.URL, so equal feeds normalize to equal strings.
func (v *FeedURLValidator) ValidateAndNormalize(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", ErrEmptyURL
	}

	if !strings.Contains(input, "://") {
		input = "https://" + input
	}

	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("invalid URL format: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: got %q", ErrInvalidScheme, u.Scheme)
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", ErrMissingHost
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	if !v.AllowPrivateHosts && isPrivateHost(hostname) {
		return "", fmt.Errorf("%w: %s", ErrPrivateAddress, hostname)
	}

	normalized := u.String()
	if v.MaxLength > 0 && len(normalized) > v.MaxLength {
		return "", fmt.Errorf("%w (max %d characters)", ErrURLTooLong, v.MaxLength)
	}
	return normalized, nil
}

func isPrivateHost(hostname string) bool {
	if hostname == "localhost" || strings.HasSuffix(hostname, ".localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
