// Package contentkey derives stable content keys from media request
// descriptors.
//
// A content key identifies the artifact a request will materialize, not the
// request itself: two requests that differ only in tracking parameters,
// query-parameter ordering, or other metadata that cannot affect the produced
// bytes must collapse onto the same key. The key is the deduplication unit
// for the whole coordination layer, so derivation must be deterministic
// across process restarts (no process-local salt) and must perform no I/O.
package contentkey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Intent describes which artifact a request wants extracted from a locator.
type Intent string

const (
	IntentAudio Intent = "audio"
	IntentVideo Intent = "video"
)

// ParseIntent validates a wire-level intent string.
func ParseIntent(s string) (Intent, error) {
	switch Intent(strings.ToLower(strings.TrimSpace(s))) {
	case IntentAudio:
		return IntentAudio, nil
	case IntentVideo:
		return IntentVideo, nil
	default:
		return "", fmt.Errorf("%w: unknown intent %q", ErrMalformedLocator, s)
	}
}

// Key is a derived content key: the hex-encoded SHA-256 of the normalized
// locator and intent. Immutable once computed.
type Key string

func (k Key) String() string { return string(k) }

// ErrMalformedLocator is returned when a locator cannot be normalized.
// It is reported to the caller, never panicked past the boundary.
var ErrMalformedLocator = fmt.Errorf("malformed locator")

// strippedParams are query parameters that never affect the materialized
// artifact: tracking tags, share tokens, playback hints.
var strippedParams = map[string]struct{}{
	"fbclid":        {},
	"gclid":         {},
	"dclid":         {},
	"igshid":        {},
	"igsh":          {},
	"si":            {},
	"feature":       {},
	"ref":           {},
	"ref_src":       {},
	"ref_url":       {},
	"spm":           {},
	"mc_cid":        {},
	"mc_eid":        {},
	"share_id":      {},
	"sender_web_id": {},
	"web_id":        {},
	"_t":            {},
	"_r":            {},
}

// Derive computes the content key for a (locator, intent) pair.
//
// The same inputs always yield the same key; locators differing only in
// stripped parameters or parameter order yield the same key. A locator that
// is not an absolute http(s) URL is rejected with ErrMalformedLocator.
func Derive(locator string, intent Intent) (Key, error) {
	normalized, err := Normalize(locator)
	if err != nil {
		return "", err
	}
	if intent != IntentAudio && intent != IntentVideo {
		return "", fmt.Errorf("%w: unknown intent %q", ErrMalformedLocator, intent)
	}

	sum := sha256.Sum256([]byte(normalized + "|" + string(intent)))
	return Key(hex.EncodeToString(sum[:])), nil
}

// Normalize canonicalizes a locator:
//   - scheme and host are lowercased, default ports dropped
//   - the fragment is discarded
//   - tracking parameters are stripped
//   - remaining query parameters are sorted by name
//   - a trailing slash on a non-root path is dropped
func Normalize(locator string) (string, error) {
	raw := strings.TrimSpace(locator)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrMalformedLocator)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedLocator, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrMalformedLocator, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrMalformedLocator)
	}

	u.Scheme = scheme
	u.Host = normalizeHost(strings.ToLower(u.Host), scheme)
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	filtered := url.Values{}
	for name, values := range u.Query() {
		if isStripped(name) {
			continue
		}
		filtered[name] = values
	}
	// Encode sorts parameters by name, which gives the canonical ordering.
	u.RawQuery = filtered.Encode()

	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	u.RawPath = ""

	return u.String(), nil
}

func normalizeHost(host, scheme string) string {
	switch scheme {
	case "http":
		return strings.TrimSuffix(host, ":80")
	case "https":
		return strings.TrimSuffix(host, ":443")
	}
	return host
}

func isStripped(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "utm_") {
		return true
	}
	_, ok := strippedParams[lower]
	return ok
}
