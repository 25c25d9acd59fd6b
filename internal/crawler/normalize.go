package crawler

import (
	"net/url"
	"strings"
)

// Tracking parameters stripped during URL normalization.
var trackingParams = map[string]struct{}{
	"gclid": {}, "fbclid": {}, "msclkid": {},
}

// Normalize canonicalizes a URL for frontier dedup: lowercase scheme and
// host, default ports and fragments removed, tracking parameters dropped,
// trailing slash stripped on non-root paths. Normalize is idempotent.
func Normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}

	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if _, drop := trackingParams[key]; drop || strings.HasPrefix(key, "utm_") {
				q.Del(key)
			}
		}
		u.RawQuery = q.Encode()
	}

	if u.Path == "" {
		u.Path = "/"
	}
	if len(u.Path) > 1 && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimRight(u.Path, "/")
	}

	return u.String(), nil
}

// SameSite reports whether host belongs to the seed's origin, optionally
// counting subdomains.
func SameSite(seedHost, host string, allowSubdomains bool) bool {
	if host == "" {
		return false
	}
	seedHost = strings.ToLower(seedHost)
	host = strings.ToLower(host)
	if seedHost == host {
		return true
	}
	// www and bare apex are the same site either way.
	if strings.TrimPrefix(seedHost, "www.") == strings.TrimPrefix(host, "www.") {
		return true
	}
	if allowSubdomains && strings.HasSuffix(host, "."+strings.TrimPrefix(seedHost, "www.")) {
		return true
	}
	return false
}
