// Package keys turns resource identifiers into fetch URLs and cache keys.
package keys

import "strings"

/*
Resolver canonicalizes resources against a base URL.

A resource is either an absolute http(s) URL or a path relative to BaseURL.
The cache key is the absolute URL cut at the first '?' or '&', so repeated
cache-busted requests for the same logical resource share one key.

Resources that differ only in their query string also share one key.
*/
type Resolver struct {
	BaseURL string
}

// Resolve returns the URL to fetch and the cache key for resource.
func (r Resolver) Resolve(resource string) (url, key string) {
	url = r.Absolute(resource)
	return url, Canonical(url)
}

// Absolute builds an absolute URL for resource.
func (r Resolver) Absolute(resource string) string {
	if IsAbsolute(resource) || r.BaseURL == "" {
		return resource
	}
	base := strings.TrimRight(r.BaseURL, "/")
	if resource == "" {
		return base
	}
	if resource[0] == '?' || resource[0] == '&' {
		return base + resource
	}
	return base + "/" + strings.TrimLeft(resource, "/")
}

// IsAbsolute reports whether resource already carries an http(s) scheme.
func IsAbsolute(resource string) bool {
	lower := strings.ToLower(resource)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Canonical discards everything from the first '?' or '&' onward.
func Canonical(url string) string {
	if i := strings.IndexAny(url, "?&"); i >= 0 {
		return url[:i]
	}
	return url
}
