package crawler

import (
	"net/url"
	"path"
	"strings"
)

var skippedExtensions = map[string]struct{}{
	".pdf": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {}, ".ppt": {}, ".pptx": {},
	".zip": {}, ".rar": {}, ".gz": {}, ".tar": {}, ".7z": {}, ".exe": {}, ".dmg": {},
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {}, ".svg": {}, ".ico": {}, ".bmp": {},
	".mp3": {}, ".mp4": {}, ".avi": {}, ".mov": {}, ".wav": {}, ".webm": {},
	".css": {}, ".js": {}, ".json": {}, ".xml": {}, ".rss": {}, ".woff": {}, ".woff2": {}, ".ttf": {},
}

var skippedPathPrefixes = []string{
	"/login", "/logout", "/signin", "/sign-in", "/signup", "/sign-up", "/register",
	"/account", "/my-account", "/admin", "/wp-admin", "/wp-login", "/auth", "/dashboard",
	"/cart", "/checkout",
}

// NormalizeURL lowercases scheme and host, drops the fragment and default port,
// and trims a trailing slash from non-root paths.
func NormalizeURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	normalizeInPlace(parsed)
	return parsed, nil
}

func normalizeInPlace(u *url.URL) {
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if (u.Scheme == "http" && strings.HasSuffix(host, ":80")) || (u.Scheme == "https" && strings.HasSuffix(host, ":443")) {
		host = host[:strings.LastIndex(host, ":")]
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
		if u.Path == "" {
			u.Path = "/"
		}
	}
	u.RawPath = ""
}

// ResolveLink resolves href against base and reports whether the result should be crawled.
func ResolveLink(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	lower := strings.ToLower(href)
	for _, scheme := range []string{"mailto:", "tel:", "javascript:", "data:", "sms:", "ftp:"} {
		if strings.HasPrefix(lower, scheme) {
			return "", false
		}
	}

	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	normalizeInPlace(resolved)
	if !sameHost(base, resolved) {
		return "", false
	}
	if !crawlablePath(resolved.Path) {
		return "", false
	}
	return resolved.String(), true
}

func sameHost(a, b *url.URL) bool {
	return strings.EqualFold(a.Hostname(), b.Hostname())
}

func crawlablePath(p string) bool {
	lower := strings.ToLower(p)
	if _, skip := skippedExtensions[path.Ext(lower)]; skip {
		return false
	}
	for _, prefix := range skippedPathPrefixes {
		if lower == prefix || strings.HasPrefix(lower, prefix+"/") || strings.HasPrefix(lower, prefix+".") {
			return false
		}
	}
	return true
}
