package links

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// trackingParams match query keys that only carry tracking state. The
// patterns are unanchored, so "utm_" anywhere in a key matches.
var trackingParams = []*regexp.Regexp{
	regexp.MustCompile(`utm_.*`),
	regexp.MustCompile(`CMP`),
	regexp.MustCompile(`mc_eid`),
	regexp.MustCompile(`oly_.*`),
	regexp.MustCompile(`__s`),
	regexp.MustCompile(`vero_id`),
	regexp.MustCompile(`_hsenc`),
	regexp.MustCompile(`mkt_tok`),
	regexp.MustCompile(`fbclid`),
	regexp.MustCompile(`etsrc`),
	regexp.MustCompile(`share_time`),
	regexp.MustCompile(`smid`),
	regexp.MustCompile(`smtyp`),
}

// hasScheme only accepts "scheme://" so "example.com:8080/x" is not read as
// scheme "example.com".
var hasScheme = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.\-]*://`)

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Canonicalize rewrites raw into a stable form so the same resource links to
// the same string. paramsStripped reports whether any tracking parameter was
// removed.
func Canonicalize(raw string) (normalized string, paramsStripped bool, err error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false, fmt.Errorf("empty url")
	}
	if !hasScheme.MatchString(s) {
		s = "https://" + strings.TrimPrefix(s, "//")
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", false, fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("parse %q: missing host", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.User = nil

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if rest, ok := strings.CutPrefix(host, "www."); ok && strings.Contains(rest, ".") {
		host = rest
	}

	u.RawQuery, paramsStripped = cleanQuery(u.RawQuery)
	u.ForceQuery = false

	path := strings.TrimSuffix(u.EscapedPath(), "/")
	if path == "" && u.RawQuery != "" {
		path = "/"
	}
	unescaped, err := url.PathUnescape(path)
	if err != nil {
		return "", false, fmt.Errorf("parse %q: %w", raw, err)
	}
	u.Path, u.RawPath = unescaped, path

	if defaultPorts[u.Scheme] == port {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	u.Host = host

	return u.String(), paramsStripped, nil
}

// cleanQuery drops tracking parameters and stable-sorts the rest by key. It
// works on the raw "&" separated pairs so values it cannot decode, or that
// contain ";", survive unchanged.
func cleanQuery(raw string) (string, bool) {
	type pair struct{ key, raw string }

	var (
		pairs    []pair
		stripped bool
	)
	for _, seg := range strings.Split(raw, "&") {
		if seg == "" {
			continue
		}
		key, _, _ := strings.Cut(seg, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if isTrackingParam(key) {
			stripped = true
			continue
		}
		pairs = append(pairs, pair{key: key, raw: seg})
	}

	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })
	segs := make([]string, len(pairs))
	for i, p := range pairs {
		segs[i] = p.raw
	}
	return strings.Join(segs, "&"), stripped
}

func isTrackingParam(key string) bool {
	for _, pattern := range trackingParams {
		if pattern.MatchString(key) {
			return true
		}
	}
	return false
}

// isWebScheme reports whether href would canonicalize to an http(s) URL.
func isWebScheme(href string) bool {
	s := strings.TrimSpace(href)
	if !hasScheme.MatchString(s) {
		// Relative or scheme-less; mailto: and friends have no "//".
		if i := strings.IndexByte(s, ':'); i > 0 && !strings.Contains(s[:i], ".") && !strings.Contains(s[:i], "/") {
			return false
		}
		return true
	}
	scheme := strings.ToLower(s[:strings.Index(s, "://")])
	return scheme == "http" || scheme == "https"
}
