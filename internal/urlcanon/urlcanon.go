// Package urlcanon canonicalizes raw hrefs and decides frontier admission,
// generalizing erndmrc-spider2's Normalizer (internal/urlutil)
// into the two explicit operations the engine calls: Canonicalize and Admit.
package urlcanon

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/erndmrc/crawlengine/internal/config"
)

// RejectReason names why a URL failed canonicalization or admission.
type RejectReason string

const (
	RejectScheme        RejectReason = "scheme_not_http"
	RejectControlChar    RejectReason = "control_characters"
	RejectParse          RejectReason = "unparseable"
	RejectOutOfScope     RejectReason = "host_out_of_scope"
	RejectPathPrefix     RejectReason = "path_prefix_mismatch"
	RejectExtension      RejectReason = "excluded_extension"
)

// RejectError is returned by Canonicalize/Admit instead of panicking; it is
// a typed rejection, not an exceptional failure.
type RejectError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
	}
	return string(e.Reason)
}

// twoLabelPublicSuffixes lists common two-label public suffixes so hosts
// under them (example.co.uk) keep three labels as their registrable domain
// instead of being truncated to "co.uk".
var twoLabelPublicSuffixes = map[string]struct{}{
	"co.uk": {}, "org.uk": {}, "ac.uk": {}, "gov.uk": {},
	"com.au": {}, "net.au": {}, "org.au": {},
	"co.jp": {}, "co.nz": {}, "co.za": {},
	"com.br": {}, "com.cn": {}, "com.mx": {},
}

var controlCharPattern = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
var repeatedSlashes = regexp.MustCompile(`/{2,}`)

// Canonicalizer resolves relative hrefs against a base and normalizes them
// to the engine's canonical URL form (see the URL glossary entry: lowercase
// scheme/host, stripped default port, stripped fragment, stripped tracking
// params, collapsed slashes, trailing slash only if path is empty).
type Canonicalizer struct {
	trackingParams map[string]struct{}
}

// New builds a Canonicalizer from the tracking-parameter list in cfg.
func New(cfg *config.CrawlConfig) *Canonicalizer {
	params := make(map[string]struct{}, len(cfg.TrackingParams))
	for _, p := range cfg.TrackingParams {
		params[strings.ToLower(p)] = struct{}{}
	}
	return &Canonicalizer{trackingParams: params}
}

// Canonicalize resolves raw against base and normalizes it. It rejects
// non-http(s) schemes and URLs containing control characters.
func (c *Canonicalizer) Canonicalize(raw, base string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if controlCharPattern.MatchString(trimmed) {
		return "", &RejectError{Reason: RejectControlChar}
	}

	ref, err := url.Parse(trimmed)
	if err != nil {
		return "", &RejectError{Reason: RejectParse, Detail: err.Error()}
	}

	var resolved *url.URL
	if ref.IsAbs() {
		resolved = ref
	} else {
		baseURL, err := url.Parse(base)
		if err != nil {
			return "", &RejectError{Reason: RejectParse, Detail: err.Error()}
		}
		resolved = baseURL.ResolveReference(ref)
	}

	scheme := strings.ToLower(resolved.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", &RejectError{Reason: RejectScheme, Detail: scheme}
	}
	resolved.Scheme = scheme
	resolved.Host = strings.ToLower(resolved.Host)

	stripDefaultPort(resolved)
	resolved.Fragment = ""
	resolved.RawFragment = ""

	path := resolved.Path
	if path == "" {
		path = "/"
	} else {
		path = repeatedSlashes.ReplaceAllString(path, "/")
	}
	resolved.Path = path

	if resolved.RawQuery != "" {
		resolved.RawQuery = c.stripTrackingParams(resolved.RawQuery)
	}

	return resolved.String(), nil
}

func stripDefaultPort(u *url.URL) {
	host := u.Host
	if u.Scheme == "http" && strings.HasSuffix(host, ":80") {
		u.Host = strings.TrimSuffix(host, ":80")
	} else if u.Scheme == "https" && strings.HasSuffix(host, ":443") {
		u.Host = strings.TrimSuffix(host, ":443")
	}
}

func (c *Canonicalizer) stripTrackingParams(rawQuery string) string {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	kept := url.Values{}
	for key, vals := range values {
		if _, tracked := c.trackingParams[strings.ToLower(key)]; tracked {
			continue
		}
		for _, v := range vals {
			kept.Add(key, v)
		}
	}
	return kept.Encode()
}

// Policy captures the admission-relevant slice of a CrawlConfig.
type Policy struct {
	SeedHost           string
	Scope              config.DomainScope
	RestrictedHost     string
	PathPrefix         string
	AllowedExtensions  []string
	ExcludedExtensions []string
}

// PolicyFromConfig derives an admission Policy from a CrawlConfig and its
// seed URL's host.
func PolicyFromConfig(cfg *config.CrawlConfig) (Policy, error) {
	seed, err := url.Parse(cfg.SeedURL)
	if err != nil {
		return Policy{}, fmt.Errorf("parse seed url: %w", err)
	}
	return Policy{
		SeedHost:           strings.ToLower(seed.Host),
		Scope:              cfg.DomainScopeMode(),
		RestrictedHost:     strings.ToLower(cfg.RestrictedHost),
		PathPrefix:         cfg.PathPrefix,
		AllowedExtensions:  cfg.AllowedExtensions,
		ExcludedExtensions: cfg.ExcludedExtensions,
	}, nil
}

// Admit decides whether a canonical URL is in scope for the crawl.
func Admit(canonicalURL string, p Policy) error {
	u, err := url.Parse(canonicalURL)
	if err != nil {
		return &RejectError{Reason: RejectParse, Detail: err.Error()}
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return &RejectError{Reason: RejectScheme, Detail: scheme}
	}

	if !hostInScope(strings.ToLower(u.Host), p) {
		return &RejectError{Reason: RejectOutOfScope, Detail: u.Host}
	}

	if p.PathPrefix != "" && !strings.HasPrefix(u.Path, p.PathPrefix) {
		return &RejectError{Reason: RejectPathPrefix, Detail: u.Path}
	}

	if ext := extensionOf(u.Path); ext != "" && isExcludedExtension(ext, p) {
		return &RejectError{Reason: RejectExtension, Detail: ext}
	}

	return nil
}

func hostInScope(host string, p Policy) bool {
	switch p.Scope {
	case config.ScopeRestrictedHost:
		return host == p.RestrictedHost
	case config.ScopeAnySubdomain:
		registrable := RegistrableDomain(p.SeedHost)
		return host == p.SeedHost || host == registrable || strings.HasSuffix(host, "."+registrable)
	default: // ScopeExactHost
		return host == p.SeedHost
	}
}

func isExcludedExtension(ext string, p Policy) bool {
	if len(p.AllowedExtensions) > 0 {
		for _, allowed := range p.AllowedExtensions {
			if ext == allowed {
				return false
			}
		}
		return true
	}
	for _, excluded := range p.ExcludedExtensions {
		if ext == excluded {
			return true
		}
	}
	return false
}

// extensionOf returns the lowercase file extension of a path, or "" if the
// path ends in a trailing slash or has no extension (treated as a webpage).
func extensionOf(path string) string {
	last := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		last = path[idx+1:]
	}
	if last == "" {
		return ""
	}
	dot := strings.LastIndex(last, ".")
	if dot <= 0 {
		return ""
	}
	return strings.ToLower(last[dot:])
}

// RegistrableDomain extracts the registrable domain from a host: the last
// two labels, with an exception list so two-label public suffixes like
// "co.uk" keep three labels.
func RegistrableDomain(host string) string {
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		if _, err := strconv.Atoi(host[idx+1:]); err == nil {
			host = host[:idx]
		}
	}

	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return host
	}

	lastTwo := strings.Join(labels[len(labels)-2:], ".")
	if _, isPublicSuffix := twoLabelPublicSuffixes[lastTwo]; isPublicSuffix && len(labels) >= 3 {
		return strings.Join(labels[len(labels)-3:], ".")
	}
	return lastTwo
}
