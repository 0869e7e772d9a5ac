// Package config defines crawl configuration: scope, limits, rate-control
// tunables, rendering mode, and output. Layering is built-in defaults, then
// an optional JSON config file, then CLI flags — the same order the
// teacher's CrawlConfig/DefaultConfig pair established, generalized to the
// domain-scope, mode, and checkpoint/resume fields the adaptive engine needs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"lukechampine.com/blake3"
)

// Mode selects what kind of PageResult the crawl produces.
type Mode string

const (
	ModeKeyword  Mode = "keyword"
	ModeMarkdown Mode = "markdown"
)

// DomainScope selects how the admission filter judges host membership.
type DomainScope string

const (
	ScopeExactHost      DomainScope = "exact_host"
	ScopeAnySubdomain   DomainScope = "any_subdomain"
	ScopeRestrictedHost DomainScope = "restricted_host"
)

// CrawlConfig holds all configuration for a crawl run.
type CrawlConfig struct {
	// === Crawl scope ===

	// Seed URL the crawl starts from.
	SeedURL string `json:"seed_url"`

	// Mode determines whether pages are scanned for keywords or converted
	// to markdown documents.
	Mode Mode `json:"mode"`

	// Keywords to match in keyword mode.
	Keywords []string `json:"keywords,omitempty"`

	// PathPrefix restricts the crawl to URLs whose path starts with it.
	PathPrefix string `json:"path_prefix,omitempty"`

	// AllowSubdomains admits any host sharing the seed's registrable domain.
	AllowSubdomains bool `json:"allow_subdomains"`

	// RestrictedHost, if set, admits only this exact host regardless of
	// the seed's host (for crawling behind a fixed front door).
	RestrictedHost string `json:"restricted_host,omitempty"`

	// AllowedExtensions, if non-empty, is the only set of extensions
	// admitted (overrides ExcludedExtensions).
	AllowedExtensions []string `json:"allowed_extensions,omitempty"`

	// ExcludedExtensions are file extensions never admitted.
	ExcludedExtensions []string `json:"excluded_extensions,omitempty"`

	// TrackingParams are query parameters stripped during canonicalization.
	TrackingParams []string `json:"tracking_params"`

	// SPA enables clickable-element exploration for pages whose navigation
	// doesn't change the URL.
	SPA bool `json:"spa"`

	// ContentFilterSelectors are extra CSS selectors stripped before
	// keyword matching or markdown conversion, beyond the built-in
	// nav/header/footer/sidebar defaults.
	ContentFilterSelectors []string `json:"content_filter_selectors,omitempty"`

	// === Limits ===

	// MaxPages caps total pages visited (0 = unlimited).
	MaxPages int `json:"max_pages"`

	// MaxAttempts is the retry ceiling before a URL is marked terminally failed.
	MaxAttempts int `json:"max_attempts"`

	// === Rate controller tunables ===

	MinWorkers      int           `json:"min_workers"`
	MaxWorkers      int           `json:"max_workers"`
	InitialWorkers  int           `json:"initial_workers"`
	MinDelay        time.Duration `json:"min_delay"`
	MaxDelay        time.Duration `json:"max_delay"`
	InitialDelay    time.Duration `json:"initial_delay"`
	DisableAdaptive bool          `json:"disable_adaptive_control"`
	Aggressive      bool          `json:"aggressive_throttling"`
	WindowSize      int           `json:"window_size"`

	// === Browser session ===

	RenderTimeout    time.Duration `json:"render_timeout"`
	NavNetworkIdle   time.Duration `json:"nav_network_idle"`
	SPALoaderTimeout time.Duration `json:"spa_loader_timeout"`
	MaxRestarts      int           `json:"max_restarts"`
	ChromiumPath     string        `json:"chromium_path,omitempty"`
	UserAgent        string        `json:"user_agent"`

	// === Checkpoint ===

	CheckpointPath     string        `json:"checkpoint_path"`
	CheckpointInterval time.Duration `json:"checkpoint_interval"`
	Resume             bool          `json:"resume"`

	// === Output ===

	OutputDir string `json:"output_dir"`

	// === Misc ===

	Verbose bool `json:"verbose"`
}

// DefaultConfig returns a CrawlConfig with sensible defaults, grounded on
// erndmrc-spider2's DefaultConfig (internal/config).
func DefaultConfig() *CrawlConfig {
	return &CrawlConfig{
		Mode:            ModeMarkdown,
		AllowSubdomains: false,

		TrackingParams: []string{
			"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
			"gclid", "fbclid", "msclkid", "ref", "source",
		},
		ExcludedExtensions: []string{
			".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
			".zip", ".rar", ".tar", ".gz", ".7z",
			".mp3", ".mp4", ".avi", ".mov", ".wmv", ".flv",
			".jpg", ".jpeg", ".png", ".gif", ".bmp", ".ico", ".svg", ".webp",
			".css", ".js", ".woff", ".woff2", ".ttf", ".eot",
		},

		MaxPages:    0, // unlimited
		MaxAttempts: 3,

		MinWorkers:     1,
		MaxWorkers:     8,
		InitialWorkers: 2,
		MinDelay:       500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		InitialDelay:   1 * time.Second,
		WindowSize:     20,

		RenderTimeout:    30 * time.Second,
		NavNetworkIdle:   500 * time.Millisecond,
		SPALoaderTimeout: 20 * time.Second,
		MaxRestarts:      3,
		UserAgent:        "crawlengine/1.0",

		CheckpointPath:     "crawl.checkpoint",
		CheckpointInterval: 10 * time.Minute,

		OutputDir: "output",
	}
}

// Validate checks configuration invariants and clamps out-of-range values,
// the way erndmrc-spider2's Validate() does for Concurrency/Timeout/MaxRedirects.
func (c *CrawlConfig) Validate() error {
	if c.SeedURL == "" {
		return fmt.Errorf("seed url is required")
	}
	if c.Mode != ModeKeyword && c.Mode != ModeMarkdown {
		return fmt.Errorf("mode must be %q or %q", ModeKeyword, ModeMarkdown)
	}
	if c.Mode == ModeKeyword && len(c.Keywords) == 0 {
		return fmt.Errorf("keyword mode requires at least one keyword")
	}
	if c.MinWorkers < 1 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.InitialWorkers < c.MinWorkers {
		c.InitialWorkers = c.MinWorkers
	}
	if c.InitialWorkers > c.MaxWorkers {
		c.InitialWorkers = c.MaxWorkers
	}
	if c.MinDelay <= 0 {
		c.MinDelay = 100 * time.Millisecond
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.InitialDelay < c.MinDelay || c.InitialDelay > c.MaxDelay {
		c.InitialDelay = c.MinDelay
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.WindowSize < 1 {
		c.WindowSize = 20
	}
	if c.MaxRestarts < 0 {
		c.MaxRestarts = 0
	}
	if c.RenderTimeout < time.Second {
		c.RenderTimeout = time.Second
	}
	return nil
}

// IsExtensionExcluded checks a file extension against the admission filter's
// allow/exclude lists. An AllowedExtensions entry takes precedence.
func (c *CrawlConfig) IsExtensionExcluded(ext string) bool {
	if len(c.AllowedExtensions) > 0 {
		for _, allowed := range c.AllowedExtensions {
			if ext == allowed {
				return false
			}
		}
		return true
	}
	for _, excluded := range c.ExcludedExtensions {
		if ext == excluded {
			return true
		}
	}
	return false
}

// DomainScopeMode derives which host-admission rule applies.
func (c *CrawlConfig) DomainScopeMode() DomainScope {
	if c.RestrictedHost != "" {
		return ScopeRestrictedHost
	}
	if c.AllowSubdomains {
		return ScopeAnySubdomain
	}
	return ScopeExactHost
}

// Save writes the configuration to a JSON file.
func (c *CrawlConfig) Save(filePath string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load loads configuration from a JSON file, overlaying it onto defaults.
func Load(filePath string) (*CrawlConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Clone creates a deep copy of the configuration.
func (c *CrawlConfig) Clone() *CrawlConfig {
	clone := *c

	clone.Keywords = append([]string(nil), c.Keywords...)
	clone.AllowedExtensions = append([]string(nil), c.AllowedExtensions...)
	clone.ExcludedExtensions = append([]string(nil), c.ExcludedExtensions...)
	clone.TrackingParams = append([]string(nil), c.TrackingParams...)
	clone.ContentFilterSelectors = append([]string(nil), c.ContentFilterSelectors...)

	return &clone
}

// Fingerprint hashes the admission-relevant fields with blake3 so a
// checkpoint's stored fingerprint is cheap to compute and compare (grounded
// on rohmanhakim-docs-crawler's blake3-based asset hashing — same need for
// a fixed-size, collision-resistant comparison key).
func (c *CrawlConfig) Fingerprint() string {
	h := blake3.New(32, nil)
	fmt.Fprintf(h, "seed=%s\n", c.SeedURL)
	fmt.Fprintf(h, "mode=%s\n", c.Mode)
	fmt.Fprintf(h, "path_prefix=%s\n", c.PathPrefix)
	fmt.Fprintf(h, "allow_subdomains=%v\n", c.AllowSubdomains)
	fmt.Fprintf(h, "restricted_host=%s\n", c.RestrictedHost)
	fmt.Fprintf(h, "tracking_params=%v\n", c.TrackingParams)
	fmt.Fprintf(h, "allowed_ext=%v\n", c.AllowedExtensions)
	fmt.Fprintf(h, "excluded_ext=%v\n", c.ExcludedExtensions)
	return fmt.Sprintf("%x", h.Sum(nil))
}
