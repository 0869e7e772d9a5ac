package urlcanon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erndmrc/crawlengine/internal/config"
)

func testCanonicalizer() *Canonicalizer {
	cfg := config.DefaultConfig()
	cfg.SeedURL = "https://example.com/"
	return New(cfg)
}

func TestCanonicalizeLowercasesSchemeAndHost(t *testing.T) {
	c := testCanonicalizer()
	got, err := c.Canonicalize("HTTP://Example.COM/Path", "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/Path", got)
}

func TestCanonicalizeStripsDefaultPort(t *testing.T) {
	c := testCanonicalizer()
	got, err := c.Canonicalize("https://example.com:443/a", "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", got)
}

func TestCanonicalizeStripsFragment(t *testing.T) {
	c := testCanonicalizer()
	got, err := c.Canonicalize("https://example.com/a#section", "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", got)
}

func TestCanonicalizeStripsTrackingParams(t *testing.T) {
	c := testCanonicalizer()
	got, err := c.Canonicalize("https://example.com/a?utm_source=x&id=5", "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a?id=5", got)
}

func TestCanonicalizeCollapsesSlashes(t *testing.T) {
	c := testCanonicalizer()
	got, err := c.Canonicalize("https://example.com//a///b", "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a/b", got)
}

func TestCanonicalizeEmptyPathBecomesSlash(t *testing.T) {
	c := testCanonicalizer()
	got, err := c.Canonicalize("https://example.com", "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/", got)
}

func TestCanonicalizeResolvesRelative(t *testing.T) {
	c := testCanonicalizer()
	got, err := c.Canonicalize("/b/c", "https://example.com/a/")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/b/c", got)
}

func TestCanonicalizeRejectsNonHTTPScheme(t *testing.T) {
	c := testCanonicalizer()
	_, err := c.Canonicalize("mailto:a@b.com", "https://example.com/")
	require.Error(t, err)
	var rerr *RejectError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, RejectScheme, rerr.Reason)
}

func TestCanonicalizeRejectsControlCharacters(t *testing.T) {
	c := testCanonicalizer()
	_, err := c.Canonicalize("https://example.com/a\x01b", "https://example.com/")
	require.Error(t, err)
	var rerr *RejectError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, RejectControlChar, rerr.Reason)
}

func TestAdmitExactHostScope(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SeedURL = "https://example.com/"
	policy, err := PolicyFromConfig(cfg)
	require.NoError(t, err)

	assert.NoError(t, Admit("https://example.com/a", policy))

	err = Admit("https://other.com/a", policy)
	require.Error(t, err)
	var rerr *RejectError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, RejectOutOfScope, rerr.Reason)
}

func TestAdmitAllowsSubdomainsWhenConfigured(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SeedURL = "https://example.com/"
	cfg.AllowSubdomains = true
	policy, err := PolicyFromConfig(cfg)
	require.NoError(t, err)

	assert.NoError(t, Admit("https://blog.example.com/a", policy))
	assert.Error(t, Admit("https://otherexample.com/a", policy))
}

func TestAdmitRestrictedHost(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SeedURL = "https://example.com/"
	cfg.RestrictedHost = "gateway.example.com"
	policy, err := PolicyFromConfig(cfg)
	require.NoError(t, err)

	assert.NoError(t, Admit("https://gateway.example.com/a", policy))
	assert.Error(t, Admit("https://example.com/a", policy))
}

func TestAdmitRejectsExcludedExtension(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SeedURL = "https://example.com/"
	policy, err := PolicyFromConfig(cfg)
	require.NoError(t, err)

	err = Admit("https://example.com/doc.pdf", policy)
	require.Error(t, err)
	var rerr *RejectError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, RejectExtension, rerr.Reason)
}

func TestAdmitAllowedExtensionsOverridesExcluded(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SeedURL = "https://example.com/"
	cfg.AllowedExtensions = []string{".pdf"}
	policy, err := PolicyFromConfig(cfg)
	require.NoError(t, err)

	assert.NoError(t, Admit("https://example.com/doc.pdf", policy))
	err = Admit("https://example.com/doc.zip", policy)
	require.Error(t, err)
}

func TestAdmitNoExtensionTreatedAsWebpage(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SeedURL = "https://example.com/"
	policy, err := PolicyFromConfig(cfg)
	require.NoError(t, err)

	assert.NoError(t, Admit("https://example.com/about", policy))
	assert.NoError(t, Admit("https://example.com/about/", policy))
}

func TestAdmitPathPrefix(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SeedURL = "https://example.com/"
	cfg.PathPrefix = "/docs"
	policy, err := PolicyFromConfig(cfg)
	require.NoError(t, err)

	assert.NoError(t, Admit("https://example.com/docs/a", policy))
	err = Admit("https://example.com/blog/a", policy)
	require.Error(t, err)
	var rerr *RejectError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, RejectPathPrefix, rerr.Reason)
}

func TestRegistrableDomainHandlesTwoLabelPublicSuffix(t *testing.T) {
	assert.Equal(t, "example.co.uk", RegistrableDomain("www.example.co.uk"))
	assert.Equal(t, "example.com", RegistrableDomain("www.example.com"))
}
