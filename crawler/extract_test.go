package crawler

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	return parsed
}

func TestExtract_PrefersContentSelector(t *testing.T) {
	long := strings.Repeat("Our crew handles residential and commercial jobs. ", 5)
	html := `<html><head>
		<meta name="description" content="  Plumbing in   Springfield ">
		<script>var tracking = true;</script>
	</head><body>
		<header><a href="/contact">Contact</a> Site header text</header>
		<div class="sidebar">Sidebar promo</div>
		<article><h1>Heading</h1><p>` + long + `</p><p>Second paragraph.</p></article>
		<footer>Footer text <a href="/privacy">Privacy</a></footer>
	</body></html>`

	page, err := Extract(strings.NewReader(html), mustURL(t, "https://acme.test/services/drains"), 100)
	require.NoError(t, err)

	assert.Equal(t, "Plumbing in Springfield", page.Description)
	assert.Equal(t, "Heading", page.Title)
	assert.True(t, strings.HasPrefix(page.Content, "Heading Our crew"))
	assert.True(t, strings.HasSuffix(page.Content, "Second paragraph."))
	assert.NotContains(t, page.Content, "Sidebar promo")
	assert.NotContains(t, page.Content, "tracking")
	assert.Equal(t, []string{"https://acme.test/contact", "https://acme.test/privacy"}, page.Links)
}

func TestExtract_FallsBackToBody(t *testing.T) {
	html := `<html><body><main>tiny</main><div>Body <b>text</b> here</div><style>.x{}</style></body></html>`
	page, err := Extract(strings.NewReader(html), mustURL(t, "https://acme.test/our-story"), 100)
	require.NoError(t, err)
	assert.Equal(t, "tiny Body text here", page.Content)
	assert.Equal(t, "our story", page.Title)
}

func TestExtract_TitleFallbacks(t *testing.T) {
	html := `<html><head><meta property="og:title" content="OG Title"></head><body><h1>H1</h1></body></html>`
	page, err := Extract(strings.NewReader(html), mustURL(t, "https://acme.test/"), 0)
	require.NoError(t, err)
	assert.Equal(t, "OG Title", page.Title)

	page, err = Extract(strings.NewReader(`<html><body><p>x</p></body></html>`), mustURL(t, "https://acme.test/"), 0)
	require.NoError(t, err)
	assert.Equal(t, "acme.test", page.Title)
}

func TestResolveLink(t *testing.T) {
	base := mustURL(t, "https://acme.test/services/")
	cases := []struct {
		href string
		want string
		ok   bool
	}{
		{"drains", "https://acme.test/services/drains", true},
		{"/about/#team", "https://acme.test/about", true},
		{"https://ACME.test:443/Pricing?plan=a", "https://acme.test/Pricing?plan=a", true},
		{"#top", "", false},
		{"mailto:me@acme.test", "", false},
		{"tel:+123", "", false},
		{"javascript:void(0)", "", false},
		{"https://other.test/", "", false},
		{"/brochure.pdf", "", false},
		{"/images/logo.PNG", "", false},
		{"/wp-admin/options.php", "", false},
		{"/login", "", false},
		{"/my-account/orders", "", false},
		{"/loginhelp", "https://acme.test/loginhelp", true},
	}
	for _, tc := range cases {
		got, ok := ResolveLink(base, tc.href)
		assert.Equal(t, tc.ok, ok, tc.href)
		assert.Equal(t, tc.want, got, tc.href)
	}
}

func TestNormalizeURL(t *testing.T) {
	u, err := NormalizeURL("HTTP://Example.COM:80")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/", u.String())

	u, err = NormalizeURL("https://example.com/a/b/#frag")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a/b", u.String())
}
