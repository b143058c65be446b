package cdp

import (
	"testing"

	"cdpwebreq/pkg/model"
	"cdpwebreq/pkg/traffic"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadersFromRequest(t *testing.T) {
	h := HeadersFromRequest(network.Headers(`{"User-Agent":"UA","Accept":"*/*"}`))
	assert.Equal(t, "UA", h.Get("user-agent"))
	assert.Equal(t, "*/*", h.Get("Accept"))
	assert.Empty(t, HeadersFromRequest(nil))
}

func TestHeaderEntriesRoundTripKeepsCookies(t *testing.T) {
	h := HeadersFromEntries([]fetch.HeaderEntry{
		{Name: "Set-Cookie", Value: "a=1"},
		{Name: "Set-Cookie", Value: "b=2"},
		{Name: "Vary", Value: "Accept"},
		{Name: "vary", Value: "Origin"},
	})
	assert.Equal(t, "Accept, Origin", h.Get("Vary"))

	entries := ToHeaderEntries(h)
	var cookies []string
	for _, e := range entries {
		if e.Name == "set-cookie" {
			cookies = append(cookies, e.Value)
		}
	}
	assert.Equal(t, []string{"a=1", "b=2"}, cookies)
}

func TestFakeResponseArgs(t *testing.T) {
	args := FakeResponseArgs("r1", model.FakeResponse{MIMEType: "image/png", Body: []byte("png")})
	assert.Equal(t, 200, args.ResponseCode)
	got := HeadersFromEntries(args.ResponseHeaders)
	assert.Equal(t, "image/png", got.Get("Content-Type"))
	assert.Equal(t, "3", got.Get("Content-Length"))

	args = FakeResponseArgs("r1", model.FakeResponse{StatusCode: 404, MIMEType: "text/plain", Headers: traffic.Header{"content-type": "text/html"}})
	assert.Equal(t, 404, args.ResponseCode)
	assert.Equal(t, "text/html", HeadersFromEntries(args.ResponseHeaders).Get("Content-Type"))
}

func TestRedirectArgs(t *testing.T) {
	args := RedirectArgs("r2", "https://new.test/")
	assert.Equal(t, 302, args.ResponseCode)
	assert.Equal(t, "https://new.test/", HeadersFromEntries(args.ResponseHeaders).Get("Location"))
}

func TestTypeHint(t *testing.T) {
	cases := []struct {
		rt   network.ResourceType
		main bool
		want model.ResourceType
		none bool
	}{
		{rt: network.ResourceTypeDocument, main: true, want: model.ResourceMainFrame},
		{rt: network.ResourceTypeDocument, want: model.ResourceSubFrame},
		{rt: network.ResourceTypeScript, want: model.ResourceScript},
		{rt: network.ResourceTypeFetch, want: model.ResourceXHR},
		{rt: network.ResourceTypeFont, want: model.ResourceOther},
		{rt: network.ResourceTypeMedia, none: true},
		{rt: network.ResourceTypeOther, none: true},
	}
	for _, c := range cases {
		got := TypeHint(c.rt, c.main)
		if c.none {
			assert.Nil(t, got, string(c.rt))
			continue
		}
		require.NotNil(t, got, string(c.rt))
		assert.Equal(t, c.want, *got, string(c.rt))
	}
}
