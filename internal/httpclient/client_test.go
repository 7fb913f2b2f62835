package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulse/errors"
)

func TestCheckURL(t *testing.T) {
	c := New(Options{})

	tests := []struct {
		url     string
		blocked bool
		invalid bool
	}{
		{url: "https://example.com/hook"},
		{url: "http://93.184.216.34:8080/"},
		{url: "ftp://example.com/file", invalid: true},
		{url: "file:///etc/passwd", invalid: true},
		{url: "http://user:pw@example.com/", invalid: true},
		{url: "http:///nohost", invalid: true},
		{url: "http://localhost:8080/", blocked: true},
		{url: "http://api.localhost/", blocked: true},
		{url: "http://127.0.0.1/", blocked: true},
		{url: "http://10.1.2.3/", blocked: true},
		{url: "http://169.254.169.254/latest/meta-data", blocked: true},
		{url: "http://[::1]/", blocked: true},
		{url: "http://[fd00::1]/", blocked: true},
		{url: "http://[::ffff:192.168.1.1]/", blocked: true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			_, err := c.CheckURL(tt.url)
			switch {
			case tt.invalid:
				require.Error(t, err)
				assert.True(t, errors.IsInvalidRequestError(err), err.Error())
			case tt.blocked:
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrBlocked), err.Error())
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestBlocked(t *testing.T) {
	for _, s := range []string{"0.0.0.0", "100.64.0.1", "172.31.255.255", "224.0.0.1", "fe80::1", "ff02::1"} {
		assert.True(t, Blocked(netip.MustParseAddr(s)), s)
	}
	for _, s := range []string{"8.8.8.8", "172.32.0.1", "2606:4700::1111"} {
		assert.False(t, Blocked(netip.MustParseAddr(s)), s)
	}
}

func TestLoopbackServerNeedsAllowPrivate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	_, err := New(Options{}).Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlocked))

	resp, err := New(Options{AllowPrivate: true}).Get(context.Background(), srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestRedirectLimit(t *testing.T) {
	hops := 0
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hops++
		http.Redirect(w, r, srv.URL+"/again", http.StatusFound)
	}))
	defer srv.Close()

	resp, err := New(Options{AllowPrivate: true, MaxRedirects: 2}).Get(context.Background(), srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, 3, hops)

	hops = 0
	resp, err = New(Options{AllowPrivate: true, MaxRedirects: -1}).Get(context.Background(), srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 1, hops)
}
