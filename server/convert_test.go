package server

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-vault-worker/types"
)

func requestCtx(method, uri, host string, headers map[string]string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	if host != "" {
		req.Header.SetHost(host)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	return ctx
}

func TestToRequest_ResolvesTarget(t *testing.T) {
	origin, err := url.Parse("https://vault.example.com")
	require.NoError(t, err)

	tests := []struct {
		name    string
		uri     string
		host    string
		headers map[string]string
		want    string
	}{
		{"origin host uses origin scheme", "/app.js?v=2", "vault.example.com", nil, "https://vault.example.com/app.js?v=2"},
		{"missing host falls back to origin", "/", "", nil, "https://vault.example.com/"},
		{"foreign host defaults to https", "/v1/vaults", "api.example.com", nil, "https://api.example.com/v1/vaults"},
		{"forwarded proto wins", "/v1/vaults", "api.example.com", map[string]string{"X-Forwarded-Proto": "http"}, "http://api.example.com/v1/vaults"},
		{"proxy form kept", "http://cdn.example.com/lib.js", "", nil, "http://cdn.example.com/lib.js"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := toRequest(requestCtx(fasthttp.MethodGet, tt.uri, tt.host, tt.headers), origin)
			require.NoError(t, err)
			assert.Equal(t, tt.want, req.URL.String())
			assert.Equal(t, fasthttp.MethodGet, req.Method)
		})
	}
}

func TestToRequest_CopiesHeadersAndBody(t *testing.T) {
	origin, _ := url.Parse("https://vault.example.com")

	ctx := requestCtx(fasthttp.MethodPost, "/v1/vaults", "vault.example.com", map[string]string{
		"Authorization": "Bearer t",
		"Connection":    "keep-alive",
	})
	ctx.Request.SetBodyString(`{"name":"a"}`)

	req, err := toRequest(ctx, origin)
	require.NoError(t, err)
	assert.Equal(t, "Bearer t", req.Header.Get("Authorization"))
	assert.Empty(t, req.Header.Get("Connection"))
	assert.Empty(t, req.Header.Get("Host"))
	assert.Equal(t, `{"name":"a"}`, string(req.Body))
}

func TestWriteResponse(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeResponse(ctx, &types.Response{
		Status: http.StatusCreated,
		Header: http.Header{
			"Vary":              []string{"Accept", "Origin"},
			"Transfer-Encoding": []string{"chunked"},
			"X-From-Cache":      []string{"true"},
		},
		Body: []byte("ok"),
	})

	assert.Equal(t, http.StatusCreated, ctx.Response.StatusCode())
	assert.Equal(t, "ok", string(ctx.Response.Body()))
	assert.Equal(t, "true", string(ctx.Response.Header.Peek("X-From-Cache")))
	assert.Len(t, ctx.Response.Header.PeekAll("Vary"), 2)
}
