package server

import (
	"bytes"
	"net/http"
	"net/url"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-vault-worker/types"
)

var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
}

var (
	httpPrefix  = []byte("http://")
	httpsPrefix = []byte("https://")
)

// toRequest rebuilds the page's request. Absolute request lines (proxy form)
// are kept; origin-form requests are resolved against the Host header, using
// the configured origin's scheme when the host is the origin.
func toRequest(ctx *fasthttp.RequestCtx, origin *url.URL) (*types.Request, error) {
	raw := ctx.Request.Header.RequestURI()

	var target string
	if bytes.HasPrefix(raw, httpPrefix) || bytes.HasPrefix(raw, httpsPrefix) {
		target = string(raw)
	} else {
		host := string(ctx.Host())
		scheme := string(ctx.Request.Header.Peek("X-Forwarded-Proto"))

		switch {
		case host == "" || strings.EqualFold(host, origin.Host):
			host = origin.Host
			if scheme == "" {
				scheme = origin.Scheme
			}
		case scheme == "":
			scheme = "https"
		}

		target = scheme + "://" + host + string(raw)
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "request uri %q: %v", target, err)
	}

	header := make(http.Header)
	ctx.Request.Header.VisitAll(func(key, value []byte) {
		name := http.CanonicalHeaderKey(string(key))
		if _, hop := hopHeaders[name]; hop || name == "Host" {
			return
		}
		header.Add(name, string(value))
	})

	req := &types.Request{
		Method: string(ctx.Method()),
		URL:    u,
		Header: header,
	}
	if body := ctx.PostBody(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}

	return req, nil
}

func writeResponse(ctx *fasthttp.RequestCtx, resp *types.Response) {
	for name, values := range resp.Header {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(name)]; hop {
			continue
		}
		for i, v := range values {
			if i == 0 {
				ctx.Response.Header.Set(name, v)
			} else {
				ctx.Response.Header.Add(name, v)
			}
		}
	}

	ctx.SetStatusCode(resp.Status)
	ctx.SetBody(resp.Body)
}
