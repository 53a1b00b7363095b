package types

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// ResponseType mirrors the fetch response classification pages see.
type ResponseType string

const (
	ResponseTypeBasic          ResponseType = "basic"
	ResponseTypeCORS           ResponseType = "cors"
	ResponseTypeOpaque         ResponseType = "opaque"
	ResponseTypeOpaqueRedirect ResponseType = "opaqueredirect"
	ResponseTypeError          ResponseType = "error"
)

const (
	HeaderFromCache   = "X-From-Cache"
	HeaderOffline     = "X-Offline"
	HeaderContentType = "Content-Type"
	HeaderFetchMode   = "Sec-Fetch-Mode"
)

type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, Errorf(ErrInvalidParameter, "url %q: %v", rawURL, err)
	}

	return &Request{Method: method, URL: u, Header: make(http.Header)}, nil
}

// Key identifies the request in a cache store.
func (r *Request) Key() string {
	return r.Method + " " + r.URL.String()
}

func (r *Request) Host() string {
	return r.URL.Hostname()
}

type Response struct {
	Status   int          `json:"status"`
	Header   http.Header  `json:"header"`
	Body     []byte       `json:"body"`
	Type     ResponseType `json:"type"`
	URL      string       `json:"url"`
	StoredAt time.Time    `json:"stored_at,omitempty"`
}

// Clone returns a deep copy so cached snapshots never share buffers with live responses.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}

	body := make([]byte, len(r.Body))
	copy(body, r.Body)

	return &Response{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		Body:     body,
		Type:     r.Type,
		URL:      r.URL,
		StoredAt: r.StoredAt,
	}
}

type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
