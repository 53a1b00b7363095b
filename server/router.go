package server

import (
	"strings"
	"sync"

	"github.com/valyala/fasthttp"
)

type compiledRoute struct {
	method     string
	pattern    string
	handler    fasthttp.RequestHandler
	paramNames []string
	segments   []string
}

// Router resolves control routes: exact paths by map lookup, patterns with
// {param} segments by a linear scan.
type Router struct {
	static  map[string]fasthttp.RequestHandler
	dynamic []*compiledRoute
	mu      sync.RWMutex
}

func NewRouter() *Router {
	return &Router{static: make(map[string]fasthttp.RequestHandler)}
}

func (r *Router) Add(method, pattern string, handler fasthttp.RequestHandler) {
	pattern = normalizePath(pattern)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !strings.Contains(pattern, "{") {
		r.static[method+" "+pattern] = handler
		return
	}

	r.dynamic = append(r.dynamic, &compiledRoute{
		method:     method,
		pattern:    pattern,
		handler:    handler,
		paramNames: extractParamNames(pattern),
		segments:   parsePathSegments(pattern),
	})
}

func (r *Router) GET(pattern string, handler fasthttp.RequestHandler) {
	r.Add(fasthttp.MethodGet, pattern, handler)
}

func (r *Router) POST(pattern string, handler fasthttp.RequestHandler) {
	r.Add(fasthttp.MethodPost, pattern, handler)
}

func (r *Router) PUT(pattern string, handler fasthttp.RequestHandler) {
	r.Add(fasthttp.MethodPut, pattern, handler)
}

func (r *Router) DELETE(pattern string, handler fasthttp.RequestHandler) {
	r.Add(fasthttp.MethodDelete, pattern, handler)
}

// Lookup returns the handler for method and path plus any path parameters.
// A path that matches a route under another method reports allowed=false.
func (r *Router) Lookup(method, path string) (handler fasthttp.RequestHandler, params map[string]string, found bool, allowed bool) {
	path = normalizePath(path)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.static[method+" "+path]; ok {
		return h, nil, true, true
	}

	segments := parsePathSegments(path)
	for _, route := range r.dynamic {
		if params := matchRoute(segments, route); params != nil {
			if route.method == method {
				return route.handler, params, true, true
			}
			found = true
		}
	}

	if !found {
		for key := range r.static {
			if strings.HasSuffix(key, " "+path) {
				found = true
				break
			}
		}
	}

	return nil, nil, found, false
}

// Has reports whether path belongs to any registered route.
func (r *Router) Has(path string) bool {
	_, _, found, _ := r.Lookup("", path)
	return found
}

func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		return strings.TrimRight(path, "/")
	}
	return path
}

func parsePathSegments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return []string{}
	}
	return strings.Split(path, "/")
}

func extractParamNames(pattern string) []string {
	var params []string
	for _, seg := range parsePathSegments(pattern) {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			params = append(params, seg[1:len(seg)-1])
		}
	}
	return params
}

func matchRoute(pathSegments []string, route *compiledRoute) map[string]string {
	if len(pathSegments) != len(route.segments) {
		return nil
	}

	params := make(map[string]string, len(route.paramNames))
	paramIdx := 0

	for i, routeSegment := range route.segments {
		if strings.HasPrefix(routeSegment, "{") {
			if pathSegments[i] == "" {
				return nil
			}
			params[route.paramNames[paramIdx]] = pathSegments[i]
			paramIdx++
		} else if routeSegment != pathSegments[i] {
			return nil
		}
	}

	return params
}
