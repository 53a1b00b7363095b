package middleware

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-vault-worker/types"
	"github.com/saiset-co/sai-vault-worker/utils"
)

var optionsBytes = []byte(fasthttp.MethodOptions)

// CORSMiddleware lets pages on other origins reach the control endpoints.
type CORSMiddleware struct {
	logger           types.Logger
	corsConfig       *CORSConfig
	weight           int
	allowsAll        bool
	allowedOrigins   map[string]bool
	wildcardDomains  []string
	allowedMethods   string
	allowedHeaders   string
	maxAge           string
	allowCredentials bool
}

type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age"`
}

func NewCORSMiddleware(logger types.Logger, config types.MiddlewareConfig) *CORSMiddleware {
	var corsConfig = &CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID", "X-Client-ID"},
		MaxAge:         86400,
	}

	if config.Params != nil {
		if err := utils.UnmarshalConfig(config.Params, corsConfig); err != nil {
			logger.Error("Failed to unmarshal CORS middleware config", zap.Error(err))
		}
	}

	c := &CORSMiddleware{
		logger:           logger,
		corsConfig:       corsConfig,
		weight:           config.Weight,
		allowCredentials: corsConfig.AllowCredentials,
		allowedMethods:   strings.Join(corsConfig.AllowedMethods, ", "),
		allowedHeaders:   strings.Join(corsConfig.AllowedHeaders, ", "),
		maxAge:           strconv.Itoa(corsConfig.MaxAge),
		allowedOrigins:   make(map[string]bool, len(corsConfig.AllowedOrigins)),
	}

	for _, origin := range corsConfig.AllowedOrigins {
		switch {
		case origin == "*":
			c.allowsAll = true
		case strings.HasPrefix(origin, "*."):
			c.wildcardDomains = append(c.wildcardDomains, strings.TrimPrefix(origin, "*"))
		default:
			c.allowedOrigins[origin] = true
		}
	}

	return c
}

func (c *CORSMiddleware) Name() string { return "cors" }
func (c *CORSMiddleware) Weight() int  { return c.weight }

func (c *CORSMiddleware) Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler) {
	origin := ctx.Request.Header.Peek("Origin")
	if len(origin) == 0 {
		next(ctx)
		return
	}

	if !c.isOriginAllowed(string(origin)) {
		c.logger.Warn("CORS request blocked",
			zap.ByteString("origin", origin),
			zap.ByteString("path", ctx.Path()))
		utils.CreateErrorResponseWithStatus(ctx, fasthttp.StatusForbidden, "origin not allowed")
		return
	}

	c.setOrigin(ctx, origin)

	if bytes.Equal(ctx.Method(), optionsBytes) {
		ctx.Response.Header.Set("Access-Control-Allow-Methods", c.allowedMethods)
		ctx.Response.Header.Set("Access-Control-Allow-Headers", c.allowedHeaders)
		ctx.Response.Header.Set("Access-Control-Max-Age", c.maxAge)
		ctx.SetStatusCode(fasthttp.StatusNoContent)
		return
	}

	next(ctx)
}

func (c *CORSMiddleware) isOriginAllowed(origin string) bool {
	if c.allowsAll || c.allowedOrigins[origin] {
		return true
	}

	for _, suffix := range c.wildcardDomains {
		if strings.HasSuffix(origin, suffix) && len(origin) > len(suffix) {
			return true
		}
	}
	return false
}

func (c *CORSMiddleware) setOrigin(ctx *fasthttp.RequestCtx, origin []byte) {
	if c.allowsAll && !c.allowCredentials {
		ctx.Response.Header.Set("Access-Control-Allow-Origin", "*")
	} else {
		ctx.Response.Header.SetBytesV("Access-Control-Allow-Origin", origin)
		ctx.Response.Header.Add("Vary", "Origin")
	}

	if c.allowCredentials {
		ctx.Response.Header.Set("Access-Control-Allow-Credentials", "true")
	}
}
