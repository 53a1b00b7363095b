package middleware

import (
	"fmt"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-vault-worker/types"
	"github.com/saiset-co/sai-vault-worker/utils"
)

// BodyLimitMiddleware caps control request bodies. Intercepted traffic is
// mounted without it.
type BodyLimitMiddleware struct {
	logger          types.Logger
	bodyLimitConfig *BodyLimitConfig
	weight          int
}

type BodyLimitConfig struct {
	MaxBodySize int `json:"max_body_size"`
}

func NewBodyLimitMiddleware(logger types.Logger, config types.MiddlewareConfig) *BodyLimitMiddleware {
	var bodyLimitConfig = &BodyLimitConfig{
		MaxBodySize: 64 * 1024,
	}

	if config.Params != nil {
		if err := utils.UnmarshalConfig(config.Params, bodyLimitConfig); err != nil {
			logger.Error("Failed to unmarshal BodyLimit middleware config", zap.Error(err))
		}
	}

	return &BodyLimitMiddleware{
		logger:          logger,
		bodyLimitConfig: bodyLimitConfig,
		weight:          config.Weight,
	}
}

func (bl *BodyLimitMiddleware) Name() string { return "body-limit" }
func (bl *BodyLimitMiddleware) Weight() int  { return bl.weight }

func (bl *BodyLimitMiddleware) Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler) {
	size := ctx.Request.Header.ContentLength()
	if body := len(ctx.PostBody()); body > size {
		size = body
	}

	if size > bl.bodyLimitConfig.MaxBodySize {
		ctx.SetConnectionClose()
		utils.CreateErrorResponseWithStatus(ctx, fasthttp.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", bl.bodyLimitConfig.MaxBodySize))
		return
	}

	next(ctx)
}
