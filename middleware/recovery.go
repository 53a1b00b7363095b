package middleware

import (
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-vault-worker/types"
	"github.com/saiset-co/sai-vault-worker/utils"
)

type RecoveryMiddleware struct {
	logger         types.Logger
	metrics        types.MetricsManager
	recoveryConfig *RecoveryConfig
	weight         int
}

type RecoveryConfig struct {
	StackTrace bool `json:"stack_trace"`
}

func NewRecoveryMiddleware(logger types.Logger, metrics types.MetricsManager, config types.MiddlewareConfig) *RecoveryMiddleware {
	var recoveryConfig = &RecoveryConfig{
		StackTrace: true,
	}

	if config.Params != nil {
		if err := utils.UnmarshalConfig(config.Params, recoveryConfig); err != nil {
			logger.Error("Failed to unmarshal Recovery middleware config", zap.Error(err))
		}
	}

	return &RecoveryMiddleware{
		logger:         logger,
		metrics:        metrics,
		recoveryConfig: recoveryConfig,
		weight:         config.Weight,
	}
}

func (r *RecoveryMiddleware) Name() string { return "recovery" }
func (r *RecoveryMiddleware) Weight() int  { return r.weight }

func (r *RecoveryMiddleware) Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logPanic(ctx, rec)

			if r.metrics != nil {
				r.metrics.Counter("http_panics_total", map[string]string{"path": string(ctx.Path())}).Inc()
			}

			ctx.ResetBody()
			utils.CreateErrorResponse(ctx)
		}
	}()

	next(ctx)
}

func (r *RecoveryMiddleware) logPanic(ctx *fasthttp.RequestCtx, rec interface{}) {
	fields := []zap.Field{
		zap.Any("panic", rec),
		zap.ByteString("method", ctx.Method()),
		zap.ByteString("path", ctx.Path()),
		zap.String("remote_addr", ctx.RemoteIP().String()),
	}

	if requestID := ctx.Request.Header.Peek("X-Request-ID"); len(requestID) > 0 {
		fields = append(fields, zap.ByteString("request_id", requestID))
	}

	if !r.recoveryConfig.StackTrace {
		r.logger.Error("Recovered from panic", fields...)
		return
	}

	err, ok := rec.(error)
	if ok {
		err = errors.WithStack(err)
	} else {
		err = errors.Errorf("%v", rec)
	}

	r.logger.ErrorWithErrStack("Recovered from panic", err, fields...)
}
