package utils

import (
	"github.com/valyala/fasthttp"
)

func WriteJSON(ctx *fasthttp.RequestCtx, status int, data interface{}) {
	body, err := Marshal(data)
	if err != nil {
		CreateErrorResponse(ctx)
		return
	}

	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func CreateErrorResponse(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	ctx.SetContentType("application/json")

	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	ctx.Response.Header.Set("Pragma", "no-cache")
	ctx.Response.Header.Set("Expires", "0")

	if requestID := string(ctx.Request.Header.Peek("X-Request-ID")); requestID != "" {
		ctx.Response.Header.Set("X-Request-ID", requestID)
	}

	ctx.SetBodyString(`{"error":"Internal Server Error","message":"An unexpected error occurred"}`)
}

func CreateErrorResponseWithStatus(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	WriteJSON(ctx, status, map[string]string{"error": message})
}
