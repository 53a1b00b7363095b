package server

import (
	"context"
	"errors"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-vault-worker/action"
	"github.com/saiset-co/sai-vault-worker/types"
	"github.com/saiset-co/sai-vault-worker/utils"
)

type permissionRequest struct {
	Permission types.Permission `json:"permission" validate:"required,oneof=granted denied default"`
}

func (h *FastHTTPServer) handleFetch(ctx *fasthttp.RequestCtx) {
	req, err := toRequest(ctx, h.origin)
	if err != nil {
		utils.CreateErrorResponseWithStatus(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}

	fetchCtx, cancel := context.WithTimeout(h.ctx, h.fetchTimeout)
	defer cancel()

	resp, err := h.worker.HandleFetch(fetchCtx, req)
	if err != nil || resp == nil {
		h.logger.Warn("Intercepted request failed",
			zap.String("method", req.Method),
			zap.String("url", req.URL.String()),
			zap.Error(err))
		utils.CreateErrorResponseWithStatus(ctx, fasthttp.StatusBadGateway, "upstream unavailable")
		return
	}

	writeResponse(ctx, resp)
}

func (h *FastHTTPServer) handleMessage(ctx *fasthttp.RequestCtx) {
	raw := append([]byte(nil), ctx.PostBody()...)

	result, err := h.worker.HandleMessage(h.ctx, raw)
	if err != nil {
		h.writeError(ctx, err)
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusAccepted, map[string]action.Result{"result": result})
}

func (h *FastHTTPServer) handleNotificationClick(ctx *fasthttp.RequestCtx) {
	var click types.NotificationClick
	if err := utils.Unmarshal(append([]byte(nil), ctx.PostBody()...), &click); err != nil {
		utils.CreateErrorResponseWithStatus(ctx, fasthttp.StatusBadRequest, "malformed notification click")
		return
	}

	if err := h.worker.HandleNotificationClick(h.ctx, &click); err != nil {
		h.writeError(ctx, err)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (h *FastHTTPServer) handleRegisterClient(ctx *fasthttp.RequestCtx) {
	var client types.Client
	if err := utils.Unmarshal(append([]byte(nil), ctx.PostBody()...), &client); err != nil {
		utils.CreateErrorResponseWithStatus(ctx, fasthttp.StatusBadRequest, "malformed client")
		return
	}

	registered, err := h.worker.RegisterClient(client)
	if err != nil {
		h.writeError(ctx, err)
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusCreated, registered)
}

func (h *FastHTTPServer) handleUnregisterClient(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if !h.worker.UnregisterClient(id) {
		utils.CreateErrorResponseWithStatus(ctx, fasthttp.StatusNotFound, "client not found")
		return
	}

	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (h *FastHTTPServer) handlePermission(ctx *fasthttp.RequestCtx) {
	var req permissionRequest
	if err := utils.Unmarshal(append([]byte(nil), ctx.PostBody()...), &req); err != nil {
		utils.CreateErrorResponseWithStatus(ctx, fasthttp.StatusBadRequest, "malformed permission")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		utils.CreateErrorResponseWithStatus(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}

	h.worker.SetPermission(req.Permission)
	utils.WriteJSON(ctx, fasthttp.StatusOK, req)
}

func (h *FastHTTPServer) handleState(ctx *fasthttp.RequestCtx) {
	snapshot, err := h.worker.Snapshot(h.ctx)
	if err != nil {
		h.writeError(ctx, err)
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, snapshot)
}

func (h *FastHTTPServer) handleListWebhooks(ctx *fasthttp.RequestCtx) {
	webhooks, err := h.worker.Webhooks().List(h.ctx)
	if err != nil {
		h.writeError(ctx, err)
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"webhooks": webhooks})
}

func (h *FastHTTPServer) handleCreateWebhook(ctx *fasthttp.RequestCtx) {
	var req action.WebhookCreateRequest
	if err := utils.Unmarshal(append([]byte(nil), ctx.PostBody()...), &req); err != nil {
		utils.CreateErrorResponseWithStatus(ctx, fasthttp.StatusBadRequest, "malformed webhook")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		utils.CreateErrorResponseWithStatus(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}

	webhook, err := h.worker.Webhooks().Create(h.ctx, &req)
	if err != nil {
		h.writeError(ctx, err)
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusCreated, webhook)
}

func (h *FastHTTPServer) handleDeleteWebhook(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if err := h.worker.Webhooks().Delete(h.ctx, id); err != nil {
		h.writeError(ctx, err)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (h *FastHTTPServer) writeError(ctx *fasthttp.RequestCtx, err error) {
	status := fasthttp.StatusInternalServerError

	switch {
	case errors.Is(err, types.ErrInvalidParameter), errors.Is(err, types.ErrMessageMalformed):
		status = fasthttp.StatusBadRequest
	case errors.Is(err, types.ErrResourceNotFound), errors.Is(err, types.ErrClientNotFound):
		status = fasthttp.StatusNotFound
	case errors.Is(err, types.ErrPermissionDenied):
		status = fasthttp.StatusForbidden
	case errors.Is(err, types.ErrWorkerNotActive):
		status = fasthttp.StatusConflict
	}

	if status == fasthttp.StatusInternalServerError {
		h.logger.Error("Control request failed",
			zap.String("path", string(ctx.Path())),
			zap.Error(err))
		utils.CreateErrorResponse(ctx)
		return
	}

	utils.CreateErrorResponseWithStatus(ctx, status, err.Error())
}
