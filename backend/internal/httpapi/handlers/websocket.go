package handlers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"sheetcollab/backend/internal/collab"
	"sheetcollab/backend/internal/httpapi/middleware"
	"sheetcollab/backend/internal/ws"
)

type WebSocketHandler struct {
	svc      collab.Service
	hub      *ws.Hub
	upgrader websocket.Upgrader
}

var defaultOrigins = []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"}

// NewWebSocketHandler allowOrigins 为空时只放行本地开发来源
func NewWebSocketHandler(svc collab.Service, hub *ws.Hub, allowOrigins []string) *WebSocketHandler {
	allowed := allowOrigins
	if len(allowed) == 0 {
		allowed = defaultOrigins
	}
	return &WebSocketHandler{
		svc: svc,
		hub: hub,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
			return originAllowed(allowed, r.Header.Get("Origin"))
		}},
	}
}

// originAllowed scheme 和 host 必须完全相同；允许项不带端口时任意端口都放行
func originAllowed(allowed []string, origin string) bool {
	// 非浏览器客户端不发 Origin
	if origin == "" {
		return true
	}
	o, err := url.Parse(origin)
	valid := err == nil && o.Scheme != "" && o.Host != ""
	for _, a := range allowed {
		if a == "*" {
			return true
		}
		if !valid {
			continue
		}
		u, err := url.Parse(a)
		if err != nil || u.Host == "" {
			continue
		}
		if !strings.EqualFold(u.Scheme, o.Scheme) || !strings.EqualFold(u.Hostname(), o.Hostname()) {
			continue
		}
		if u.Port() == "" || u.Port() == o.Port() {
			return true
		}
	}
	return false
}

// GET /v1/sheets/:id/ws 只有可编辑的用户能加入频道
func (h *WebSocketHandler) Connect(c *gin.Context) {
	sheetID := c.Param("id")
	email := c.GetString(middleware.ContextEmail)

	perm, err := h.svc.Permission(c.Request.Context(), sheetID, email)
	if err != nil {
		abortErr(c, err)
		return
	}
	if !perm.CanEdit() {
		abortErr(c, collab.ErrForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		glog.Warningf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	h.hub.Serve(c.Request.Context(), conn, sheetID, email)
}
