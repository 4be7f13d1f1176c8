package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"sheetcollab/backend/internal/collab"
	"sheetcollab/backend/internal/httpapi/middleware"
	"sheetcollab/backend/internal/sheet"
)

type SheetHandler struct {
	svc collab.Service
}

func NewSheetHandler(svc collab.Service) *SheetHandler {
	return &SheetHandler{svc: svc}
}

type createSheetRequest struct {
	Title string `json:"title"`
	Rows  int    `json:"rows"`
	Cols  int    `json:"cols"`
}

type grantRequest struct {
	Email string           `json:"email"`
	Role  sheet.Permission `json:"role"`
}

// abortErr 服务层错误 -> HTTP 状态码
func abortErr(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, collab.ErrForbidden):
		status, code = http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, collab.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, collab.ErrOutOfBounds), errors.Is(err, collab.ErrInvalidSheet), errors.Is(err, collab.ErrInvalidRole):
		status, code = http.StatusBadRequest, "BAD_REQUEST"
	}
	if status == http.StatusInternalServerError {
		glog.Errorf("%s %s error = %v", c.Request.Method, c.FullPath(), err)
	}
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": msg})
}

// GET /v1/sheets/:id
func (h *SheetHandler) GetSheet(c *gin.Context) {
	email := c.GetString(middleware.ContextEmail)
	snap, err := h.svc.LoadSheet(c.Request.Context(), c.Param("id"), email)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sheet.NewLoadResponse(snap))
}

// PUT /v1/sheets/:id/cells
func (h *SheetHandler) UpdateCell(c *gin.Context) {
	var req sheet.UpdateCellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	email := c.GetString(middleware.ContextEmail)
	version, err := h.svc.UpdateCell(c.Request.Context(), c.Param("id"), email, req.Coord(), req.Content())
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sheet.UpdateCellResponse{Version: version})
}

// POST /v1/sheets
func (h *SheetHandler) CreateSheet(c *gin.Context) {
	var req createSheetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	email := c.GetString(middleware.ContextEmail)
	meta, err := h.svc.CreateSheet(c.Request.Context(), email, req.Title, req.Rows, req.Cols)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, meta)
}

// POST /v1/sheets/:id/permissions
func (h *SheetHandler) Grant(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	email := c.GetString(middleware.ContextEmail)
	if err := h.svc.Grant(c.Request.Context(), c.Param("id"), email, req.Email, req.Role); err != nil {
		abortErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
