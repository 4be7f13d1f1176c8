package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"sheetcollab/backend/internal/collab"
	"sheetcollab/backend/internal/httpapi/handlers"
	"sheetcollab/backend/internal/httpapi/middleware"
	"sheetcollab/backend/internal/ws"
)

type RouterOptions struct {
	Secret       string
	AllowOrigins []string
}

func NewRouter(svc collab.Service, hub *ws.Hub, opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	if len(opts.AllowOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     opts.AllowOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	sheets := handlers.NewSheetHandler(svc)
	sockets := handlers.NewWebSocketHandler(svc, hub, opts.AllowOrigins)

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(opts.Secret))
	v1.POST("/sheets", sheets.CreateSheet)
	v1.GET("/sheets/:id", sheets.GetSheet)
	v1.PUT("/sheets/:id/cells", sheets.UpdateCell)
	v1.POST("/sheets/:id/permissions", sheets.Grant)
	v1.GET("/sheets/:id/ws", sockets.Connect)
	return r
}
