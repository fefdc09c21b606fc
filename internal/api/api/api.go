package api

import (
	"attendly/cmd/middleware"
	"attendly/internal/service"

	"github.com/gin-contrib/cors"
	"github.com/wb-go/wbf/ginext"
)

type Routers struct {
	Service service.Service
}

func NewRouters(r *Routers) *ginext.Engine {
	app := ginext.New("release")

	app.Use(middleware.LoggingMiddleware())
	app.Use(cors.Default())
	apiGroup := app.Group("/v1")

	apiGroup.POST("/events", r.Service.CreateEvent)
	apiGroup.GET("/events", r.Service.GetEventsByOwner)
	apiGroup.GET("/events/:id", r.Service.GetEvent)
	apiGroup.POST("/events/:id/register", r.Service.Register)
	apiGroup.GET("/events/:id/conflict", r.Service.CheckConflict)
	apiGroup.GET("/events/:id/roster", r.Service.GetRoster)
	apiGroup.POST("/events/:id/roster/refresh", r.Service.RefreshRoster)
	apiGroup.POST("/events/:id/checkin", r.Service.ScanCheckIn)
	apiGroup.POST("/events/:id/checkin/manual", r.Service.ManualCheckIn)
	apiGroup.GET("/events/:id/checkins", r.Service.CheckedInList)
	apiGroup.POST("/participants/:id/uncheck", r.Service.UndoCheckIn)
	apiGroup.POST("/status/refresh", r.Service.RefreshStatuses)

	app.GET("/", func(c *ginext.Context) {
		c.JSON(200, map[string]string{"status": "ok"})
	})

	return app
}
