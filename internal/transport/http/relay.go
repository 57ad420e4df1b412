package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"notify-relay/internal/domain/eventbus"
	"notify-relay/internal/transport/bus"
)

// RelayRoutes are the collaborators behind the relay's HTTP surface.
type RelayRoutes struct {
	WebSocketPath string
	WebSocket     http.Handler
	Connections   interface{ Len() int }
	Sessions      interface{ Count() int }
	Bus           bus.Subscriber
	Stats         *eventbus.Stats
}

// HealthReport is the payload of GET /api/health.
type HealthReport struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Sessions    int    `json:"sessions"`
	BusDriver   string `json:"bus_driver"`
	BusState    string `json:"bus_state"`
}

// Mount registers the health, stats and websocket routes.
func (r *Router) Mount(routes RelayRoutes) {
	r.API.GET("/health", func(c *gin.Context) {
		report := HealthReport{Status: "ok"}
		if routes.Connections != nil {
			report.Connections = routes.Connections.Len()
		}
		if routes.Sessions != nil {
			report.Sessions = routes.Sessions.Count()
		}
		if routes.Bus != nil {
			state := routes.Bus.State()
			report.BusDriver = routes.Bus.Driver()
			report.BusState = state.String()
			if state != bus.StateSubscribed {
				report.Status = "degraded"
				RespondError(c, http.StatusServiceUnavailable, report.Status, report)
				return
			}
		}
		RespondSuccess(c, http.StatusOK, report, report.Status)
	})

	r.API.GET("/stats", func(c *gin.Context) {
		if routes.Stats == nil {
			RespondError(c, http.StatusServiceUnavailable, "stats unavailable", gin.H{})
			return
		}
		RespondSuccess(c, http.StatusOK, routes.Stats.Snapshot(), "")
	})

	if routes.WebSocket != nil {
		path := routes.WebSocketPath
		if path == "" {
			path = "/ws"
		}
		r.Engine.GET(path, gin.WrapH(routes.WebSocket))
		r.logger.InfoTag("HTTP", "websocket endpoint mounted at %s", path)
	}
}
