// Package proxy is the HTTP surface of the cache manager: the intercepted
// request endpoint, the command endpoint and the progress socket.
package proxy

import (
	"io"
	"net/http"

	"github.com/bariiss/hls-offline/manager"
	"github.com/bariiss/hls-offline/model"
	"github.com/bariiss/hls-offline/notify"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

const maxMessageBytes = 64 * 1024

type Server struct {
	worker   *manager.Worker
	hub      *notify.Hub
	upgrader websocket.Upgrader
}

func NewServer(worker *manager.Worker, hub *notify.Hub) *Server {
	return &Server{
		worker: worker,
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// pages on any origin may route through the daemon
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/health", s.Health)
	e.POST("/messages", s.Messages)
	e.GET("/events", s.Events)
	e.GET("/videos/:id/offline", s.VideoStatus)
	e.GET("/fetch/:input", s.Fetch)
}

func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
		"state":  string(s.worker.State()),
	})
}

// Messages runs one command envelope. The response body is the command's
// reply; commands without a reply answer 202.
func (s *Server) Messages(c echo.Context) error {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxMessageBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	var reply *model.Reply
	s.worker.HandleEnvelope(c.Request().Context(), data, func(r model.Reply) {
		reply = &r
	})

	if reply == nil {
		return c.NoContent(http.StatusAccepted)
	}
	status := http.StatusOK
	if !reply.Success {
		status = http.StatusUnprocessableEntity
	}
	return c.JSON(status, reply)
}

// Events upgrades to a WebSocket that receives progress broadcasts and may
// send command envelopes.
func (s *Server) Events(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Warnf("websocket upgrade failed: %v", err)
		return nil
	}
	log.WithField("remote", c.RealIP()).Debug("events socket opened")
	notify.NewClient(s.hub, conn).Serve(c.Request().Context(), s.worker.HandleEnvelope)
	return nil
}

func (s *Server) VideoStatus(c echo.Context) error {
	meta, ok, err := s.worker.Videos().Metadata(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]any{"videoId": c.Param("id"), "cached": false})
	}
	return c.JSON(http.StatusOK, meta)
}
