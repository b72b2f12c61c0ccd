// Package httpapi serves the head unit's JSON and Server-Sent Events API to
// the touchscreen UI.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/carpi/headunit/internal/media"
	"github.com/carpi/headunit/internal/phone"
)

// Phone is the call state and control surface used by the handlers.
type Phone interface {
	Status() phone.Status
	RecentCalls() []phone.RecentCall
	Stream(size int) (<-chan phone.Status, func())
	LinkMode() string

	Answer(ctx context.Context) error
	Hangup(ctx context.Context) (confirmed bool, err error)
	Reject(ctx context.Context) (confirmed bool, err error)
	Dial(number string) (sanitized string, err error)
	SendDTMF(digit string) error
}

// Media is the playback control surface.
type Media interface {
	Command(ctx context.Context, name string) (string, error)
	Status(ctx context.Context) media.Report
}

// Options tunes the streaming endpoint.
type Options struct {
	QueueSize int
	Heartbeat time.Duration
}

// Handler holds the API dependencies.
type Handler struct {
	phone Phone
	media Media
	opts  Options
	log   zerolog.Logger
}

// NewHandler returns a handler. media may be nil to leave the media routes
// unregistered.
func NewHandler(p Phone, m Media, opts Options, log zerolog.Logger) *Handler {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	return &Handler{phone: p, media: m, opts: opts, log: log}
}

type commandResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// BuildRouter wires every route onto a new gin engine.
func (h *Handler) BuildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())

	r.GET("/healthz", h.health)

	h.phoneRoutes(r.Group("/api/phone"))
	// Unprefixed aliases for UIs that talk to the phone routes directly.
	h.phoneRoutes(r.Group("/"))

	if h.media != nil {
		m := r.Group("/api/media")
		m.GET("/status", h.mediaStatus)
		m.POST("/:command", h.mediaCommand)
	}
	return r
}

func (h *Handler) phoneRoutes(g *gin.RouterGroup) {
	g.GET("/status", h.status)
	g.GET("/events", h.events)
	g.GET("/recent", h.recent)
	g.POST("/answer", h.answer)
	g.POST("/hangup", h.hangup)
	g.POST("/reject", h.reject)
	g.POST("/dial", h.dial)
	g.POST("/dtmf", h.dtmf)
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "link": h.phone.LinkMode()})
}

func (h *Handler) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.phone.Status())
}

func (h *Handler) recent(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "calls": h.phone.RecentCalls()})
}

func (h *Handler) answer(c *gin.Context) {
	h.respond(c, h.phone.Answer(c.Request.Context()))
}

func (h *Handler) hangup(c *gin.Context) {
	confirmed, err := h.phone.Hangup(c.Request.Context())
	h.respondHangup(c, confirmed, err)
}

func (h *Handler) reject(c *gin.Context) {
	confirmed, err := h.phone.Reject(c.Request.Context())
	h.respondHangup(c, confirmed, err)
}

func (h *Handler) respondHangup(c *gin.Context, confirmed bool, err error) {
	if err == nil && !confirmed {
		c.JSON(http.StatusOK, commandResponse{Success: true, Message: "State updated"})
		return
	}
	h.respond(c, err)
}

func (h *Handler) dial(c *gin.Context) {
	var req struct {
		Number string `json:"number"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, commandResponse{Message: "invalid request body"})
		return
	}
	_, err := h.phone.Dial(req.Number)
	h.respond(c, err)
}

func (h *Handler) dtmf(c *gin.Context) {
	var req struct {
		Digit string `json:"digit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, commandResponse{Message: "invalid request body"})
		return
	}
	h.respond(c, h.phone.SendDTMF(req.Digit))
}

// respond maps a command error onto {success, message}. Failures are still
// HTTP 200 so the UI can render the message.
func (h *Handler) respond(c *gin.Context, err error) {
	if err == nil {
		c.JSON(http.StatusOK, commandResponse{Success: true})
		return
	}
	if !phone.IsPermanent(err) {
		h.log.Info().Err(err).Str("path", c.Request.URL.Path).Msg("phone command failed")
	}
	c.JSON(http.StatusOK, commandResponse{Message: err.Error()})
}

type heartbeat struct {
	Heartbeat bool `json:"heartbeat"`
}

// events streams snapshots as Server-Sent Events: the current snapshot first,
// then every change, with a heartbeat after each silent interval.
func (h *Handler) events(c *gin.Context) {
	ch, cancel := h.phone.Stream(h.opts.QueueSize)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	if err := writeFrame(c.Writer, h.phone.Status()); err != nil {
		return
	}

	timer := time.NewTimer(h.opts.Heartbeat)
	defer timer.Stop()
	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case st, ok := <-ch:
			if !ok {
				return
			}
			err = writeFrame(c.Writer, st)
		case <-timer.C:
			err = writeFrame(c.Writer, heartbeat{Heartbeat: true})
		}
		if err != nil {
			h.log.Debug().Err(err).Msg("event stream closed")
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(h.opts.Heartbeat)
	}
}

func writeFrame(w gin.ResponseWriter, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func (h *Handler) mediaCommand(c *gin.Context) {
	out, err := h.media.Command(c.Request.Context(), c.Param("command"))
	switch {
	case errors.Is(err, media.ErrUnknownCommand):
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "output": err.Error()})
	case err != nil:
		h.log.Info().Err(err).Str("command", c.Param("command")).Msg("media command failed")
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "output": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"ok": true, "output": out})
	}
}

func (h *Handler) mediaStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.media.Status(c.Request.Context()))
}
