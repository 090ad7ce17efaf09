// Package server exposes the reading buddy over HTTP.
package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agenthands/readbuddy/internal/core"
	"github.com/agenthands/readbuddy/internal/graph"
	"github.com/agenthands/readbuddy/internal/logger"
	"github.com/agenthands/readbuddy/internal/session"
	"github.com/agenthands/readbuddy/internal/signals"
)

type Server struct {
	Buddy *core.Buddy
	log   *logger.Logger
	now   func() time.Time
}

func NewServer(b *core.Buddy, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{Buddy: b, log: log, now: time.Now}
}

func (s *Server) SetupRouter() *gin.Engine {
	switch strings.ToLower(s.Buddy.Config.Server.Mode) {
	case "prod", "production", "release":
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	api := r.Group("/api")
	api.POST("/upload", s.Upload)
	api.GET("/health", s.Health)

	sess := api.Group("/sessions/:id")
	sess.GET("/page/:n", s.Page)
	sess.POST("/signal", s.Signal)
	sess.GET("/state", s.State)
	sess.POST("/chat", s.Chat)
	sess.GET("/concepts/:page", s.PageConcepts)
	sess.POST("/highlight", s.Highlight)
	sess.POST("/understood", s.Understood)
	sess.POST("/end", s.End)

	docs := api.Group("/docs/:doc")
	docs.GET("", s.Document)
	docs.GET("/concepts", s.ConceptMap)
	docs.GET("/struggles", s.Struggles)
	docs.POST("/mirror", s.Mirror)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request", "method", c.Request.Method, "path", c.FullPath(),
			"status", c.Writer.Status(), "elapsed", time.Since(start))
	}
}

// fail maps buddy errors onto HTTP status codes.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, signals.ErrMalformedEvent), errors.Is(err, core.ErrInvalidInput), errors.Is(err, graph.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound), errors.Is(err, graph.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, graph.ErrReferential):
		status = http.StatusConflict
	case errors.Is(err, core.ErrMirrorDisabled), errors.Is(err, core.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func intParam(c *gin.Context, name string) (int, bool) {
	n, err := strconv.Atoi(c.Param(name))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Upload accepts a multipart "file" field or a raw body. Plain text pages
// are separated by form feeds; a JSON body carries {filename, pages}.
func (s *Server) Upload(c *gin.Context) {
	maxBytes := s.Buddy.Config.Reader.MaxUploadMB << 20
	filename := c.Query("filename")

	var body []byte
	var err error
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, ferr := c.FormFile("file")
		if ferr != nil {
			s.badRequest(c, "missing file field")
			return
		}
		if filename == "" {
			filename = fh.Filename
		}
		f, ferr := fh.Open()
		if ferr != nil {
			s.fail(c, ferr)
			return
		}
		defer f.Close()
		body, err = io.ReadAll(io.LimitReader(f, int64(maxBytes)+1))
	} else {
		body, err = io.ReadAll(io.LimitReader(c.Request.Body, int64(maxBytes)+1))
	}
	if err != nil {
		s.badRequest(c, "failed to read upload")
		return
	}

	name, pages, err := core.ParseUpload(filename, body, maxBytes)
	if err != nil {
		s.fail(c, err)
		return
	}
	res, err := s.Buddy.Upload(c.Request.Context(), name, pages)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, s.Buddy.Health(c.Request.Context()))
}

func (s *Server) Page(c *gin.Context) {
	n, ok := intParam(c, "n")
	if !ok {
		s.badRequest(c, "page must be a number")
		return
	}
	p, err := s.Buddy.Page(c.Request.Context(), c.Param("id"), n)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type SignalRequest struct {
	Type      string                 `json:"type"`
	Page      int                    `json:"page"`
	Timestamp float64                `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

func (s *Server) Signal(c *gin.Context) {
	var req SignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request")
		return
	}
	ev, err := signals.ParseEvent(req.Type, req.Page, req.Timestamp, req.Payload, s.now())
	if err != nil {
		s.fail(c, err)
		return
	}
	ack, err := s.Buddy.Signal(c.Request.Context(), c.Param("id"), ev)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

func (s *Server) State(c *gin.Context) {
	st, err := s.Buddy.State(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type ChatRequest struct {
	Message string `json:"message"`
	Page    int    `json:"page"`
}

func (s *Server) Chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request")
		return
	}
	reply, err := s.Buddy.Chat(c.Request.Context(), c.Param("id"), req.Message, req.Page)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, reply)
}

func (s *Server) PageConcepts(c *gin.Context) {
	page, ok := intParam(c, "page")
	if !ok {
		s.badRequest(c, "page must be a number")
		return
	}
	pc, err := s.Buddy.PageConcepts(c.Request.Context(), c.Param("id"), page)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pc)
}

type HighlightRequest struct {
	Page int    `json:"page"`
	Text string `json:"text"`
}

func (s *Server) Highlight(c *gin.Context) {
	var req HighlightRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request")
		return
	}
	id, err := s.Buddy.Highlight(c.Request.Context(), c.Param("id"), req.Page, req.Text)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"annotation_id": id})
}

type UnderstoodRequest struct {
	Concept string `json:"concept"`
}

func (s *Server) Understood(c *gin.Context) {
	var req UnderstoodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request")
		return
	}
	ref, err := s.Buddy.MarkUnderstood(c.Request.Context(), c.Param("id"), req.Concept)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ref)
}

func (s *Server) End(c *gin.Context) {
	sess, err := s.Buddy.EndSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) Document(c *gin.Context) {
	doc, err := s.Buddy.DocumentInfo(c.Param("doc"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) ConceptMap(c *gin.Context) {
	entries, err := s.Buddy.ConceptMap(c.Request.Context(), c.Param("doc"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"doc_id": c.Param("doc"), "concepts": entries})
}

func (s *Server) Struggles(c *gin.Context) {
	points, err := s.Buddy.Struggles(c.Request.Context(), c.Param("doc"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"doc_id": c.Param("doc"), "struggles": points})
}

func (s *Server) Mirror(c *gin.Context) {
	stats, err := s.Buddy.MirrorDocument(c.Request.Context(), c.Param("doc"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
