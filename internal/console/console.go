// Package console serves the operator HTTP API next to the bridge: status,
// live connections, pending approvals (approve/reject), bridge start/stop
// and the audit trail. It only answers loopback clients.
package console

import (
	"context"
	_ "embed"
	"errors"
	"log"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"livebridge/internal/approval"
	"livebridge/internal/bridge"
	apperrors "livebridge/internal/errors"
	"livebridge/internal/sentry"
	"livebridge/internal/server"
	"livebridge/internal/storage"

	"github.com/gin-gonic/gin"
)

//go:embed index.html
var indexHTML []byte

// Console is the operator HTTP server.
type Console struct {
	controller *bridge.Controller
	queue      *approval.Queue
	store      storage.Store

	addr    string
	httpSrv *http.Server
}

// New builds a console. queue and store may be nil, in which case the
// approval and audit endpoints report that the feature is off.
func New(addr string, controller *bridge.Controller, queue *approval.Queue, store storage.Store) *Console {
	return &Console{
		controller: controller,
		queue:      queue,
		store:      store,
		addr:       addr,
	}
}

// Status is the body of GET /api/status.
type Status struct {
	Running     bool `json:"running"`
	Port        int  `json:"port,omitempty"`
	TokenIssued bool `json:"token_issued"`
	Connections int  `json:"connections"`
	Pending     int  `json:"pending_approvals"`
}

func (c *Console) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), sentry.Middleware(), loopbackOnly(), jsonWrites())

	r.GET("/", func(ctx *gin.Context) {
		ctx.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
	})

	api := r.Group("/api")
	api.GET("/status", c.handleStatus)
	api.GET("/connections", c.handleConnections)
	api.GET("/namespace", c.handleNamespace)
	api.GET("/approvals", c.handleApprovals)
	api.POST("/approvals/:id/approve", c.handleResolve(true))
	api.POST("/approvals/:id/reject", c.handleResolve(false))
	api.POST("/bridge/start", c.handleStart)
	api.POST("/bridge/stop", c.handleStop)
	api.GET("/audit", c.handleAudit)
	return r
}

// Start serves until ctx is cancelled.
func (c *Console) Start(ctx context.Context) error {
	c.httpSrv = &http.Server{
		Addr:              c.addr,
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.httpSrv.Shutdown(shutdownCtx)
	}()

	log.Printf("Operator console listening on http://%s", c.addr)
	err := c.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// StartAsync runs Start in a goroutine, reporting failures.
func (c *Console) StartAsync(ctx context.Context) {
	go func() {
		if err := c.Start(ctx); err != nil {
			sentry.CaptureError(err, "operator console")
		}
	}()
}

func (c *Console) handleStatus(ctx *gin.Context) {
	st := Status{
		Running:     c.controller.IsRunning(),
		TokenIssued: c.controller.TokenIssued(),
		Connections: c.controller.Server().Registry.Len(),
	}
	if port, ok := c.controller.CurrentPort(); ok {
		st.Port = port
	}
	if c.queue != nil {
		st.Pending = len(c.queue.ListPending())
	}
	ctx.JSON(http.StatusOK, st)
}

func (c *Console) handleConnections(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, c.controller.Server().Connections())
}

func (c *Console) handleNamespace(ctx *gin.Context) {
	names, err := c.controller.Server().NamespaceNames(ctx.Request.Context())
	if errors.Is(err, server.ErrStopped) {
		ctx.JSON(http.StatusConflict, gin.H{"error": "bridge is not running"})
		return
	}
	if err != nil {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"names": names})
}

func (c *Console) handleApprovals(ctx *gin.Context) {
	if c.queue == nil {
		ctx.JSON(http.StatusOK, []approval.Request{})
		return
	}
	ctx.JSON(http.StatusOK, c.queue.ListPending())
}

type resolveBody struct {
	Reason string `json:"reason"`
}

func (c *Console) handleResolve(approve bool) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if c.queue == nil {
			ctx.JSON(http.StatusNotFound, gin.H{"error": "approvals are not handled by the console"})
			return
		}
		var body resolveBody
		if ctx.Request.ContentLength > 0 {
			if err := ctx.ShouldBindJSON(&body); err != nil {
				ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		if body.Reason == "" && !approve {
			body.Reason = "rejected from console"
		}

		id := ctx.Param("id")
		if !c.queue.Resolve(id, approve, body.Reason) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": "no pending approval " + id})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"id": id, "approved": approve})
	}
}

type startBody struct {
	Port *int `json:"port"`
}

func (c *Console) handleStart(ctx *gin.Context) {
	var body startBody
	if ctx.Request.ContentLength > 0 {
		if err := ctx.ShouldBindJSON(&body); err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	port := c.controller.DefaultPort()
	if body.Port != nil {
		port = *body.Port
	}

	err := c.controller.Start(port)
	switch {
	case errors.Is(err, server.ErrAlreadyRunning), errors.Is(err, server.ErrStillStopping):
		ctx.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case apperrors.IsKind(err, apperrors.KindBind):
		ctx.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		sentry.CaptureErrorWithContext(ctx, err, "console start bridge")
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	bound, _ := c.controller.CurrentPort()
	ctx.JSON(http.StatusOK, gin.H{"running": true, "port": bound})
}

func (c *Console) handleStop(ctx *gin.Context) {
	c.controller.Stop()
	ctx.JSON(http.StatusOK, gin.H{"running": false})
}

func (c *Console) handleAudit(ctx *gin.Context) {
	if c.store == nil {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit trail disabled"})
		return
	}
	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "50"))

	conns, err := c.store.RecentConnections(limit)
	if err != nil {
		sentry.CaptureErrorWithContext(ctx, err, "audit connections")
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	cmds, err := c.store.RecentCommands(limit)
	if err != nil {
		sentry.CaptureErrorWithContext(ctx, err, "audit commands")
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"connections": conns, "commands": cmds})
}

// loopbackOnly refuses requests from other machines and requests whose Host
// header is not a loopback name.
func loopbackOnly() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		host, _, err := net.SplitHostPort(ctx.Request.RemoteAddr)
		if err != nil {
			host = ctx.Request.RemoteAddr
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			ctx.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "console is loopback only"})
			return
		}
		if !loopbackHost(ctx.Request.Host) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "unexpected Host header"})
			return
		}
		ctx.Next()
	}
}

func loopbackHost(hostport string) bool {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = strings.Trim(hostport, "[]")
	}
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// jsonWrites requires a JSON content type on every request that changes
// state. The console answers no CORS preflight.
func jsonWrites() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if ctx.Request.Method == http.MethodGet || ctx.Request.Method == http.MethodHead {
			ctx.Next()
			return
		}
		mt, _, err := mime.ParseMediaType(ctx.GetHeader("Content-Type"))
		if err != nil || mt != "application/json" {
			ctx.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{"error": "Content-Type must be application/json"})
			return
		}
		ctx.Next()
	}
}
