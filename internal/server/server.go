package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
	"github.com/sudocode-ai/sudocode/internal/agent/discovery"
	"github.com/sudocode-ai/sudocode/internal/agent/registry"
	"github.com/sudocode-ai/sudocode/internal/common/apierr"
	"github.com/sudocode-ai/sudocode/internal/common/config"
	"github.com/sudocode-ai/sudocode/internal/common/logger"
	"github.com/sudocode-ai/sudocode/internal/coordinator"
	"github.com/sudocode-ai/sudocode/internal/project"
	"github.com/sudocode-ai/sudocode/internal/queue"
	"github.com/sudocode-ai/sudocode/internal/review"
)

// ProjectHeader scopes every request to the served project.
const ProjectHeader = "X-Sudocode-Project"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The server binds to loopback by default; origins are not filtered.
		return true
	},
}

// Server is the HTTP and WebSocket surface of the control plane.
type Server struct {
	coord    *coordinator.Coordinator
	review   *review.Service
	queue    *queue.Service
	proj     *project.Project
	registry *registry.Registry
	hub      *Hub
	logger   *logger.Logger

	projectID string
	http      *http.Server
}

// New builds the server around an already-wired engine.
func New(cfg config.ServerConfig, coord *coordinator.Coordinator, rev *review.Service, q *queue.Service, proj *project.Project, reg *registry.Registry, hub *Hub, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	s := &Server{
		coord:     coord,
		review:    rev,
		queue:     q,
		proj:      proj,
		registry:  reg,
		hub:       hub,
		logger:    log.WithFields(zap.String("component", "server")),
		projectID: filepath.Base(proj.Root()),
	}
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeoutDuration(),
		WriteTimeout: cfg.WriteTimeoutDuration(),
	}
	return s
}

// Router builds the gin engine with all routes.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "sudocode",
			"project": s.projectID,
		})
	})
	router.GET("/ws", s.handleWebSocket)

	api := router.Group("/api/v1")
	api.Use(s.projectScope())

	issues := api.Group("/issues")
	{
		issues.POST("", s.createIssue)
		issues.GET("", s.listIssues)
		issues.GET("/:id", s.getIssue)
		issues.PATCH("/:id", s.updateIssue)
		issues.DELETE("/:id", s.deleteIssue)
		issues.GET("/:id/relationships", s.listRelationships)

		issues.POST("/:id/executions", s.createExecution)
		issues.POST("/:id/review", s.reviewIssue)
		issues.POST("/:id/promote", s.promoteIssue)
		issues.GET("/:id/checkpoints", s.listCheckpoints)
		issues.GET("/:id/checkpoint/current", s.currentCheckpoint)
	}

	specs := api.Group("/specs")
	{
		specs.POST("", s.createSpec)
		specs.GET("", s.listSpecs)
		specs.GET("/:id", s.getSpec)
		specs.PATCH("/:id", s.updateSpec)
		specs.DELETE("/:id", s.deleteSpec)
	}

	executions := api.Group("/executions")
	{
		executions.GET("", s.listExecutions)
		executions.GET("/:id", s.getExecution)
		executions.POST("/:id/cancel", s.cancelExecution)
		executions.POST("/:id/follow-up", s.createFollowUp)
		executions.GET("/:id/chain", s.executionChain)
		executions.GET("/:id/records", s.sessionRecords)
		executions.POST("/:id/prompt", s.sendPrompt)
		executions.POST("/:id/session/end", s.endSession)

		executions.GET("/:id/sync/preview", s.syncPreview)
		executions.POST("/:id/sync/:strategy", s.executeSync)
		executions.GET("/:id/worktree", s.worktreeProbe)
		executions.DELETE("/:id/worktree", s.worktreeDelete)

		executions.POST("/:id/checkpoint", s.createCheckpoint)
		executions.POST("/:id/enqueue", s.enqueueExecution)
		executions.DELETE("/:id/queue", s.dequeueExecution)
		executions.GET("/:id/queue/position", s.queuePosition)
	}

	api.GET("/queue", s.queueStatus)
	api.POST("/relationships", s.addRelationship)
	api.DELETE("/relationships", s.removeRelationship)
	api.POST("/feedback", s.addFeedback)
	api.GET("/feedback", s.listFeedback)
	api.POST("/feedback/:uuid/dismiss", s.dismissFeedback)
	api.POST("/import", s.importRecords)
	api.POST("/export", s.exportRecords)
	api.GET("/agents", s.listAgents)

	return router
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// projectScope rejects requests addressed to a different project. A missing
// header means the caller trusts the server's active project.
func (s *Server) projectScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.GetHeader(ProjectHeader); id != "" && id != s.projectID {
			fail(c, apierr.NotFound("project", id))
			c.Abort()
			return
		}
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, "+ProjectHeader+", Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// handleWebSocket upgrades the connection and starts the client pumps. An
// optional executionId query parameter subscribes immediately.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	client := NewClient(uuid.New().String(), conn, s.hub, s.logger)
	s.hub.Register(client)
	if executionID := c.Query("executionId"); executionID != "" {
		if err := s.hub.Subscribe(client, executionID); err != nil {
			s.logger.Warn("initial subscription failed",
				zap.String("execution_id", executionID), zap.Error(err))
		}
	}
	go client.WritePump()
	go client.ReadPump()
}

// listAgents reports every known agent kind and its availability.
func (s *Server) listAgents(c *gin.Context) {
	defs := s.registry.List()
	out := make([]v1.AgentInfo, 0, len(defs))
	for _, def := range defs {
		_, available := discovery.LookPath(def.Command)
		out = append(out, v1.AgentInfo{
			Kind:         def.Kind,
			Name:         def.Kind,
			Command:      def.Command,
			Args:         def.Args,
			Available:    available,
			RequiresTTY:  def.RequiresTTY,
			ConfigFormat: string(def.ConfigFormat),
			ConfigPath:   def.ConfigFile,
		})
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}

// fail writes the uniform failure body for an error.
func fail(c *gin.Context, err error) {
	c.JSON(apierr.HTTPStatus(err), apierr.ToResponse(err))
}

// shutdownTimeout bounds graceful drain on exit.
const shutdownTimeout = 30 * time.Second

// ShutdownTimeout is exported for the binary's signal handler.
func ShutdownTimeout() time.Duration { return shutdownTimeout }
