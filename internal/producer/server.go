package producer

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/pushsaga/pkg/logx"
	"github.com/nao1215/pushsaga/pkg/middleware"
	"github.com/pkg/errors"
)

// ServerConfig はProducer APIの設定。
type ServerConfig struct {
	// Port はリッスンポート。
	Port string
	// JWTSecret はトークン検証に使うシークレット。
	JWTSecret string
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
}

// Server は送信要求を受け付けるHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer はGracefulShutdownのためのHTTPサーバー。
	httpServer *http.Server
	// producer は送信要求の発行先。
	producer *Producer
	// log はロガー。
	log logx.Logger
	// cfg は設定。
	cfg ServerConfig
}

// NewServer は新しいProducer APIサーバーを生成する。
func NewServer(cfg ServerConfig, p *Producer, log logx.Logger) *Server {
	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:   router,
		producer: p,
		log:      log,
		cfg:      cfg,
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はctxがキャンセルされるまでHTTPサーバーを起動する。
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Producer APIを起動します", logx.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "Producer APIの起動に失敗")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.cfg.JWTSecret))
	{
		// 送信要求の受付
		api.POST("/notifications",
			middleware.RequireScope(middleware.ScopeNotificationsWrite),
			s.handleCreate())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "producer"})
	})
}

// createRequest は送信要求のリクエストボディ。
type createRequest struct {
	Title              string   `json:"title" binding:"required"`
	Body               string   `json:"body"`
	RecipientDeviceIDs []string `json:"recipient_device_ids" binding:"required,min=1"`
}

// createResponse は送信要求の受付結果。
type createResponse struct {
	CorrelationID string `json:"correlation_id"`
}

func (s *Server) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です: " + err.Error()})
			return
		}

		id, err := s.producer.Request(c.Request.Context(), req.Title, req.Body, req.RecipientDeviceIDs)
		if errors.Is(err, ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "送信要求の発行に失敗しました"})
			return
		}

		s.log.Info("送信要求を受け付けました",
			logx.String("correlation_id", id.String()),
			logx.String("client_id", middleware.GetClientID(c)))
		c.JSON(http.StatusAccepted, createResponse{CorrelationID: id.String()})
	}
}
