package saga

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nao1215/pushsaga/pkg/bus"
	"github.com/nao1215/pushsaga/pkg/logx"
	"github.com/nao1215/pushsaga/pkg/middleware"
	"github.com/pkg/errors"
)

// ServerConfig はSaga管理APIの設定。
type ServerConfig struct {
	// Port はリッスンポート。
	Port string
	// JWTSecret はトークン検証に使うシークレット。
	JWTSecret string
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
}

// Server はSaga状態を参照するHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer はGracefulShutdownのためのHTTPサーバー。
	httpServer *http.Server
	// store はSaga状態の保存先。
	store Store
	// deadLetters はデッドレターを参照できるバス。nilの場合は参照APIを提供しない。
	deadLetters bus.DeadLetterLister
	// log はロガー。
	log logx.Logger
	// cfg は設定。
	cfg ServerConfig
}

// NewServer は新しいSaga管理サーバーを生成する。
func NewServer(cfg ServerConfig, store Store, deadLetters bus.DeadLetterLister, log logx.Logger) *Server {
	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:      router,
		store:       store,
		deadLetters: deadLetters,
		log:         log,
		cfg:         cfg,
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
		s.log.Info("Saga管理APIを起動します", logx.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "Saga管理APIの起動に失敗")
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
	api.Use(middleware.RequireScope(middleware.ScopeSagasRead))
	{
		sagas := api.Group("/sagas")
		{
			// Saga一覧取得（phaseで絞り込み可能）
			sagas.GET("", s.handleList())
			// Saga詳細取得
			sagas.GET("/:id", s.handleGetByID())
		}

		if s.deadLetters != nil {
			// デッドレター一覧取得（queueで絞り込み可能）
			api.GET("/dead-letters", s.handleDeadLetters())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "saga"})
	})
}

// sagaResponse はSaga状態のレスポンス。
type sagaResponse struct {
	CorrelationID      string   `json:"correlation_id"`
	Phase              string   `json:"phase"`
	Title              string   `json:"title"`
	Body               string   `json:"body"`
	RecipientDeviceIDs []string `json:"recipient_device_ids"`
	RetryCount         int      `json:"retry_count"`
	Attempts           int      `json:"attempts"`
	LastFailureReason  string   `json:"last_failure_reason,omitempty"`
	Version            int64    `json:"version"`
	CreatedAt          string   `json:"created_at"`
	UpdatedAt          string   `json:"updated_at"`
}

func toResponse(st State) sagaResponse {
	return sagaResponse{
		CorrelationID:      st.CorrelationID.String(),
		Phase:              string(st.Phase),
		Title:              st.Title,
		Body:               st.Body,
		RecipientDeviceIDs: st.RecipientDeviceIDs,
		RetryCount:         st.RetryCount,
		Attempts:           st.Attempts,
		LastFailureReason:  st.LastFailureReason,
		Version:            st.Version,
		CreatedAt:          st.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:          st.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		var phase Phase
		if q := c.Query("phase"); q != "" {
			p, ok := ParsePhase(q)
			if !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": "phaseが不正です: " + q})
				return
			}
			phase = p
		}

		states, err := s.store.List(c.Request.Context(), phase)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "saga一覧の取得に失敗しました"})
			return
		}

		res := make([]sagaResponse, 0, len(states))
		for _, st := range states {
			res = append(res, toResponse(st))
		}
		c.JSON(http.StatusOK, res)
	}
}

func (s *Server) handleGetByID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "相関IDが不正です"})
			return
		}

		st, err := s.store.Get(c.Request.Context(), id)
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "sagaが見つかりません"})
			return
		}
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sagaの取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, toResponse(st))
	}
}

func (s *Server) handleDeadLetters() gin.HandlerFunc {
	return func(c *gin.Context) {
		records := s.deadLetters.DeadLetters(c.Query("queue"))
		if records == nil {
			records = []bus.DeadLetterRecord{}
		}
		c.JSON(http.StatusOK, records)
	}
}
