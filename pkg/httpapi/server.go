// Package httpapi управляющий HTTP API софтфона.
//
// REST маршруты под /api/v1 повторяют операции callroom.Phone, /events отдает
// поток событий вызовов и снимков состояния по websocket, /metrics отдает
// метрики prometheus.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/arzzra/roomphone/pkg/callroom"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Controller операции софтфона, доступные через API. Реализуется *callroom.Phone.
type Controller interface {
	Call(ctx context.Context, target string) (string, error)
	Answer(ctx context.Context, id string) error
	Terminate(ctx context.Context, id string) error
	Hold(ctx context.Context, id string) error
	Unhold(ctx context.Context, id string) error
	Transfer(ctx context.Context, id, target string) error
	AttendedTransfer(ctx context.Context, id string) error

	SetActiveRoom(ctx context.Context, roomID callroom.RoomID) error
	MoveCallToRoom(ctx context.Context, id string, roomID callroom.RoomID) (callroom.RoomID, error)
	Merge(ctx context.Context, roomID callroom.RoomID) error

	SetMuted(ctx context.Context, muted bool)
	SetCallMuted(ctx context.Context, id string, muted bool) error
	SetDND(enabled bool)

	RefreshDevices(ctx context.Context) ([]callroom.Device, error)
	SetMicrophone(ctx context.Context, deviceID string) error
	SetSpeaker(ctx context.Context, deviceID string) error

	Snapshot() callroom.State
	CallView(id string) (callroom.CallView, bool)
	Subscribe(kind callroom.EventKind, handler callroom.Handler)
	Observe(fn func(callroom.State)) (cancel func())
}

var _ Controller = (*callroom.Phone)(nil)

// Config настройки HTTP сервера
type Config struct {
	Addr string
	// Mode - режим gin; пустой оставляет текущий
	Mode string
	// ShutdownTimeout - время на завершение активных запросов
	ShutdownTimeout time.Duration
}

// Server HTTP API поверх Controller
type Server struct {
	cfg      Config
	phone    Controller
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	engine   *gin.Engine
	hub      *hub

	requests *prometheus.CounterVec
	upgrader websocket.Upgrader

	stopObserve func()
}

// New создает сервер и подписывает его на события phone.
// reg используется и для собственных метрик, и для /metrics; nil создает новый реестр.
func New(phone Controller, cfg Config, logger *slog.Logger, reg *prometheus.Registry) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	s := &Server{
		cfg:      cfg,
		phone:    phone,
		logger:   logger,
		gatherer: reg,
		hub:      newHub(logger),
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomphone",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP API requests by route and status code",
		}, []string{"route", "code"}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	for _, kind := range callroom.EventKinds() {
		s.phone.Subscribe(kind, s.hub.eventHandler(kind))
	}
	s.stopObserve = s.phone.Observe(s.hub.publishState)

	s.engine = s.routes()
	return s
}

// Handler возвращает http.Handler сервера
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.observe())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	router.GET("/events", s.handleEvents)

	api := router.Group("/api/v1")
	{
		api.GET("/state", s.getState)

		api.GET("/calls", s.listCalls)
		api.POST("/calls", s.createCall)
		api.GET("/calls/:id", s.getCall)
		api.DELETE("/calls/:id", s.callAction(s.phone.Terminate))
		api.POST("/calls/:id/answer", s.callAction(s.phone.Answer))
		api.POST("/calls/:id/hold", s.callAction(s.phone.Hold))
		api.POST("/calls/:id/unhold", s.callAction(s.phone.Unhold))
		api.POST("/calls/:id/transfer", s.transferCall)
		api.POST("/calls/:id/attended-transfer", s.callAction(s.phone.AttendedTransfer))
		api.PUT("/calls/:id/mute", s.muteCall)
		api.PUT("/calls/:id/room", s.moveCall)

		api.GET("/rooms", s.listRooms)
		api.PUT("/rooms/active", s.setActiveRoom)
		api.POST("/rooms/:id/merge", s.mergeRoom)

		api.PUT("/mute", s.setMuted)
		api.PUT("/dnd", s.setDND)

		api.GET("/devices", s.listDevices)
		api.PUT("/devices/input", s.setMicrophone)
		api.PUT("/devices/output", s.setSpeaker)
	}
	return router
}

// observe журналирует запросы и считает их по маршрутам
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := c.Writer.Status()
		s.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
		s.logger.Debug("Server.request",
			slog.String("method", c.Request.Method),
			slog.String("route", route),
			slog.Int("code", code),
			slog.Duration("elapsed", time.Since(start)))
	}
}

// Run обслуживает запросы до отмены ctx
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server.Run listen", slog.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close отписывается от состояния и закрывает websocket клиентов
func (s *Server) Close() {
	if s.stopObserve != nil {
		s.stopObserve()
		s.stopObserve = nil
	}
	s.hub.closeAll()
}
