package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lk2023060901/messenger-relay-go/internal/auth"
	"github.com/lk2023060901/messenger-relay-go/internal/session"
	"github.com/lk2023060901/messenger-relay-go/pkg/log"
)

// Config 为 WebSocket 接入层配置。
type Config struct {
	// ListenAddr 为监听地址，例如 :8080。
	ListenAddr string `mapstructure:"listen-addr"`
	// Path 为握手端点路径。
	Path string `mapstructure:"path"`
	// AllowedOrigins 为允许的 Origin 白名单；为空表示不校验。
	AllowedOrigins []string `mapstructure:"allowed-origins"`
}

func (cfg *Config) fillDefaults() {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Path == "" {
		cfg.Path = "/ws/chat"
	}
}

// Server 负责 WebSocket 握手：校验 Origin、提取 token、升级连接，
// 然后把连接交给 connHandler 驱动。
type Server struct {
	cfg      Config
	registry *session.Registry
	verifier *auth.TokenVerifier

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

func NewServer(cfg Config, registry *session.Registry, verifier *auth.TokenVerifier) *Server {
	cfg.fillDefaults()

	s := &Server{
		cfg:      cfg,
		registry: registry,
		verifier: verifier,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.serveWS)
	s.httpSrv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return lo.Contains(s.cfg.AllowedOrigins, origin)
}

// serveWS 处理一次握手请求并在当前 goroutine 中驱动该连接直到关闭。
//
// token 必须在升级前从查询参数里取出：升级完成后 http.Request
// 已不可用，而浏览器端 WebSocket API 无法自定义请求头。
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已向客户端写回了错误响应。
		log.Warn("websocket upgrade",
			zap.String("remote", r.RemoteAddr),
			zap.Error(err))
		return
	}

	sessionID := newSessionID()
	log.Debug("connection accepted",
		log.FieldSessionID(sessionID),
		zap.String("remote", r.RemoteAddr))

	h := newConnHandler(sessionID, newWSConn(raw), s.registry, s.verifier)
	h.run(token)
}

// Start 阻塞运行 HTTP 服务直到出错或被 Shutdown。
func (s *Server) Start() error {
	log.Info("websocket server listening",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("path", s.cfg.Path))

	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown 停止接受新连接并等待存量请求结束。
// 已升级的 WebSocket 连接不受 http.Server.Shutdown 管理，
// 由调用方在进程退出前统一断开。
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func newSessionID() string {
	var b [16]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
