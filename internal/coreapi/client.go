package coreapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/lk2023060901/messenger-relay-go/internal/json"
	"github.com/lk2023060901/messenger-relay-go/pkg/metrics"
	"github.com/lk2023060901/messenger-relay-go/pkg/util/merr"
)

const (
	// 内部服务间调用使用固定的服务头，而非用户凭证。
	headerInternalService = "X-Internal-Service"
	headerServiceAuth     = "X-Service-Auth"

	defaultTimeout = 3 * time.Second
)

// Config 为核心 API 客户端的配置。
type Config struct {
	// BaseURL 为核心 API 的根地址，例如 http://localhost:8082。
	BaseURL string `mapstructure:"base-url"`
	// ServiceName 写入 X-Internal-Service 头。
	ServiceName string `mapstructure:"service-name"`
	// ServiceKey 写入 X-Service-Auth 头。
	ServiceKey string `mapstructure:"service-key"`
	// Timeout 为单次出站调用的超时上限。
	Timeout time.Duration `mapstructure:"timeout"`
}

func (cfg *Config) fillDefaults() {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "messenger-relay"
	}
}

// Option 用于覆盖 Client 的默认行为。
type Option func(c *Client)

// WithHTTPClient 注入自定义 http.Client，主要用于测试。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// Client 封装对核心 API 的全部出站调用。
//
// 设计目标：
//   - 每次调用都有硬超时，慢依赖不会无限占住连接线程或消费循环；
//   - 本身只负责发请求和解析响应，出错时返回分类后的错误；
//     降级语义（空集合、吞掉失败）由各调用方按自身契约决定。
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient 创建核心 API 客户端。
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("coreapi: BaseURL must not be empty")
	}
	cfg.fillDefaults()

	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// ChatParticipants 获取指定聊天的成员用户 ID 列表。
//
// 注意：返回错误与返回空列表是两回事，调用方不应将两者混同。
func (c *Client) ChatParticipants(ctx context.Context, chatID int64) ([]int64, error) {
	url := fmt.Sprintf("%s/api/chats/%d/participants", c.cfg.BaseURL, chatID)

	body, err := c.do(ctx, http.MethodGet, url, "participants")
	if err != nil {
		return nil, merr.WrapErrParticipantResolve(chatID, err)
	}

	var participants []int64
	if err := json.Unmarshal(body, &participants); err != nil {
		return nil, merr.WrapErrParticipantResolve(chatID, err, "malformed body")
	}
	return participants, nil
}

// SetOnline 将用户标记为在线。
func (c *Client) SetOnline(ctx context.Context, userID int64) error {
	return c.updateOnlineStatus(ctx, userID, true)
}

// SetOffline 将用户标记为离线。
func (c *Client) SetOffline(ctx context.Context, userID int64) error {
	return c.updateOnlineStatus(ctx, userID, false)
}

func (c *Client) updateOnlineStatus(ctx context.Context, userID int64, online bool) error {
	url := fmt.Sprintf("%s/api/users/%d/status/online?isOnline=%s",
		c.cfg.BaseURL, userID, strconv.FormatBool(online))

	if _, err := c.do(ctx, http.MethodPost, url, "online-status"); err != nil {
		return merr.WrapErrPresenceUpdate(userID, online, err)
	}
	return nil
}

// UserInfo 为内部接口返回的用户数据。
type UserInfo struct {
	ID       int64   `json:"id"`
	Username string  `json:"username"`
	IsOnline bool    `json:"isOnline"`
	LastSeen *string `json:"lastSeen"`
}

// User 获取单个用户的内部数据（用户名、在线状态、最后在线时间）。
func (c *Client) User(ctx context.Context, userID int64) (*UserInfo, error) {
	url := fmt.Sprintf("%s/api/users/%d/internal", c.cfg.BaseURL, userID)

	body, err := c.do(ctx, http.MethodGet, url, "user-data")
	if err != nil {
		return nil, merr.WrapErrUserFetch(userID, err)
	}

	var info UserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, merr.WrapErrUserFetch(userID, err, "malformed body")
	}
	return &info, nil
}

// do 执行一次带服务头的请求并返回响应体。
func (c *Client) do(ctx context.Context, method, url, route string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerInternalService, c.cfg.ServiceName)
	req.Header.Set(headerServiceAuth, c.cfg.ServiceKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := float64(time.Since(start).Milliseconds())
	if err != nil {
		metrics.CoreAPILatency.WithLabelValues(route, method, metrics.ResultError).Observe(elapsed)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.CoreAPILatency.WithLabelValues(route, method, metrics.ResultError).Observe(elapsed)
		return nil, merr.WrapErrCoreAPIStatus(resp.StatusCode, url)
	}
	metrics.CoreAPILatency.WithLabelValues(route, method, metrics.ResultOK).Observe(elapsed)

	return io.ReadAll(resp.Body)
}
