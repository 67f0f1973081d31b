package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"kwrelay/internal/application/port"
)

const (
	tokenPath  = "/oauth2/token"
	revokePath = "/oauth2/revoke"

	tokenAPIID  = "au10001"
	revokeAPIID = "au10002"
)

// ErrNoToken 当前没有可吊销的令牌
var ErrNoToken = errors.New("no token issued")

// Config 令牌签发参数
type Config struct {
	BaseURL     string // e.g. https://api.kiwoom.com
	AppKey      string
	SecretKey   string
	Validity    time.Duration
	HTTPTimeout time.Duration
}

type tokenRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	SecretKey string `json:"secretkey"`
}

type revokeRequest struct {
	AppKey    string `json:"appkey"`
	SecretKey string `json:"secretkey"`
	Token     string `json:"token"`
}

type tokenResponse struct {
	Token      string      `json:"token"`
	TokenType  string      `json:"token_type"`
	ExpiresDt  string      `json:"expires_dt"`
	ReturnCode json.Number `json:"return_code"`
	ReturnMsg  string      `json:"return_msg"`
}

// Provider 签发并缓存访问令牌，过期后在下一次 Token 调用时透明刷新
type Provider struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time

	mu       sync.Mutex
	token    string
	issuedAt time.Time
}

// NewProvider 创建令牌提供者
func NewProvider(cfg Config) *Provider {
	if cfg.Validity <= 0 {
		cfg.Validity = 6 * time.Hour
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	return &Provider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		now:        time.Now,
	}
}

// Token 返回缓存令牌，缓存为空或超出有效期时重新签发
func (p *Provider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.now().Sub(p.issuedAt) < p.cfg.Validity {
		return p.token, nil
	}

	var resp tokenResponse
	err := p.postJSON(ctx, tokenPath, tokenAPIID, tokenRequest{
		GrantType: "client_credentials",
		AppKey:    p.cfg.AppKey,
		SecretKey: p.cfg.SecretKey,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	if code := resp.ReturnCode.String(); code != "" && code != "0" {
		return "", fmt.Errorf("issue token: return_code=%s msg=%s", code, resp.ReturnMsg)
	}
	if strings.TrimSpace(resp.Token) == "" {
		return "", errors.New("issue token: empty token in response")
	}

	p.token = resp.Token
	p.issuedAt = p.now()
	log.Info().Str("expires_dt", resp.ExpiresDt).Msg("access token issued")
	return p.token, nil
}

// Invalidate 丢弃缓存令牌
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.token = ""
	p.issuedAt = time.Time{}
	p.mu.Unlock()
}

// Revoke 吊销当前令牌（关闭时调用）
func (p *Provider) Revoke(ctx context.Context) error {
	p.mu.Lock()
	token := p.token
	p.token = ""
	p.issuedAt = time.Time{}
	p.mu.Unlock()

	if token == "" {
		return ErrNoToken
	}
	var resp tokenResponse
	if err := p.postJSON(ctx, revokePath, revokeAPIID, revokeRequest{
		AppKey:    p.cfg.AppKey,
		SecretKey: p.cfg.SecretKey,
		Token:     token,
	}, &resp); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if code := resp.ReturnCode.String(); code != "" && code != "0" {
		return fmt.Errorf("revoke token: return_code=%s msg=%s", code, resp.ReturnMsg)
	}
	log.Info().Msg("access token revoked")
	return nil
}

// postJSON 发送 JSON 请求并解码 JSON 响应
func (p *Provider) postJSON(ctx context.Context, path, apiID string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	req.Header.Set("api-id", apiID)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}
	return json.Unmarshal(respBody, out)
}

var _ port.TokenSource = (*Provider)(nil)
