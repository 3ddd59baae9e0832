// Package identity 從請求取出已驗證的使用者身分
//
// 身分驗證本身由外部認證服務負責（簽發 JWT），這裡只讀取 token 的 subject。
// 配置了共享密鑰時驗證 HS256 簽章；未配置時只解析內容，僅供開發環境使用。
package identity

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/koopa0/system-design/study-room-relay/pkg/errors"
)

const bearerPrefix = "Bearer "

// Identity 請求的使用者身分
type Identity struct {
	UserID   string
	Verified bool // 簽章是否經過驗證
}

// Resolver 解析 Authorization 標頭
type Resolver struct {
	secret []byte
	parser *jwt.Parser
}

// NewResolver 建立解析器；secret 為空時不驗簽
func NewResolver(secret string) *Resolver {
	r := &Resolver{
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired()),
	}
	if secret != "" {
		r.secret = []byte(secret)
	}
	return r
}

// BearerToken 取出 Bearer token
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(bearerPrefix):])
	return token, token != ""
}

// FromRequest 解析請求的身分，沒有有效 token 時返回 UNAUTHENTICATED
func (r *Resolver) FromRequest(req *http.Request) (Identity, error) {
	token, ok := BearerToken(req)
	if !ok {
		return Identity{}, apperrors.ErrUnauthenticated
	}
	return r.Parse(token)
}

// Parse 解析 token 並取出 subject
func (r *Resolver) Parse(token string) (Identity, error) {
	var claims jwt.RegisteredClaims

	if r.secret == nil {
		if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
			return Identity{}, apperrors.Wrap(err, apperrors.ErrCodeUnauthenticated, "malformed token")
		}
		if claims.Subject == "" {
			return Identity{}, apperrors.ErrUnauthenticated.WithDetails("token has no subject")
		}
		return Identity{UserID: claims.Subject}, nil
	}

	_, err := r.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	})
	if err != nil {
		return Identity{}, apperrors.Wrap(err, apperrors.ErrCodeUnauthenticated, "invalid token")
	}
	if claims.Subject == "" {
		return Identity{}, apperrors.ErrUnauthenticated.WithDetails("token has no subject")
	}

	return Identity{UserID: claims.Subject, Verified: true}, nil
}

// ClientKey 限流用的客戶端識別
//
// 帶可解析的 Bearer token 時使用 "user:<subject>"；沒有 token 或 token
// 無效時一律使用 "ip:<來源位址>"，換 token 不會換到新的配額。
func (r *Resolver) ClientKey(req *http.Request) string {
	if token, ok := BearerToken(req); ok {
		if id, err := r.Parse(token); err == nil {
			return "user:" + id.UserID
		}
	}
	return "ip:" + RemoteHost(req)
}

// RemoteHost 請求的來源主機（不含埠號）
func RemoteHost(req *http.Request) string {
	if req.RemoteAddr == "" {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

type contextKey struct{}

// WithIdentity 把身分放進 context
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext 從 context 取出身分
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
