package security

import (
	"net/http"
	"strings"

	"PPChat/global"
	"PPChat/tools/errs"
	jwtlib "PPChat/tools/security"

	"github.com/gin-gonic/gin"
)

// context key
// 后续 handler 统一用这两个 key 读取
const (
	PPCtxAuthKey   = "authorization" // string，原始令牌
	PPCtxUserIDKey = "userId"        // string，令牌 subject
)

type Options struct {
	// 读取哪个请求头
	HeaderToken               string // 默认 "authorization"
	EnableAuthorizationBearer bool   // 默认 true
	// websocket 握手无法带头时从 query 读取，空串表示不读
	QueryToken string // 默认 "token"

	JWT jwtlib.Options
}

func DefaultOptions(jwt jwtlib.Options) *Options {
	return &Options{
		HeaderToken:               PPCtxAuthKey,
		EnableAuthorizationBearer: true,
		QueryToken:                "token",
		JWT:                       jwt,
	}
}

// TokenFrom 按 header -> Authorization: Bearer -> query 的顺序取令牌
func TokenFrom(c *gin.Context, opts *Options) string {
	token := strings.TrimSpace(c.GetHeader(opts.HeaderToken))
	// 兼容 Authorization: Bearer xxx
	if token == "" && opts.EnableAuthorizationBearer {
		if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
			if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				token = strings.TrimSpace(authz[len("bearer "):])
			}
		}
	}
	if token == "" && opts.QueryToken != "" {
		token = strings.TrimSpace(c.Query(opts.QueryToken))
	}
	return token
}

// Middleware 校验 JWT，成功后把用户 ID 写入 context
func Middleware(opts *Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFrom(c, opts)
		if token == "" {
			abort(c, errs.ErrUnauthenticated.WrapMsg("missing token"))
			return
		}
		claims, err := jwtlib.Verify(opts.JWT, token, "")
		if err != nil {
			abort(c, errs.ErrUnauthenticated.WrapMsg(err.Error()))
			return
		}
		c.Set(PPCtxAuthKey, token)
		c.Set(PPCtxUserIDKey, claims.Subject())
		c.Next()
	}
}

func abort(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, global.Fail(err))
}

// UserID 当前请求的用户；未经过鉴权时为空串
func UserID(c *gin.Context) string {
	return c.GetString(PPCtxUserIDKey)
}
