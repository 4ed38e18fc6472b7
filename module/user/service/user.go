package service

import (
	"context"
	"strings"
	"time"

	"PPChat/logger"
	chatmodel "PPChat/module/chat/model"
	"PPChat/tools/errs"
	jwtlib "PPChat/tools/security"

	"go.uber.org/zap"
)

const (
	MinQueryLen = 2
	SearchLimit = 10
)

// ProfileStore 用户资料读接口（store.Store 的子集）
type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (*chatmodel.Profile, error)
	SearchProfiles(ctx context.Context, excludeID, query string, limit int) ([]chatmodel.Profile, error)
}

type UserService struct {
	store ProfileStore
	log   *zap.Logger
}

func NewUserService(s ProfileStore) *UserService {
	return &UserService{store: s, log: logger.Named("user")}
}

// GetProfile 不存在时返回 NotFound
func (s *UserService) GetProfile(ctx context.Context, id string) (*chatmodel.Profile, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("user id is required")
	}
	return s.store.GetProfile(ctx, id)
}

// SearchUsers 按 username / full_name 模糊匹配，排除调用者；查询过短或失败返回空列表
func (s *UserService) SearchUsers(ctx context.Context, callerID, query string) []chatmodel.Profile {
	empty := []chatmodel.Profile{}
	q := strings.TrimSpace(query)
	if callerID == "" || len([]rune(q)) < MinQueryLen {
		return empty
	}
	out, err := s.store.SearchProfiles(ctx, callerID, q, SearchLimit)
	if err != nil {
		s.log.Warn("search failed", zap.String("query", q), zap.Error(err))
		return empty
	}
	if out == nil {
		return empty
	}
	return out
}

// TokenParams 签发令牌入参
type TokenParams struct {
	UserID string
	Scopes []string
	TTL    time.Duration // <=0 时使用 opts.TTL
}

// Token 签发结果
type Token struct {
	AccessToken string    `json:"accessToken"`
	TokenHash   string    `json:"-"`
	UserID      string    `json:"userId"`
	ExpireAt    time.Time `json:"expireAt"`
}

// IssueToken 为已存在的用户签发访问令牌（开发环境的身份提供方替身）
func (s *UserService) IssueToken(ctx context.Context, opts jwtlib.Options, in TokenParams) (Token, error) {
	if _, err := s.GetProfile(ctx, in.UserID); err != nil {
		return Token{}, err
	}
	if in.TTL > 0 {
		opts.TTL = in.TTL
	}
	token, hash, exp, err := jwtlib.Generate(opts, in.UserID, in.Scopes)
	if err != nil {
		return Token{}, errs.ErrInternal.WrapMsg("sign token: " + err.Error())
	}
	return Token{AccessToken: token, TokenHash: hash, UserID: in.UserID, ExpireAt: exp}, nil
}

// Authenticate 校验令牌并返回用户 ID
func Authenticate(opts jwtlib.Options, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", errs.ErrUnauthenticated.WrapMsg("missing token")
	}
	claims, err := jwtlib.Verify(opts, token, "")
	if err != nil {
		return "", errs.ErrUnauthenticated.WrapMsg(err.Error())
	}
	return claims.Subject(), nil
}
