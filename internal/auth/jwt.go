package auth

import (
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"

	"github.com/lk2023060901/messenger-relay-go/pkg/util/merr"
)

// Identity 为凭证校验成功后得到的用户身份。
type Identity struct {
	UserID   int64
	Username string
}

// TokenVerifier 校验并解码客户端在握手时携带的 JWT。
//
// 无状态、可并发使用；所有失败都会被归类为具体的认证错误，
// 不会以 panic 或未分类错误的形式逃逸给调用方。
type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify 校验 token 并提取 (username, userId)。
//
// 失败分类：
//   - 空 token               -> merr.ErrAuthTokenMissing
//   - 结构非法 / 缺少必需声明 -> merr.ErrAuthTokenMalformed
//   - 签名校验失败            -> merr.ErrAuthSignatureInvalid
//   - 已过期                 -> merr.ErrAuthTokenExpired
func (v *TokenVerifier) Verify(token string) (*Identity, error) {
	if token == "" {
		return nil, merr.WrapErrAuthTokenMissing()
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, classifyParseError(err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, merr.WrapErrAuthTokenMalformed("unexpected claims type")
	}

	username, _ := claims["sub"].(string)
	if username == "" {
		return nil, merr.WrapErrAuthTokenMalformed("missing sub claim")
	}

	userID, ok := userIDClaim(claims)
	if !ok {
		return nil, merr.WrapErrAuthTokenMalformed("missing or invalid id claim")
	}

	return &Identity{UserID: userID, Username: username}, nil
}

// userIDClaim 提取 id 声明。
// 签发方历史上既写过数字也写过数字字符串，两种都接受。
func userIDClaim(claims jwt.MapClaims) (int64, bool) {
	switch id := claims["id"].(type) {
	case float64:
		return int64(id), true
	case string:
		v, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	default:
		return 0, false
	}
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return merr.WrapErrAuthSignatureInvalid(err.Error())
	case errors.Is(err, jwt.ErrTokenExpired):
		return merr.WrapErrAuthTokenExpired(err.Error())
	default:
		return merr.WrapErrAuthTokenMalformed(err.Error())
	}
}
