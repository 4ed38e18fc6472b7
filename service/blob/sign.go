package blob

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"PPChat/tools/errs"
	"PPChat/tools/ids"
)

var (
	ErrSignatureInvalid = errs.NewCodeError(errs.Unauthenticated, "signature invalid")
	ErrSignatureExpired = errs.NewCodeError(errs.Unauthenticated, "signature expired")
)

// Signer 生成/校验带过期时间的对象下载地址
type Signer struct {
	secret []byte
	base   string
	now    func() time.Time
}

func NewSigner(secret, publicBase string) *Signer {
	return &Signer{secret: []byte(secret), base: strings.TrimRight(publicBase, "/"), now: time.Now}
}

func (s *Signer) sign(objectPath string, exp int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(objectPath))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strconv.FormatInt(exp, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedURL <base>/<path>?exp=<unix>&sig=<hex>
func (s *Signer) SignedURL(objectPath string, ttl time.Duration) (string, error) {
	objectPath = strings.TrimLeft(objectPath, "/")
	if objectPath == "" {
		return "", errs.ErrInvalidArgument.WrapMsg("empty object path")
	}
	exp := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("exp", strconv.FormatInt(exp, 10))
	q.Set("sig", s.sign(objectPath, exp))
	return s.base + "/" + objectPath + "?" + q.Encode(), nil
}

func (s *Signer) Verify(objectPath string, exp int64, sig string) error {
	objectPath = strings.TrimLeft(objectPath, "/")
	want := s.sign(objectPath, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrSignatureInvalid.Wrap()
	}
	if s.now().Unix() > exp {
		return ErrSignatureExpired.Wrap()
	}
	return nil
}

// ObjectPath conversations/<id>/<unixMilli>_<snowflake>.<ext>
func ObjectPath(conversationID, filename string, now time.Time) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
	name := strconv.FormatInt(now.UnixMilli(), 10) + "_" + ids.GenerateString()
	if ext != "" {
		name += "." + ext
	}
	return "conversations/" + conversationID + "/" + name
}

// ConversationOf 反解对象路径所属会话
func ConversationOf(objectPath string) (string, bool) {
	parts := strings.Split(strings.TrimLeft(objectPath, "/"), "/")
	if len(parts) != 3 || parts[0] != "conversations" || parts[1] == "" || parts[2] == "" {
		return "", false
	}
	return parts[1], true
}
