package errs

import (
	"fmt"
	"net/http"
	"strconv"

	pkgerr "github.com/pkg/errors"
)

const (
	ServerInternalError  = 500
	Unauthenticated      = 1001
	InvalidArgument      = 1002
	NotFound             = 1004
	StoreFailure         = 1500
	PartialCreateFailure = 1501
)

var (
	ErrInternal        = NewCodeError(ServerInternalError, "ServerInternalError")
	ErrUnauthenticated = NewCodeError(Unauthenticated, "Unauthorized")
	ErrInvalidArgument = NewCodeError(InvalidArgument, "InvalidArgument")
	ErrNotFound        = NewCodeError(NotFound, "NotFound")
	ErrStoreFailure    = NewCodeError(StoreFailure, "StoreFailure")
	ErrPartialCreate   = NewCodeError(PartialCreateFailure, "PartialCreateFailure")
)

func init() {
	// 部分创建失败属于存储失败
	_ = DefaultCodeRelation.Add(StoreFailure, PartialCreateFailure)
}

// HTTPStatus 错误码 -> HTTP 状态码
func HTTPStatus(code int) int {
	switch code {
	case 0:
		return http.StatusOK
	case Unauthenticated:
		return http.StatusUnauthorized
	case InvalidArgument:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case StoreFailure, PartialCreateFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Message 面向调用方的简短错误文本（CodeError 优先取 detail）
func Message(err error) string {
	if err == nil {
		return ""
	}
	if ce, ok := As(err); ok {
		if ce.Detail != "" {
			return ce.Detail
		}
		return ce.Msg
	}
	return ErrInternal.Msg
}

func ErrPanic(r any) error {
	if r == nil {
		return nil
	}
	return pkgerr.WithStack(&CodeError{
		Code:   ServerInternalError,
		Msg:    "panic error",
		Detail: fmt.Sprint(r),
	})
}

// CodeLabel 错误码的字符串形式，用作指标标签
func CodeLabel(err error) string {
	return strconv.Itoa(CodeOf(err))
}
