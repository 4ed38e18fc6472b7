package global

import "PPChat/tools/errs"

// Msg 统一响应包：成功 code=0，失败 code 为 errs 中的错误码
type Msg struct {
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
	Data    any    `json:"data,omitempty"`
	Success bool   `json:"success"`
}

func Success(data any) *Msg {
	return &Msg{Code: 0, Data: data, Success: true}
}

func Fail(err error) *Msg {
	return &Msg{Code: errs.CodeOf(err), Msg: errs.Message(err), Success: false}
}
