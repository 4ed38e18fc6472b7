package natsx

import (
	"context"
	"time"

	"PPChat/logger"
	"PPChat/tools/errs"

	"go.uber.org/zap"
)

// NatsxMessage 统一消息对象
type NatsxMessage struct {
	Subject string
	Data    []byte
	Header  map[string]string
}

// NatsxHandler 业务处理函数
type NatsxHandler func(ctx context.Context, msg NatsxMessage) error

// NatsxMiddleware 中间件（日志、幂等、恢复等）
type NatsxMiddleware func(NatsxHandler) NatsxHandler

// NatsxChain 组合中间件，mws[0] 在最外层
func NatsxChain(h NatsxHandler, mws ...NatsxMiddleware) NatsxHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// NatsxRecover 处理函数 panic 转成错误
func NatsxRecover() NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errs.ErrPanic(r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// NatsxLogging 记录处理失败与慢处理
func NatsxLogging(slow time.Duration) NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) error {
			start := time.Now()
			err := next(ctx, msg)
			cost := time.Since(start)
			if err != nil {
				logger.Warn("[Nats] handler failed", zap.String("subject", msg.Subject), zap.Duration("cost", cost), zap.Error(err))
			} else if slow > 0 && cost > slow {
				logger.Info("[Nats] slow handler", zap.String("subject", msg.Subject), zap.Duration("cost", cost))
			}
			return err
		}
	}
}
