package chat

import (
	"net/http"
	"time"

	"PPChat/global"
	midsec "PPChat/middleware/security"
	"PPChat/service/metrics"
	"PPChat/tools/errs"
	"PPChat/tools/ids"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HandleWS 升级连接，登记到连接管理器后进入读循环；读循环退出即下线
func (g *Gateway) HandleWS(c *gin.Context) {
	userID := midsec.UserID(c)
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, global.Fail(errs.ErrUnauthenticated.Wrap()))
		return
	}

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败，Upgrade 已写回错误
		g.log.Info("[WS] upgrade websocket error", zap.Error(err))
		return
	}

	s := newSession(g, ids.GenerateString(), userID, ws)
	if err := s.rt.Open(s.ctx); err != nil {
		g.log.Warn("[WS] open realtime client failed", zap.Error(err))
		_ = ws.Close()
		return
	}
	if err := g.conns.Add(s); err != nil {
		g.log.Info("[WS] reject connection", zap.String("user", userID), zap.Error(err))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(g.opts.WriteWait))
		s.Close()
		_ = ws.Close()
		return
	}
	metrics.RecordConnOpened()
	s.log.Info("[WS] connected", zap.Stringer("remote", s.remote))

	go s.writeLoop()
	s.readLoop()

	// ---- 退出阶段：释放频道/presence、移出索引、等待写协程收尾 ----
	s.Close()
	g.conns.Remove(s.snowID)
	<-s.writerDone
	metrics.RecordConnClosed()
	s.log.Info("[WS] disconnected")
}
