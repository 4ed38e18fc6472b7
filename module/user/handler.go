package user

import (
	"net/http"

	"PPChat/global"
	"PPChat/middleware"
	midsec "PPChat/middleware/security"
	"PPChat/module/user/service"
	"PPChat/tools/errs"
	jwtlib "PPChat/tools/security"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc        *service.UserService
	jwt        jwtlib.Options
	allowIssue bool
}

// NewHandler allowIssue 为 true 时开放 /v1/auth/token
func NewHandler(svc *service.UserService, jwt jwtlib.Options, allowIssue bool) *Handler {
	return &Handler{svc: svc, jwt: jwt, allowIssue: allowIssue}
}

func (h *Handler) Register(rt *middleware.Router) {
	rt.GET("/v1/users/search", h.Search, middleware.RouteOpt{IsAuth: true})
	rt.GET("/v1/users/:id", h.Get, middleware.RouteOpt{IsAuth: true})
	if h.allowIssue {
		rt.POST("/v1/auth/token", h.IssueToken, middleware.RouteOpt{})
	}
}

// Search 查询过短时返回空数组
func (h *Handler) Search(c *gin.Context) {
	out := h.svc.SearchUsers(c.Request.Context(), midsec.UserID(c), c.Query("q"))
	c.JSON(http.StatusOK, global.Success(out))
}

func (h *Handler) Get(c *gin.Context) {
	p, err := h.svc.GetProfile(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, global.Success(p))
}

type issueReq struct {
	UserID string `json:"userId" binding:"required"`
}

func (h *Handler) IssueToken(c *gin.Context) {
	var req issueReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.ErrInvalidArgument.WrapMsg(err.Error()))
		return
	}
	tok, err := h.svc.IssueToken(c.Request.Context(), h.jwt, service.TokenParams{UserID: req.UserID})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, global.Success(tok))
}

func fail(c *gin.Context, err error) {
	c.JSON(errs.HTTPStatus(errs.CodeOf(err)), global.Fail(err))
}
