// Package api exposes the chat operations over HTTP.
package api

import (
	"context"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"PPChat/global"
	"PPChat/logger"
	"PPChat/middleware"
	midsec "PPChat/middleware/security"
	"PPChat/module/chat/directory"
	chatmodel "PPChat/module/chat/model"
	"PPChat/module/chat/resolver"
	"PPChat/module/chat/service"
	"PPChat/service/blob"
	"PPChat/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// BlobStore is the attachment storage. *blob.GridFSStore implements it.
type BlobStore interface {
	Upload(ctx context.Context, objectPath string, r io.Reader, meta blob.Meta) (int64, error)
	Open(ctx context.Context, objectPath string) (io.ReadCloser, blob.Meta, error)
	SignedURL(objectPath string, ttl time.Duration) (string, error)
	Verify(objectPath string, exp int64, sig string) error
}

// Membership answers whether a user belongs to a conversation.
type Membership interface {
	IsMember(ctx context.Context, convID, userID string) (bool, error)
}

type Deps struct {
	Directory *directory.Directory
	Resolver  *resolver.Resolver
	Messages  *service.MessageService
	Members   Membership
	// Blob may be nil; attachment routes then answer 502.
	Blob         BlobStore
	SignedURLTTL time.Duration
	MaxUpload    int64
	Now          func() time.Time
}

type Handler struct {
	d   Deps
	log *zap.Logger
}

func New(d Deps) *Handler {
	if d.SignedURLTTL <= 0 {
		d.SignedURLTTL = service.DefaultSignedURLTTL
	}
	if d.MaxUpload <= 0 {
		d.MaxUpload = 25 << 20
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Handler{d: d, log: logger.Named("api")}
}

func (h *Handler) Register(rt *middleware.Router) {
	auth := middleware.RouteOpt{IsAuth: true}
	rt.GET("/v1/conversations", h.listConversations, auth)
	rt.GET("/v1/conversations/:id", h.getConversation, auth)
	rt.POST("/v1/conversations/direct", h.ensureDirect, auth)
	rt.GET("/v1/conversations/direct/:userId", h.existingDirect, auth)
	rt.POST("/v1/conversations/group", h.createGroup, auth)
	rt.GET("/v1/conversations/:id/messages", h.getMessages, auth)
	rt.POST("/v1/conversations/:id/read", h.markRead, auth)
	rt.POST("/v1/messages", h.sendMessage, auth)
	rt.POST("/v1/attachments", h.upload, auth)
	// the signature is the credential
	rt.GET("/v1/storage/object/*path", h.download, middleware.RouteOpt{})
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, global.Success(data))
}

func fail(c *gin.Context, err error) {
	c.JSON(errs.HTTPStatus(errs.CodeOf(err)), global.Fail(err))
}

func (h *Handler) listConversations(c *gin.Context) {
	ok(c, h.d.Directory.List(c.Request.Context(), midsec.UserID(c)))
}

func (h *Handler) getConversation(c *gin.Context) {
	item, err := h.d.Directory.GetByID(c.Request.Context(), midsec.UserID(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, item)
}

type ensureDirectReq struct {
	TargetUserID string `json:"targetUserId"`
}

func (h *Handler) ensureDirect(c *gin.Context) {
	var req ensureDirectReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.ErrInvalidArgument.WrapMsg(err.Error()))
		return
	}
	res, err := h.d.Resolver.EnsureDirect(c.Request.Context(), midsec.UserID(c), req.TargetUserID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, res)
}

func (h *Handler) existingDirect(c *gin.Context) {
	id, err := h.d.Directory.ExistingDirect(c.Request.Context(), midsec.UserID(c), c.Param("userId"))
	if err != nil {
		fail(c, err)
		return
	}
	var out *string
	if id != "" {
		out = &id
	}
	ok(c, gin.H{"id": out})
}

type createGroupReq struct {
	MemberIDs []string `json:"memberIds"`
	Name      string   `json:"name"`
}

func (h *Handler) createGroup(c *gin.Context) {
	var req createGroupReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.ErrInvalidArgument.WrapMsg(err.Error()))
		return
	}
	conv, err := h.d.Resolver.CreateGroup(c.Request.Context(), midsec.UserID(c), req.MemberIDs, req.Name)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, conv)
}

func (h *Handler) getMessages(c *gin.Context) {
	ok(c, h.d.Messages.GetMessages(c.Request.Context(), midsec.UserID(c), c.Param("id")))
}

func (h *Handler) sendMessage(c *gin.Context) {
	var req chatmodel.SendParams
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.ErrInvalidArgument.WrapMsg(err.Error()))
		return
	}
	res, err := h.d.Messages.SendMessage(c.Request.Context(), midsec.UserID(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, res)
}

func (h *Handler) markRead(c *gin.Context) {
	res, err := h.d.Messages.MarkMessagesRead(c.Request.Context(), midsec.UserID(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, res)
}

type uploadResp struct {
	Path      string    `json:"path"`
	URL       string    `json:"url"`
	Size      int64     `json:"size"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// upload stores one attachment under the conversation and returns its path
// and a signed URL. The path is what SendMessage takes as filePath.
func (h *Handler) upload(c *gin.Context) {
	if h.d.Blob == nil {
		fail(c, blob.ErrUnavailable.Wrap())
		return
	}
	userID := midsec.UserID(c)
	convID := strings.TrimSpace(c.PostForm("conversationId"))
	if convID == "" {
		fail(c, errs.ErrInvalidArgument.WrapMsg("conversationId is required"))
		return
	}
	member, err := h.d.Members.IsMember(c.Request.Context(), convID, userID)
	if err != nil {
		fail(c, err)
		return
	}
	if !member {
		fail(c, errs.ErrNotFound.WrapMsg("conversation not found", "id", convID))
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		fail(c, errs.ErrInvalidArgument.WrapMsg("file is required"))
		return
	}
	if fh.Size > h.d.MaxUpload {
		fail(c, errs.ErrInvalidArgument.WrapMsg("file too large", "max", h.d.MaxUpload))
		return
	}
	f, err := fh.Open()
	if err != nil {
		fail(c, errs.ErrInvalidArgument.WrapMsg(err.Error()))
		return
	}
	defer f.Close()

	now := h.d.Now()
	objectPath := blob.ObjectPath(convID, fh.Filename, now)
	size, err := h.d.Blob.Upload(c.Request.Context(), objectPath, io.LimitReader(f, h.d.MaxUpload), blob.Meta{
		ContentType: fh.Header.Get("Content-Type"),
		Owner:       userID,
		UploadedAt:  now,
	})
	if err != nil {
		h.log.Warn("upload failed", zap.String("path", objectPath), zap.Error(err))
		fail(c, err)
		return
	}
	url, err := h.d.Blob.SignedURL(objectPath, h.d.SignedURLTTL)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, uploadResp{Path: objectPath, URL: url, Size: size, ExpiresAt: now.Add(h.d.SignedURLTTL)})
}

func (h *Handler) download(c *gin.Context) {
	if h.d.Blob == nil {
		fail(c, blob.ErrUnavailable.Wrap())
		return
	}
	objectPath := strings.TrimLeft(c.Param("path"), "/")
	exp, err := strconv.ParseInt(c.Query("exp"), 10, 64)
	if err != nil {
		fail(c, blob.ErrSignatureInvalid.Wrap())
		return
	}
	if err := h.d.Blob.Verify(objectPath, exp, c.Query("sig")); err != nil {
		fail(c, err)
		return
	}
	rc, meta, err := h.d.Blob.Open(c.Request.Context(), objectPath)
	if err != nil {
		fail(c, err)
		return
	}
	defer rc.Close()

	ct := meta.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	c.Header("Cache-Control", "private, max-age=60")
	c.Header("Content-Disposition", `inline; filename="`+path.Base(objectPath)+`"`)
	c.DataFromReader(http.StatusOK, meta.Size, ct, rc, nil)
}
