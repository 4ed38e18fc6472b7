package service

import (
	"context"
	"strings"
	"time"

	"PPChat/logger"
	"PPChat/module/chat/directory"
	chatmodel "PPChat/module/chat/model"
	"PPChat/module/chat/resolver"
	"PPChat/module/chat/store"
	"PPChat/service/blob"
	"PPChat/service/metrics"
	"PPChat/service/realtime"
	"PPChat/tools/errs"

	"go.uber.org/zap"
)

const (
	DefaultSignedURLTTL = time.Hour
	notifyTimeout       = 5 * time.Second
)

// URLSigner 把对象路径换成限时下载地址
type URLSigner interface {
	SignedURL(objectPath string, ttl time.Duration) (string, error)
}

type Options struct {
	Signer       URLSigner
	SignedURLTTL time.Duration
	// Notifier 用于向成员 inbox 推 message-update；为空时不推送
	Notifier realtime.Transport
}

// MessageService 服务端消息动作：读消息、发消息、标记已读
type MessageService struct {
	store    store.Store
	resolver *resolver.Resolver
	opts     Options
	log      *zap.Logger
}

func NewMessageService(s store.Store, r *resolver.Resolver, opts Options) *MessageService {
	if opts.SignedURLTTL <= 0 {
		opts.SignedURLTTL = DefaultSignedURLTTL
	}
	return &MessageService{store: s, resolver: r, opts: opts, log: logger.Named("message")}
}

// GetMessages 按时间升序返回会话消息；非成员或读取失败返回空列表
func (s *MessageService) GetMessages(ctx context.Context, viewerID, convID string) []chatmodel.Message {
	empty := []chatmodel.Message{}
	if viewerID == "" || convID == "" {
		return empty
	}
	ok, err := s.store.IsMember(ctx, convID, viewerID)
	if err != nil {
		s.log.Warn("get messages: membership check failed", zap.String("conversation", convID), zap.Error(err))
		return empty
	}
	if !ok {
		return empty
	}
	msgs, err := s.store.ListMessages(ctx, convID)
	if err != nil {
		s.log.Warn("get messages: list failed", zap.String("conversation", convID), zap.Error(err))
		return empty
	}
	for i := range msgs {
		msgs[i].FileURL = s.signFile(convID, msgs[i].FileURL)
	}
	return msgs
}

func externalURL(p string) bool {
	return strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://")
}

// checkFilePath 对象路径必须落在本会话目录下，外链不校验
func checkFilePath(convID, p string) error {
	if p == "" || externalURL(p) {
		return nil
	}
	if owner, ok := blob.ConversationOf(p); !ok || owner != convID {
		return errs.ErrInvalidArgument.WrapMsg("attachment does not belong to conversation", "conversation", convID)
	}
	return nil
}

func (s *MessageService) signFile(convID string, p *string) *string {
	if p == nil || *p == "" || s.opts.Signer == nil || externalURL(*p) {
		return p
	}
	if checkFilePath(convID, *p) != nil {
		// 只签本会话的对象
		return nil
	}
	u, err := s.opts.Signer.SignedURL(*p, s.opts.SignedURLTTL)
	if err != nil {
		s.log.Debug("sign attachment failed", zap.String("path", *p), zap.Error(err))
		return p
	}
	return &u
}

// SendMessage 持久化一条消息。会话 ID 为空或 "new" 时先解析/创建与 TargetUserID 的单聊
func (s *MessageService) SendMessage(ctx context.Context, userID string, p chatmodel.SendParams) (res chatmodel.SendResult, err error) {
	defer func() {
		if err != nil {
			metrics.SendFailures.WithLabelValues(errs.CodeLabel(err)).Inc()
		}
	}()

	if userID == "" {
		return res, errs.ErrUnauthenticated.Wrap()
	}
	content := strings.TrimSpace(p.Content)
	filePath := strings.TrimSpace(p.FilePath)
	if content == "" && filePath == "" {
		return res, errs.ErrInvalidArgument.WrapMsg("message cannot be empty")
	}
	typ := p.Type
	if typ == "" {
		typ = chatmodel.MessageText
	}
	if !typ.Valid() {
		return res, errs.ErrInvalidArgument.WrapMsg("unsupported message type", "type", string(typ))
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" || convID == chatmodel.NewConversationSentinel {
		if strings.TrimSpace(p.TargetUserID) == "" {
			return res, errs.ErrInvalidArgument.WrapMsg("target user is required for new conversation")
		}
		ensured, err := s.resolver.EnsureDirect(ctx, userID, p.TargetUserID)
		if err != nil {
			return res, err
		}
		convID = ensured.ID
		res.CreatedConversation = ensured.IsNew
	} else {
		ok, err := s.store.IsMember(ctx, convID, userID)
		if err != nil {
			return res, err
		}
		if !ok {
			return res, errs.ErrNotFound.WrapMsg("conversation not found", "id", convID)
		}
	}

	if err := checkFilePath(convID, filePath); err != nil {
		return res, err
	}

	msg := chatmodel.Message{ConversationID: convID, SenderID: userID, Type: typ}
	if content != "" {
		msg.Content = &content
	}
	if filePath != "" {
		msg.FileURL = &filePath
	}
	stored, err := s.store.InsertMessage(ctx, msg)
	if err != nil {
		return res, err
	}
	if err := s.store.TouchConversation(ctx, convID, stored.CreatedAt); err != nil {
		s.log.Warn("bump last_message_at failed", zap.String("conversation", convID), zap.Error(err))
	}
	metrics.MessagesSent.Inc()

	s.fanOut(ctx, stored)

	res.ConversationID = convID
	res.MessageID = stored.ID
	res.CreatedAt = stored.CreatedAt
	return res, nil
}

// fanOut 给每个成员的 inbox 推一条 message-update；失败只记日志
func (s *MessageService) fanOut(ctx context.Context, m chatmodel.Message) {
	if s.opts.Notifier == nil {
		return
	}
	members, err := s.store.MemberIDs(ctx, m.ConversationID)
	if err != nil {
		s.log.Warn("fan-out: member lookup failed", zap.String("conversation", m.ConversationID), zap.Error(err))
		return
	}
	ev := chatmodel.MessageUpdateEvent{ConversationID: m.ConversationID, Content: m.Content, CreatedAt: m.CreatedAt}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	for _, uid := range members {
		if err := directory.NotifyInbox(nctx, s.opts.Notifier, uid, chatmodel.EventMessageUpdate, ev); err != nil {
			s.log.Warn("fan-out failed", zap.String("user", uid), zap.Error(err))
		}
	}
}

// MarkMessagesRead 把会话中他人发来的 sent 消息置为 read
func (s *MessageService) MarkMessagesRead(ctx context.Context, userID, convID string) (chatmodel.MarkReadResult, error) {
	if userID == "" {
		return chatmodel.MarkReadResult{}, errs.ErrUnauthenticated.Wrap()
	}
	if convID == "" {
		return chatmodel.MarkReadResult{}, errs.ErrInvalidArgument.WrapMsg("conversation id is required")
	}
	ok, err := s.store.IsMember(ctx, convID, userID)
	if err != nil {
		return chatmodel.MarkReadResult{}, err
	}
	if !ok {
		return chatmodel.MarkReadResult{}, errs.ErrNotFound.WrapMsg("conversation not found", "id", convID)
	}
	updated, err := s.store.MarkInboundRead(ctx, convID, userID)
	if err != nil {
		return chatmodel.MarkReadResult{}, err
	}
	metrics.MessagesMarkedRead.Add(float64(len(updated)))
	return chatmodel.MarkReadResult{UpdatedCount: len(updated)}, nil
}
