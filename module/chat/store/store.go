package store

import (
	"context"
	"time"

	chatmodel "PPChat/module/chat/model"
	"PPChat/service/realtime"

	"go.uber.org/zap"
)

// Store 关系存储契约；PgStore 为生产实现，Memory 供测试
type Store interface {
	// 会话
	MemberConversationIDs(ctx context.Context, userID string) ([]string, error)
	LoadConversations(ctx context.Context, ids []string) ([]chatmodel.ConversationDetail, error)
	FindDirectConversation(ctx context.Context, userID, otherUserID string) (string, error)
	DirectConversationIDs(ctx context.Context, a, b string) ([]string, error)
	InsertConversation(ctx context.Context, c chatmodel.Conversation) (chatmodel.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	TouchConversation(ctx context.Context, convID string, at time.Time) error

	// 成员
	InsertMembers(ctx context.Context, convID string, userIDs ...string) error
	IsMember(ctx context.Context, convID, userID string) (bool, error)
	MemberIDs(ctx context.Context, convID string) ([]string, error)

	// 消息
	InsertMessage(ctx context.Context, m chatmodel.Message) (chatmodel.Message, error)
	ListMessages(ctx context.Context, convID string) ([]chatmodel.Message, error)
	MarkInboundRead(ctx context.Context, convID, readerID string) ([]string, error)

	// 用户资料
	GetProfile(ctx context.Context, id string) (*chatmodel.Profile, error)
	SearchProfiles(ctx context.Context, excludeID, query string, limit int) ([]chatmodel.Profile, error)
	UpsertProfile(ctx context.Context, p chatmodel.Profile) error
}

const (
	tableConversations = "conversations"
	tableMessages      = "messages"
)

func messageRow(m chatmodel.Message) map[string]any {
	return map[string]any{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"content":         m.Content,
		"type":            string(m.Type),
		"file_url":        m.FileURL,
		"created_at":      m.CreatedAt,
		"is_edited":       m.IsEdited,
		"status":          string(m.Status),
	}
}

func conversationRow(c chatmodel.Conversation) map[string]any {
	return map[string]any{
		"id":              c.ID,
		"is_group":        c.IsGroup,
		"name":            c.Name,
		"group_image":     c.GroupImage,
		"created_at":      c.CreatedAt,
		"last_message_at": c.LastMessageAt,
	}
}

// emitter 写入成功后的变更通知；通知失败不回滚写入
type emitter struct {
	sink realtime.ChangeSink
	log  *zap.Logger
}

func (e emitter) emit(ctx context.Context, table string, typ realtime.ChangeType, newRow, oldRow map[string]any) {
	if e.sink == nil {
		return
	}
	var n, o any
	if newRow != nil {
		n = newRow
	}
	if oldRow != nil {
		o = oldRow
	}
	c, err := realtime.NewChange(table, typ, n, o)
	if err != nil {
		e.log.Warn("[Store] build change failed", zap.String("table", table), zap.Error(err))
		return
	}
	if err := e.sink.Emit(ctx, c); err != nil {
		e.log.Warn("[Store] emit change failed", zap.String("table", table), zap.String("type", string(typ)), zap.Error(err))
	}
}
