package model

import "time"

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageVideo MessageType = "video"
	MessageAudio MessageType = "audio"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageAudio:
		return true
	}
	return false
}

type MessageStatus string

const (
	StatusSent MessageStatus = "sent"
	StatusRead MessageStatus = "read"
	// StatusFailed 仅存在于客户端视图：持久化失败的乐观消息
	StatusFailed MessageStatus = "failed"
)

// NormalizeStatus 服务端只会给出 sent / read，其它值一律按 sent 处理
func NormalizeStatus(s string) MessageStatus {
	if MessageStatus(s) == StatusRead {
		return StatusRead
	}
	return StatusSent
}

// Message 消息
type Message struct {
	ID             string        `db:"id" json:"id"`
	ConversationID string        `db:"conversation_id" json:"conversationId"`
	SenderID       string        `db:"sender_id" json:"senderId"`
	Content        *string       `db:"content" json:"content"`
	Type           MessageType   `db:"type" json:"type"`
	FileURL        *string       `db:"file_url" json:"fileUrl"`
	CreatedAt      time.Time     `db:"created_at" json:"createdAt"`
	IsEdited       bool          `db:"is_edited" json:"isEdited"`
	Status         MessageStatus `db:"status" json:"status"`
}

func (m *Message) TableName() string { return "messages" }

// Text 预览文本；无内容时为空串
func (m *Message) Text() string {
	if m == nil || m.Content == nil {
		return ""
	}
	return *m.Content
}

// StatusUpdate 消息状态变更（来自变更流）
type StatusUpdate struct {
	MessageID string        `json:"messageId"`
	Status    MessageStatus `json:"status"`
}

// SendParams 发送消息入参；ConversationID 为空或 "new" 时需要 TargetUserID
type SendParams struct {
	ConversationID string      `json:"conversationId"`
	TargetUserID   string      `json:"targetUserId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	FilePath       string      `json:"filePath"`
}

// NewConversationSentinel 客户端表示“尚未创建的会话”的占位 ID
const NewConversationSentinel = "new"

// SendResult 发送结果
type SendResult struct {
	ConversationID      string    `json:"conversationId"`
	MessageID           string    `json:"messageId"`
	CreatedAt           time.Time `json:"createdAt"`
	CreatedConversation bool      `json:"createdConversation"`
}

// MarkReadResult 标记已读结果
type MarkReadResult struct {
	UpdatedCount int `json:"updatedCount"`
}

func StrPtr(s string) *string { return &s }
