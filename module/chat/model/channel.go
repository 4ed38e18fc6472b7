package model

import (
	"strings"
	"time"
)

// 频道与事件名；客户端和服务端共用同一套命名
const (
	PresenceChannel = "global_presence"

	EventNewMessage      = "new-message"
	EventNewConversation = "new-conversation"
	EventMessageUpdate   = "message-update"
)

func ConversationChannel(conversationID string) string {
	return "conversation:" + conversationID
}

func ConversationUpdatesChannel(conversationID string) string {
	return "conversation:" + conversationID + ":updates"
}

func InboxChannel(userID string) string {
	return "user:" + userID + ":inbox"
}

// ParseInboxChannel user:<id>:inbox -> id
func ParseInboxChannel(name string) (string, bool) {
	if !strings.HasPrefix(name, "user:") || !strings.HasSuffix(name, ":inbox") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, "user:"), ":inbox")
	return id, id != "" && !strings.Contains(id, ":")
}

// ParseConversationChannel 同时识别 conversation:<id> 与 conversation:<id>:updates
func ParseConversationChannel(name string) (string, bool) {
	if !strings.HasPrefix(name, "conversation:") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, "conversation:"), ":updates")
	return id, id != "" && !strings.Contains(id, ":")
}

// NewConversationEvent 发给对端 inbox：你多了一个会话
type NewConversationEvent struct {
	ConversationID string     `json:"conversationId"`
	LastMessage    *string    `json:"lastMessage"`
	LastMessageAt  *time.Time `json:"lastMessageAt"`
}

// MessageUpdateEvent 发给成员 inbox：某会话有新消息
type MessageUpdateEvent struct {
	ConversationID string    `json:"conversationId"`
	Content        *string   `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}
