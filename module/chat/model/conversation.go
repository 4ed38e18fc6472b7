package model

import "time"

// Conversation 会话（单聊 / 群聊）
type Conversation struct {
	ID            string     `db:"id" json:"id"`
	IsGroup       bool       `db:"is_group" json:"isGroup"`
	Name          *string    `db:"name" json:"name,omitempty"`              // 群名，单聊为空
	GroupImage    *string    `db:"group_image" json:"groupImage,omitempty"` // 群头像
	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
	LastMessageAt *time.Time `db:"last_message_at" json:"lastMessageAt"` // 最近一条消息时间（发消息时刷新）
}

func (c *Conversation) TableName() string { return "conversations" }

// ConversationMember 会话成员关系，(conversation_id, user_id) 唯一
type ConversationMember struct {
	ConversationID string    `db:"conversation_id" json:"conversationId"`
	UserID         string    `db:"user_id" json:"userId"`
	JoinedAt       time.Time `db:"joined_at" json:"joinedAt"`
}

func (m *ConversationMember) TableName() string { return "conversation_members" }

// ConversationDetail 会话 + 成员资料 + 最新一条消息，列表投影的原料
type ConversationDetail struct {
	Conversation
	Members     []Profile `json:"members"`
	LastMessage *Message  `json:"lastMessage,omitempty"`
}

// ConversationListItem 会话列表项（按观察者视角解析出名称和头像）
type ConversationListItem struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Avatar        *string    `json:"avatar"`
	LastMessage   *string    `json:"lastMessage"`
	LastMessageAt *time.Time `json:"lastMessageAt"`
	IsGroup       bool       `json:"isGroup"`
	OtherUserID   string     `json:"otherUserId,omitempty"` // 单聊对端
}

// Activity 排序用的最近活跃时间；无则为零值（排在最后）
func (i ConversationListItem) Activity() time.Time {
	if i.LastMessageAt == nil {
		return time.Time{}
	}
	return *i.LastMessageAt
}

// EnsureResult ensureDirect 的结果
type EnsureResult struct {
	ID    string `json:"id"`
	IsNew bool   `json:"isNew"`
}
