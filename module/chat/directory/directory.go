package directory

import (
	"context"
	"time"

	"PPChat/logger"
	chatmodel "PPChat/module/chat/model"
	"PPChat/module/chat/reconcile"
	"PPChat/module/chat/store"
	"PPChat/tools/errs"

	"go.uber.org/zap"
)

const (
	unnamedGroup = "Unnamed group"
	unknownUser  = "Unknown user"
)

// Directory 会话列表（读操作，失败降级为空）
type Directory struct {
	store store.Store
	log   *zap.Logger
}

func New(s store.Store) *Directory {
	return &Directory{store: s, log: logger.Named("directory")}
}

// List 返回 userID 参与的全部会话，按最近活跃倒序；任何读取失败都返回空列表
func (d *Directory) List(ctx context.Context, userID string) []chatmodel.ConversationListItem {
	if userID == "" {
		return []chatmodel.ConversationListItem{}
	}
	ids, err := d.store.MemberConversationIDs(ctx, userID)
	if err != nil {
		d.log.Warn("list: member lookup failed", zap.String("user", userID), zap.Error(err))
		return []chatmodel.ConversationListItem{}
	}
	if len(ids) == 0 {
		return []chatmodel.ConversationListItem{}
	}
	details, err := d.store.LoadConversations(ctx, ids)
	if err != nil {
		d.log.Warn("list: load failed", zap.String("user", userID), zap.Error(err))
		return []chatmodel.ConversationListItem{}
	}
	items := make([]chatmodel.ConversationListItem, 0, len(details))
	for i := range details {
		items = append(items, Project(details[i], userID))
	}
	reconcile.SortByActivity(items)
	return items
}

// GetByID 取单个会话；viewer 不是成员时视为不存在
func (d *Directory) GetByID(ctx context.Context, viewerID, convID string) (*chatmodel.ConversationListItem, error) {
	if viewerID == "" {
		return nil, errs.ErrUnauthenticated.Wrap()
	}
	if convID == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("conversation id is required")
	}
	details, err := d.store.LoadConversations(ctx, []string{convID})
	if err != nil {
		return nil, err
	}
	if len(details) == 0 || !hasMember(details[0].Members, viewerID) {
		return nil, errs.ErrNotFound.WrapMsg("conversation not found", "id", convID)
	}
	item := Project(details[0], viewerID)
	return &item, nil
}

// ExistingDirect 查找已存在的单聊；没有时返回空串
func (d *Directory) ExistingDirect(ctx context.Context, userID, otherUserID string) (string, error) {
	if userID == "" {
		return "", errs.ErrUnauthenticated.Wrap()
	}
	if otherUserID == "" || otherUserID == userID {
		return "", errs.ErrInvalidArgument.WrapMsg("cannot start a conversation with yourself")
	}
	return d.store.FindDirectConversation(ctx, userID, otherUserID)
}

func hasMember(members []chatmodel.Profile, id string) bool {
	for i := range members {
		if members[i].ID == id {
			return true
		}
	}
	return false
}

// Project 以 viewerID 的视角生成列表项
func Project(d chatmodel.ConversationDetail, viewerID string) chatmodel.ConversationListItem {
	item := chatmodel.ConversationListItem{ID: d.ID, IsGroup: d.IsGroup}

	var other *chatmodel.Profile
	for i := range d.Members {
		if d.Members[i].ID != viewerID {
			other = &d.Members[i]
			break
		}
	}

	if d.IsGroup {
		item.Name = unnamedGroup
		if d.Name != nil && *d.Name != "" {
			item.Name = *d.Name
		}
		item.Avatar = d.GroupImage
	} else {
		item.Name = other.DisplayName(unknownUser)
		if other != nil {
			item.Avatar = other.AvatarURL
			item.OtherUserID = other.ID
		}
	}

	if d.LastMessage != nil {
		item.LastMessage = d.LastMessage.Content
		t := d.LastMessage.CreatedAt
		item.LastMessageAt = &t
	} else if d.LastMessageAt != nil {
		t := *d.LastMessageAt
		item.LastMessageAt = &t
	}
	return item
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
