package chat

import (
	"context"

	chatmodel "PPChat/module/chat/model"
	"PPChat/service/realtime"
	"PPChat/tools/errs"
)

// Membership 会话成员判定，store.Store 满足
type Membership interface {
	IsMember(ctx context.Context, convID, userID string) (bool, error)
}

// Access 频道权限：
//   - conversation:<id>[:updates] 仅成员
//   - user:<id>:inbox 只能订阅自己的，广播可发给任何人（通知对端）
//   - global_presence 只能以自己的身份 track，不允许广播
type Access struct {
	Members Membership
}

func (a Access) member(ctx context.Context, userID, convID string) error {
	if a.Members == nil {
		return errs.ErrNotFound.WrapMsg("conversation not found", "id", convID)
	}
	ok, err := a.Members.IsMember(ctx, convID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrNotFound.WrapMsg("conversation not found", "id", convID)
	}
	return nil
}

func (a Access) CanSubscribe(ctx context.Context, userID, channel string) error {
	if channel == chatmodel.PresenceChannel {
		return nil
	}
	if owner, ok := chatmodel.ParseInboxChannel(channel); ok {
		if owner != userID {
			return errs.ErrNotFound.WrapMsg("inbox not found", "channel", channel)
		}
		return nil
	}
	if convID, ok := chatmodel.ParseConversationChannel(channel); ok {
		return a.member(ctx, userID, convID)
	}
	return errs.ErrInvalidArgument.WrapMsg("unknown channel", "channel", channel)
}

func (a Access) CanBroadcast(ctx context.Context, userID, channel string) error {
	if channel == chatmodel.PresenceChannel {
		return errs.ErrInvalidArgument.WrapMsg("presence channel does not carry broadcasts")
	}
	if _, ok := chatmodel.ParseInboxChannel(channel); ok {
		return nil
	}
	if convID, ok := chatmodel.ParseConversationChannel(channel); ok {
		return a.member(ctx, userID, convID)
	}
	return errs.ErrInvalidArgument.WrapMsg("unknown channel", "channel", channel)
}

func (a Access) CanTrack(channel string) error {
	if channel != chatmodel.PresenceChannel {
		return errs.ErrInvalidArgument.WrapMsg("presence is only tracked on "+chatmodel.PresenceChannel, "channel", channel)
	}
	return nil
}

// CanFilter 变更只开放 messages 表，且必须限定在频道所属会话内
func (a Access) CanFilter(channel string, f realtime.ChangeFilter) error {
	convID, ok := chatmodel.ParseConversationChannel(channel)
	if !ok {
		return errs.ErrInvalidArgument.WrapMsg("changes are only available on conversation channels", "channel", channel)
	}
	if f.Table != "messages" || f.Column != "conversation_id" || f.Value != convID {
		return errs.ErrInvalidArgument.WrapMsg("filter must be messages conversation_id=eq."+convID, "filter", f.String())
	}
	return nil
}
