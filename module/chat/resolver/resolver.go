// Package resolver finds or creates conversations. Creation writes the
// conversation row first and then the memberships; if a membership write
// fails the conversation row is deleted again so no half-built conversation
// stays visible.
package resolver

import (
	"context"
	"strings"
	"time"

	"PPChat/logger"
	chatmodel "PPChat/module/chat/model"
	"PPChat/module/chat/store"
	"PPChat/service/metrics"
	"PPChat/tools/errs"

	"go.uber.org/zap"
)

const pairLockTTL = 10 * time.Second

type CreateParams struct {
	CreatorID string
	MemberIDs []string // not including the creator
	IsGroup   bool
	Name      string
	Image     string
}

type Resolver struct {
	store  store.Store
	locker Locker
	log    *zap.Logger
}

// New builds a Resolver. A nil locker falls back to an in-process KeyedMutex.
func New(s store.Store, locker Locker) *Resolver {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	return &Resolver{store: s, locker: locker, log: logger.Named("resolver")}
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "direct:" + a + ":" + b
}

// EnsureDirect returns the direct conversation between the two users,
// creating it when none exists.
func (r *Resolver) EnsureDirect(ctx context.Context, currentUserID, targetUserID string) (chatmodel.EnsureResult, error) {
	if currentUserID == "" {
		return chatmodel.EnsureResult{}, errs.ErrUnauthenticated.Wrap()
	}
	targetUserID = strings.TrimSpace(targetUserID)
	if targetUserID == "" {
		return chatmodel.EnsureResult{}, errs.ErrInvalidArgument.WrapMsg("target user is required")
	}
	if targetUserID == currentUserID {
		return chatmodel.EnsureResult{}, errs.ErrInvalidArgument.WrapMsg("cannot start a conversation with yourself")
	}

	unlock, err := r.locker.Lock(ctx, pairKey(currentUserID, targetUserID), pairLockTTL)
	if err != nil {
		return chatmodel.EnsureResult{}, errs.ErrStoreFailure.WrapMsg("acquire pair lock: " + err.Error())
	}
	defer unlock()

	existing, err := r.store.FindDirectConversation(ctx, currentUserID, targetUserID)
	if err != nil {
		return chatmodel.EnsureResult{}, err
	}
	if existing != "" {
		return chatmodel.EnsureResult{ID: existing, IsNew: false}, nil
	}

	created, err := r.CreateConversation(ctx, CreateParams{CreatorID: currentUserID, MemberIDs: []string{targetUserID}})
	if err != nil {
		return chatmodel.EnsureResult{}, err
	}
	return r.settleRace(ctx, currentUserID, targetUserID, created.ID), nil
}

// settleRace handles a concurrent creator on another node that the pair
// lock could not see. The oldest direct conversation wins.
func (r *Resolver) settleRace(ctx context.Context, a, b, created string) chatmodel.EnsureResult {
	ids, err := r.store.DirectConversationIDs(ctx, a, b)
	if err != nil {
		r.log.Warn("conflict check failed", zap.String("conversation", created), zap.Error(err))
		return chatmodel.EnsureResult{ID: created, IsNew: true}
	}
	if len(ids) <= 1 || ids[0] == created {
		return chatmodel.EnsureResult{ID: created, IsNew: true}
	}
	winner := ids[0]
	r.log.Info("lost direct creation race", zap.String("winner", winner), zap.String("created", created))
	if err := r.store.DeleteConversation(ctx, created); err != nil {
		r.log.Error("compensating delete failed", zap.String("conversation", created), zap.Error(err))
	}
	metrics.Compensations.WithLabelValues("race").Inc()
	return chatmodel.EnsureResult{ID: winner, IsNew: false}
}

// CreateConversation writes conversation, creator membership, then the other
// memberships, in that order.
func (r *Resolver) CreateConversation(ctx context.Context, p CreateParams) (chatmodel.Conversation, error) {
	if p.CreatorID == "" {
		return chatmodel.Conversation{}, errs.ErrUnauthenticated.Wrap()
	}
	others := normalizeMembers(p.CreatorID, p.MemberIDs)
	if len(others) == 0 {
		return chatmodel.Conversation{}, errs.ErrInvalidArgument.WrapMsg("at least one other member is required")
	}

	conv := chatmodel.Conversation{IsGroup: p.IsGroup}
	if name := strings.TrimSpace(p.Name); name != "" {
		conv.Name = &name
	}
	if img := strings.TrimSpace(p.Image); img != "" {
		conv.GroupImage = &img
	}
	conv, err := r.store.InsertConversation(ctx, conv)
	if err != nil {
		return chatmodel.Conversation{}, err
	}

	if err := r.store.InsertMembers(ctx, conv.ID, p.CreatorID); err != nil {
		return chatmodel.Conversation{}, r.compensate(ctx, conv.ID, "creator membership", err)
	}
	if err := r.store.InsertMembers(ctx, conv.ID, others...); err != nil {
		return chatmodel.Conversation{}, r.compensate(ctx, conv.ID, "member rows", err)
	}

	kind := "direct"
	if conv.IsGroup {
		kind = "group"
	}
	metrics.ConversationsCreated.WithLabelValues(kind).Inc()
	r.log.Info("conversation created", zap.String("id", conv.ID), zap.String("kind", kind), zap.Int("members", len(others)+1))
	return conv, nil
}

// CreateGroup creates a group conversation owned by creatorID.
func (r *Resolver) CreateGroup(ctx context.Context, creatorID string, memberIDs []string, name string) (chatmodel.Conversation, error) {
	return r.CreateConversation(ctx, CreateParams{CreatorID: creatorID, MemberIDs: memberIDs, IsGroup: true, Name: name})
}

func (r *Resolver) compensate(ctx context.Context, convID, step string, cause error) error {
	metrics.Compensations.WithLabelValues("partial").Inc()
	if err := r.store.DeleteConversation(ctx, convID); err != nil {
		r.log.Error("compensating delete failed", zap.String("conversation", convID), zap.Error(err))
	}
	r.log.Warn("conversation creation rolled back", zap.String("conversation", convID), zap.String("step", step), zap.Error(cause))
	return errs.ErrPartialCreate.WrapMsg(step+": "+errs.Message(cause), "conversation", convID)
}

func normalizeMembers(creator string, ids []string) []string {
	seen := map[string]struct{}{creator: {}}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
