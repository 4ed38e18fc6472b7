package store

import (
	"context"
	"testing"
	"time"

	chatmodel "PPChat/module/chat/model"
	"PPChat/tools/errs"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// malformed ids are answered before any query, so no pool is needed
func TestPgStoreMalformedIDs(t *testing.T) {
	s := NewPgStore(nil, nil)
	ctx := context.Background()
	good := uuid.NewString()

	ok, err := s.IsMember(ctx, "not-a-uuid", good)
	require.NoError(t, err)
	assert.False(t, ok)

	msgs, err := s.ListMessages(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	details, err := s.LoadConversations(ctx, []string{"nope", "1; drop table"})
	require.NoError(t, err)
	assert.Empty(t, details)

	ids, err := s.MemberIDs(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = s.MemberConversationIDs(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, ids)

	id, err := s.FindDirectConversation(ctx, good, "bob")
	require.NoError(t, err)
	assert.Empty(t, id)

	ids, err = s.DirectConversationIDs(ctx, "alice", good)
	require.NoError(t, err)
	assert.Empty(t, ids)

	read, err := s.MarkInboundRead(ctx, "nope", good)
	require.NoError(t, err)
	assert.Empty(t, read)

	assert.NoError(t, s.TouchConversation(ctx, "nope", time.Now()))
	assert.NoError(t, s.DeleteConversation(ctx, "nope"))

	_, err = s.GetProfile(ctx, "nope")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestPgStoreRejectsMalformedWrites(t *testing.T) {
	s := NewPgStore(nil, nil)
	ctx := context.Background()
	good := uuid.NewString()

	_, err := s.InsertConversation(ctx, chatmodel.Conversation{ID: "c1"})
	assert.True(t, errs.Is(err, errs.InvalidArgument))
	assert.True(t, errs.Is(s.InsertMembers(ctx, "c1", good), errs.InvalidArgument))
	assert.True(t, errs.Is(s.InsertMembers(ctx, good, good, "bob"), errs.InvalidArgument))
	_, err = s.InsertMessage(ctx, chatmodel.Message{ConversationID: good, SenderID: "bob"})
	assert.True(t, errs.Is(err, errs.InvalidArgument))
	assert.True(t, errs.Is(s.UpsertProfile(ctx, chatmodel.Profile{ID: "bob"}), errs.InvalidArgument))
	assert.NoError(t, s.InsertMembers(ctx, "c1"), "no members is a no-op")
}
