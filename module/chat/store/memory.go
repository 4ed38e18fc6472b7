package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"PPChat/logger"
	chatmodel "PPChat/module/chat/model"
	"PPChat/service/realtime"
	"PPChat/tools/errs"
	"PPChat/tools/ids"
)

// Memory 进程内 Store；FailOn 可让指定操作返回错误
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	last     time.Time
	convs    map[string]chatmodel.Conversation
	members  map[string][]chatmodel.ConversationMember
	messages map[string][]chatmodel.Message
	profiles map[string]chatmodel.Profile
	fail     map[string]error
	calls    []string
	emitter
}

func NewMemory(sink realtime.ChangeSink) *Memory {
	return &Memory{
		now:      time.Now,
		convs:    make(map[string]chatmodel.Conversation),
		members:  make(map[string][]chatmodel.ConversationMember),
		messages: make(map[string][]chatmodel.Message),
		profiles: make(map[string]chatmodel.Profile),
		fail:     make(map[string]error),
		emitter:  emitter{sink: sink, log: logger.Named("store")},
	}
}

// SetNow 替换时钟
func (m *Memory) SetNow(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// FailOn 让 op（方法名）之后的调用返回 err；err 为 nil 时取消
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, op)
		return
	}
	m.fail[op] = err
}

// Calls 按顺序返回被调用过的方法名
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *Memory) enter(op string) error {
	m.calls = append(m.calls, op)
	if err := m.fail[op]; err != nil {
		return errs.ErrStoreFailure.WrapMsg(op + ": " + err.Error())
	}
	return nil
}

// tick 严格递增的时间戳，保证同一时刻写入的顺序可区分
func (m *Memory) tick() time.Time {
	t := m.now().UTC()
	if !t.After(m.last) {
		t = m.last.Add(time.Microsecond)
	}
	m.last = t
	return t
}

func (m *Memory) MemberConversationIDs(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("MemberConversationIDs"); err != nil {
		return nil, err
	}
	var out []string
	for convID, ms := range m.members {
		for _, mm := range ms {
			if mm.UserID == userID {
				out = append(out, convID)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) LoadConversations(_ context.Context, ids []string) ([]chatmodel.ConversationDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("LoadConversations"); err != nil {
		return nil, err
	}
	out := make([]chatmodel.ConversationDetail, 0, len(ids))
	for _, id := range ids {
		c, ok := m.convs[id]
		if !ok {
			continue
		}
		d := chatmodel.ConversationDetail{Conversation: c}
		for _, mm := range m.members[id] {
			p, ok := m.profiles[mm.UserID]
			if !ok {
				p = chatmodel.Profile{ID: mm.UserID}
			}
			d.Members = append(d.Members, p)
		}
		if msgs := m.messages[id]; len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			d.LastMessage = &last
		}
		out = append(out, d)
	}
	return out, nil
}

func (m *Memory) directIDsLocked(a, b string) []string {
	var found []chatmodel.Conversation
	for id, c := range m.convs {
		if c.IsGroup {
			continue
		}
		var hasA, hasB bool
		for _, mm := range m.members[id] {
			hasA = hasA || mm.UserID == a
			hasB = hasB || mm.UserID == b
		}
		if hasA && hasB {
			found = append(found, c)
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].CreatedAt.Equal(found[j].CreatedAt) {
			return found[i].ID < found[j].ID
		}
		return found[i].CreatedAt.Before(found[j].CreatedAt)
	})
	out := make([]string, 0, len(found))
	for _, c := range found {
		out = append(out, c.ID)
	}
	return out
}

func (m *Memory) FindDirectConversation(_ context.Context, userID, otherUserID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindDirectConversation"); err != nil {
		return "", err
	}
	if found := m.directIDsLocked(userID, otherUserID); len(found) > 0 {
		return found[0], nil
	}
	return "", nil
}

func (m *Memory) DirectConversationIDs(_ context.Context, a, b string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DirectConversationIDs"); err != nil {
		return nil, err
	}
	return m.directIDsLocked(a, b), nil
}

func (m *Memory) InsertConversation(ctx context.Context, c chatmodel.Conversation) (chatmodel.Conversation, error) {
	m.mu.Lock()
	if err := m.enter("InsertConversation"); err != nil {
		m.mu.Unlock()
		return chatmodel.Conversation{}, err
	}
	if c.ID == "" {
		c.ID = ids.UUID()
	}
	c.CreatedAt = m.tick()
	m.convs[c.ID] = c
	m.mu.Unlock()

	m.emit(ctx, tableConversations, realtime.ChangeInsert, conversationRow(c), nil)
	return c, nil
}

func (m *Memory) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	if err := m.enter("DeleteConversation"); err != nil {
		m.mu.Unlock()
		return err
	}
	_, existed := m.convs[id]
	delete(m.convs, id)
	delete(m.members, id)
	delete(m.messages, id)
	m.mu.Unlock()

	if existed {
		m.emit(ctx, tableConversations, realtime.ChangeDelete, nil, map[string]any{"id": id})
	}
	return nil
}

func (m *Memory) TouchConversation(_ context.Context, convID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("TouchConversation"); err != nil {
		return err
	}
	c, ok := m.convs[convID]
	if !ok {
		return nil
	}
	if c.LastMessageAt == nil || at.After(*c.LastMessageAt) {
		t := at
		c.LastMessageAt = &t
		m.convs[convID] = c
	}
	return nil
}

func (m *Memory) InsertMembers(_ context.Context, convID string, userIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("InsertMembers"); err != nil {
		return err
	}
	if _, ok := m.convs[convID]; !ok {
		return errs.ErrStoreFailure.WrapMsg("insert members: conversation missing", "id", convID)
	}
	for _, u := range userIDs {
		if m.isMemberLocked(convID, u) {
			continue
		}
		m.members[convID] = append(m.members[convID], chatmodel.ConversationMember{
			ConversationID: convID, UserID: u, JoinedAt: m.tick(),
		})
	}
	return nil
}

func (m *Memory) isMemberLocked(convID, userID string) bool {
	for _, mm := range m.members[convID] {
		if mm.UserID == userID {
			return true
		}
	}
	return false
}

func (m *Memory) IsMember(_ context.Context, convID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("IsMember"); err != nil {
		return false, err
	}
	return m.isMemberLocked(convID, userID), nil
}

func (m *Memory) MemberIDs(_ context.Context, convID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("MemberIDs"); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m.members[convID]))
	for _, mm := range m.members[convID] {
		out = append(out, mm.UserID)
	}
	return out, nil
}

func (m *Memory) InsertMessage(ctx context.Context, msg chatmodel.Message) (chatmodel.Message, error) {
	m.mu.Lock()
	if err := m.enter("InsertMessage"); err != nil {
		m.mu.Unlock()
		return chatmodel.Message{}, err
	}
	if _, ok := m.convs[msg.ConversationID]; !ok {
		m.mu.Unlock()
		return chatmodel.Message{}, errs.ErrStoreFailure.WrapMsg("insert message: conversation missing", "id", msg.ConversationID)
	}
	msg.ID = ids.UUID()
	msg.CreatedAt = m.tick()
	msg.Status = chatmodel.StatusSent
	msg.IsEdited = false
	if msg.Type == "" {
		msg.Type = chatmodel.MessageText
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	m.mu.Unlock()

	m.emit(ctx, tableMessages, realtime.ChangeInsert, messageRow(msg), nil)
	return msg, nil
}

func (m *Memory) ListMessages(_ context.Context, convID string) ([]chatmodel.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListMessages"); err != nil {
		return nil, err
	}
	return append([]chatmodel.Message(nil), m.messages[convID]...), nil
}

func (m *Memory) MarkInboundRead(ctx context.Context, convID, readerID string) ([]string, error) {
	m.mu.Lock()
	if err := m.enter("MarkInboundRead"); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	var updated []chatmodel.Message
	msgs := m.messages[convID]
	for i := range msgs {
		if msgs[i].SenderID != readerID && msgs[i].Status == chatmodel.StatusSent {
			msgs[i].Status = chatmodel.StatusRead
			updated = append(updated, msgs[i])
		}
	}
	m.mu.Unlock()

	out := make([]string, 0, len(updated))
	for _, msg := range updated {
		out = append(out, msg.ID)
		old := messageRow(msg)
		old["status"] = string(chatmodel.StatusSent)
		m.emit(ctx, tableMessages, realtime.ChangeUpdate, messageRow(msg), old)
	}
	return out, nil
}

func (m *Memory) GetProfile(_ context.Context, id string) (*chatmodel.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetProfile"); err != nil {
		return nil, err
	}
	p, ok := m.profiles[id]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("profile not found", "id", id)
	}
	return &p, nil
}

func (m *Memory) SearchProfiles(_ context.Context, excludeID, query string, limit int) ([]chatmodel.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SearchProfiles"); err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	contains := func(s *string) bool { return s != nil && strings.Contains(strings.ToLower(*s), q) }
	var out []chatmodel.Profile
	for _, p := range m.profiles {
		if p.ID == excludeID {
			continue
		}
		if contains(p.Username) || contains(p.FullName) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DisplayName(out[i].ID) < out[j].DisplayName(out[j].ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpsertProfile(_ context.Context, p chatmodel.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpsertProfile"); err != nil {
		return err
	}
	m.profiles[p.ID] = p
	return nil
}
