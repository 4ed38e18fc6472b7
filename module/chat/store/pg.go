package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"PPChat/logger"
	chatmodel "PPChat/module/chat/model"
	"PPChat/service/realtime"
	"PPChat/tools/errs"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgStore struct {
	pool *pgxpool.Pool
	emitter
}

func NewPgStore(pool *pgxpool.Pool, sink realtime.ChangeSink) *PgStore {
	return &PgStore{pool: pool, emitter: emitter{sink: sink, log: logger.Named("store")}}
}

func storeErr(op string, err error) error {
	return errs.ErrStoreFailure.WrapMsg(op+": "+err.Error())
}

// validID 主键都是 uuid；格式不对的 id 查不到任何行，不送进库里报类型错误
func validID(ids ...string) bool {
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return false
		}
	}
	return true
}

func badID(op string, id string) error {
	return errs.ErrInvalidArgument.WrapMsg(op+": malformed id", "id", id)
}

func (s *PgStore) MemberConversationIDs(ctx context.Context, userID string) ([]string, error) {
	if !validID(userID) {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT conversation_id::text FROM conversation_members WHERE user_id = $1::uuid
	`, userID)
	if err != nil {
		return nil, storeErr("member conversations", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, storeErr("member conversations", err)
	}
	return ids, nil
}

func (s *PgStore) LoadConversations(ctx context.Context, ids []string) ([]chatmodel.ConversationDetail, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if validID(id) {
			valid = append(valid, id)
		}
	}
	ids = valid
	if len(ids) == 0 {
		return nil, nil
	}
	// 1) 会话
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, is_group, name, group_image, created_at, last_message_at
		FROM conversations
		WHERE id = ANY($1::text[]::uuid[])
	`, ids)
	if err != nil {
		return nil, storeErr("load conversations", err)
	}
	byID := make(map[string]*chatmodel.ConversationDetail, len(ids))
	for rows.Next() {
		var d chatmodel.ConversationDetail
		if err := rows.Scan(&d.ID, &d.IsGroup, &d.Name, &d.GroupImage, &d.CreatedAt, &d.LastMessageAt); err != nil {
			rows.Close()
			return nil, storeErr("scan conversation", err)
		}
		byID[d.ID] = &d
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeErr("load conversations", err)
	}

	// 2) 成员资料（缺资料的成员只带 id）
	rows, err = s.pool.Query(ctx, `
		SELECT m.conversation_id::text, m.user_id::text, p.username, p.full_name, p.avatar_url, p.status
		FROM conversation_members m
		LEFT JOIN profiles p ON p.id = m.user_id
		WHERE m.conversation_id = ANY($1::text[]::uuid[])
		ORDER BY m.joined_at, m.user_id
	`, ids)
	if err != nil {
		return nil, storeErr("load members", err)
	}
	for rows.Next() {
		var convID string
		var p chatmodel.Profile
		if err := rows.Scan(&convID, &p.ID, &p.Username, &p.FullName, &p.AvatarURL, &p.Status); err != nil {
			rows.Close()
			return nil, storeErr("scan member", err)
		}
		if d, ok := byID[convID]; ok {
			d.Members = append(d.Members, p)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeErr("load members", err)
	}

	// 3) 每个会话最新一条消息
	rows, err = s.pool.Query(ctx, `
		SELECT DISTINCT ON (conversation_id)
			id::text, conversation_id::text, sender_id::text, content, type, file_url, created_at, is_edited, status
		FROM messages
		WHERE conversation_id = ANY($1::text[]::uuid[])
		ORDER BY conversation_id, created_at DESC
	`, ids)
	if err != nil {
		return nil, storeErr("load latest messages", err)
	}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, storeErr("scan latest message", err)
		}
		if d, ok := byID[m.ConversationID]; ok {
			d.LastMessage = &m
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeErr("load latest messages", err)
	}

	out := make([]chatmodel.ConversationDetail, 0, len(byID))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			out = append(out, *d)
		}
	}
	return out, nil
}

// FindDirectConversation 只在 userID 参与的会话里找与 otherUserID 的单聊；最早创建的优先
func (s *PgStore) FindDirectConversation(ctx context.Context, userID, otherUserID string) (string, error) {
	if !validID(userID, otherUserID) {
		return "", nil
	}
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT c.id::text
		FROM conversations c
		JOIN conversation_members a ON a.conversation_id = c.id AND a.user_id = $1::uuid
		JOIN conversation_members b ON b.conversation_id = c.id AND b.user_id = $2::uuid
		WHERE NOT c.is_group
		ORDER BY c.created_at, c.id
		LIMIT 1
	`, userID, otherUserID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storeErr("find direct conversation", err)
	}
	return id, nil
}

func (s *PgStore) DirectConversationIDs(ctx context.Context, a, b string) ([]string, error) {
	if !validID(a, b) {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT c.id::text
		FROM conversations c
		JOIN conversation_members x ON x.conversation_id = c.id AND x.user_id = $1::uuid
		JOIN conversation_members y ON y.conversation_id = c.id AND y.user_id = $2::uuid
		WHERE NOT c.is_group
		ORDER BY c.created_at, c.id
	`, a, b)
	if err != nil {
		return nil, storeErr("direct conversations", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, storeErr("direct conversations", err)
	}
	return ids, nil
}

func (s *PgStore) InsertConversation(ctx context.Context, c chatmodel.Conversation) (chatmodel.Conversation, error) {
	if c.ID != "" && !validID(c.ID) {
		return chatmodel.Conversation{}, badID("insert conversation", c.ID)
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, is_group, name, group_image)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4)
		RETURNING id::text, created_at, last_message_at
	`, c.ID, c.IsGroup, c.Name, c.GroupImage).Scan(&c.ID, &c.CreatedAt, &c.LastMessageAt)
	if err != nil {
		return chatmodel.Conversation{}, storeErr("insert conversation", err)
	}
	s.emit(ctx, tableConversations, realtime.ChangeInsert, conversationRow(c), nil)
	return c, nil
}

func (s *PgStore) DeleteConversation(ctx context.Context, id string) error {
	if !validID(id) {
		return nil
	}
	ct, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1::uuid`, id)
	if err != nil {
		return storeErr("delete conversation", err)
	}
	if ct.RowsAffected() > 0 {
		s.emit(ctx, tableConversations, realtime.ChangeDelete, nil, map[string]any{"id": id})
	}
	return nil
}

func (s *PgStore) TouchConversation(ctx context.Context, convID string, at time.Time) error {
	if !validID(convID) {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET last_message_at = GREATEST(COALESCE(last_message_at, $2), $2)
		WHERE id = $1::uuid
	`, convID, at)
	if err != nil {
		return storeErr("touch conversation", err)
	}
	return nil
}

func (s *PgStore) InsertMembers(ctx context.Context, convID string, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	if !validID(convID) {
		return badID("insert members", convID)
	}
	for _, u := range userIDs {
		if !validID(u) {
			return badID("insert members", u)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_members (conversation_id, user_id)
		SELECT $1::uuid, u::uuid FROM unnest($2::text[]) AS u
		ON CONFLICT (conversation_id, user_id) DO NOTHING
	`, convID, userIDs)
	if err != nil {
		return storeErr("insert members", err)
	}
	return nil
}

func (s *PgStore) IsMember(ctx context.Context, convID, userID string) (bool, error) {
	if !validID(convID, userID) {
		return false, nil
	}
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM conversation_members WHERE conversation_id = $1::uuid AND user_id = $2::uuid)
	`, convID, userID).Scan(&ok)
	if err != nil {
		return false, storeErr("is member", err)
	}
	return ok, nil
}

func (s *PgStore) MemberIDs(ctx context.Context, convID string) ([]string, error) {
	if !validID(convID) {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT user_id::text FROM conversation_members WHERE conversation_id = $1::uuid ORDER BY joined_at, user_id
	`, convID)
	if err != nil {
		return nil, storeErr("member ids", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, storeErr("member ids", err)
	}
	return ids, nil
}

func (s *PgStore) InsertMessage(ctx context.Context, m chatmodel.Message) (chatmodel.Message, error) {
	if !validID(m.ConversationID) {
		return chatmodel.Message{}, badID("insert message", m.ConversationID)
	}
	if !validID(m.SenderID) {
		return chatmodel.Message{}, badID("insert message", m.SenderID)
	}
	if m.Type == "" {
		m.Type = chatmodel.MessageText
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, sender_id, content, type, file_url)
		VALUES ($1::uuid, $2::uuid, $3, $4, $5)
		RETURNING id::text, conversation_id::text, sender_id::text, content, type, file_url, created_at, is_edited, status
	`, m.ConversationID, m.SenderID, m.Content, string(m.Type), m.FileURL)
	out, err := scanMessage(row)
	if err != nil {
		return chatmodel.Message{}, storeErr("insert message", err)
	}
	s.emit(ctx, tableMessages, realtime.ChangeInsert, messageRow(out), nil)
	return out, nil
}

func (s *PgStore) ListMessages(ctx context.Context, convID string) ([]chatmodel.Message, error) {
	if !validID(convID) {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, conversation_id::text, sender_id::text, content, type, file_url, created_at, is_edited, status
		FROM messages
		WHERE conversation_id = $1::uuid
		ORDER BY created_at ASC, id
	`, convID)
	if err != nil {
		return nil, storeErr("list messages", err)
	}
	defer rows.Close()
	var out []chatmodel.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, storeErr("scan message", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list messages", err)
	}
	return out, nil
}

// MarkInboundRead 把对方发来的未读消息置为 read，并逐条发出 UPDATE 变更
func (s *PgStore) MarkInboundRead(ctx context.Context, convID, readerID string) ([]string, error) {
	if !validID(convID, readerID) {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE messages SET status = 'read'
		WHERE conversation_id = $1::uuid AND sender_id <> $2::uuid AND status = 'sent'
		RETURNING id::text, conversation_id::text, sender_id::text, content, type, file_url, created_at, is_edited, status
	`, convID, readerID)
	if err != nil {
		return nil, storeErr("mark read", err)
	}
	var updated []chatmodel.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, storeErr("scan read message", err)
		}
		updated = append(updated, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeErr("mark read", err)
	}
	ids := make([]string, 0, len(updated))
	for _, m := range updated {
		ids = append(ids, m.ID)
		old := messageRow(m)
		old["status"] = string(chatmodel.StatusSent)
		s.emit(ctx, tableMessages, realtime.ChangeUpdate, messageRow(m), old)
	}
	return ids, nil
}

func (s *PgStore) GetProfile(ctx context.Context, id string) (*chatmodel.Profile, error) {
	if !validID(id) {
		return nil, errs.ErrNotFound.WrapMsg("profile not found", "id", id)
	}
	var p chatmodel.Profile
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, username, full_name, avatar_url, status FROM profiles WHERE id = $1::uuid
	`, id).Scan(&p.ID, &p.Username, &p.FullName, &p.AvatarURL, &p.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound.WrapMsg("profile not found", "id", id)
	}
	if err != nil {
		return nil, storeErr("get profile", err)
	}
	return &p, nil
}

func (s *PgStore) SearchProfiles(ctx context.Context, excludeID, query string, limit int) ([]chatmodel.Profile, error) {
	if !validID(excludeID) {
		excludeID = uuid.Nil.String()
	}
	pattern := "%" + escapeLike(query) + "%"
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, username, full_name, avatar_url, status
		FROM profiles
		WHERE id <> $1::uuid AND (username ILIKE $2 OR full_name ILIKE $2)
		ORDER BY username NULLS LAST, id
		LIMIT $3
	`, excludeID, pattern, limit)
	if err != nil {
		return nil, storeErr("search profiles", err)
	}
	defer rows.Close()
	var out []chatmodel.Profile
	for rows.Next() {
		var p chatmodel.Profile
		if err := rows.Scan(&p.ID, &p.Username, &p.FullName, &p.AvatarURL, &p.Status); err != nil {
			return nil, storeErr("scan profile", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("search profiles", err)
	}
	return out, nil
}

func (s *PgStore) UpsertProfile(ctx context.Context, p chatmodel.Profile) error {
	if !validID(p.ID) {
		return badID("upsert profile", p.ID)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO profiles (id, username, full_name, avatar_url, status)
		VALUES ($1::uuid, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username, full_name = EXCLUDED.full_name,
			avatar_url = EXCLUDED.avatar_url, status = EXCLUDED.status
	`, p.ID, p.Username, p.FullName, p.AvatarURL, p.Status)
	if err != nil {
		return storeErr("upsert profile", err)
	}
	return nil
}

func scanMessage(row pgx.Row) (chatmodel.Message, error) {
	var m chatmodel.Message
	var typ, status string
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &typ, &m.FileURL, &m.CreatedAt, &m.IsEdited, &status)
	m.Type = chatmodel.MessageType(typ)
	m.Status = chatmodel.NormalizeStatus(status)
	return m, err
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
