// Package reconcile holds the ordering and merge rules shared by the live
// message and conversation views. Every function treats its input slice as
// read-only and returns a fresh slice.
package reconcile

import (
	"sort"

	"PPChat/module/chat/model"
)

// IndexOf returns the position of id in list, or -1.
func IndexOf(list []model.Message, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

// Insert places m by CreatedAt ascending, after any entries with an equal
// timestamp. A message whose id is already present is dropped.
func Insert(list []model.Message, m model.Message) ([]model.Message, bool) {
	if IndexOf(list, m.ID) >= 0 {
		return list, false
	}
	pos := sort.Search(len(list), func(i int) bool {
		return list[i].CreatedAt.After(m.CreatedAt)
	})
	out := make([]model.Message, 0, len(list)+1)
	out = append(out, list[:pos]...)
	out = append(out, m)
	out = append(out, list[pos:]...)
	return out, true
}

// Merge folds incoming into list with Insert semantics.
func Merge(list []model.Message, incoming []model.Message) []model.Message {
	out := append([]model.Message(nil), list...)
	for _, m := range incoming {
		out, _ = Insert(out, m)
	}
	return out
}

// SetStatus changes the status of the message with id. Unknown ids are a
// no-op.
func SetStatus(list []model.Message, id string, status model.MessageStatus) ([]model.Message, bool) {
	i := IndexOf(list, id)
	if i < 0 || list[i].Status == status {
		return list, false
	}
	out := append([]model.Message(nil), list...)
	out[i].Status = status
	return out, true
}

// Confirm rewrites the optimistic entry localID in place with the server
// identity. If the confirmed id already arrived through another path, the
// optimistic entry is dropped instead so the id stays unique.
func Confirm(list []model.Message, localID, serverID, conversationID string) ([]model.Message, bool) {
	i := IndexOf(list, localID)
	if i < 0 {
		return list, false
	}
	if IndexOf(list, serverID) >= 0 {
		out := make([]model.Message, 0, len(list)-1)
		out = append(out, list[:i]...)
		out = append(out, list[i+1:]...)
		return out, true
	}
	out := append([]model.Message(nil), list...)
	out[i].ID = serverID
	out[i].ConversationID = conversationID
	out[i].Status = model.StatusSent
	return out, true
}

// MarkInboundRead flips every unread message not sent by viewerID to read.
func MarkInboundRead(list []model.Message, viewerID string) ([]model.Message, int) {
	out := append([]model.Message(nil), list...)
	n := 0
	for i := range out {
		if out[i].SenderID != viewerID && out[i].Status == model.StatusSent {
			out[i].Status = model.StatusRead
			n++
		}
	}
	return out, n
}

// HasUnreadInbound reports whether any message from someone other than
// viewerID is still unread.
func HasUnreadInbound(list []model.Message, viewerID string) bool {
	for i := range list {
		if list[i].SenderID != viewerID && list[i].Status == model.StatusSent {
			return true
		}
	}
	return false
}

// SortByActivity orders items by last activity, newest first. Items with
// equal activity keep their relative order.
func SortByActivity(items []model.ConversationListItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Activity().After(items[j].Activity())
	})
}
