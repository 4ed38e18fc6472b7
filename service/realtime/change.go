package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"PPChat/tools/decode"
	"PPChat/tools/ids"
)

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Change is one committed row mutation.
type Change struct {
	ID       string         `json:"id"`
	Table    string         `json:"table"`
	Type     ChangeType     `json:"type"`
	New      map[string]any `json:"new,omitempty"`
	Old      map[string]any `json:"old,omitempty"`
	CommitAt time.Time      `json:"commitAt"`
}

// NewChange stamps a change with an id and commit time. Row values are
// round-tripped through JSON so every consumer sees the same shapes.
func NewChange(table string, typ ChangeType, newRow, oldRow any) (Change, error) {
	c := Change{ID: ids.UUID(), Table: table, Type: typ, CommitAt: time.Now().UTC()}
	var err error
	if c.New, err = toRow(newRow); err != nil {
		return Change{}, err
	}
	if c.Old, err = toRow(oldRow); err != nil {
		return Change{}, err
	}
	return c, nil
}

func toRow(v any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal row: %w", err)
	}
	if string(b) == "null" {
		return nil, nil
	}
	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal row: %w", err)
	}
	return m, nil
}

// DecodeRow decodes a change row into T using its db tags.
func DecodeRow[T any](row map[string]any) (*T, error) {
	return decode.Map[T](row, decode.Options{WeaklyTypedInput: true, TagName: "db"})
}

// ChangeFilter selects changes of one table, optionally narrowed by type and
// an equality on one column of the new row (old row for deletes).
type ChangeFilter struct {
	Table  string
	Type   ChangeType
	Column string
	Value  string
}

// ParseFilter accepts the "column=eq.value" form.
func ParseFilter(table string, typ ChangeType, expr string) (ChangeFilter, error) {
	f := ChangeFilter{Table: table, Type: typ}
	if strings.TrimSpace(expr) == "" {
		return f, nil
	}
	col, rest, ok := strings.Cut(expr, "=")
	if !ok || !strings.HasPrefix(rest, "eq.") || col == "" {
		return ChangeFilter{}, fmt.Errorf("unsupported filter %q", expr)
	}
	f.Column = col
	f.Value = strings.TrimPrefix(rest, "eq.")
	return f, nil
}

func (f ChangeFilter) String() string {
	s := f.Table
	if f.Type != "" {
		s += "/" + string(f.Type)
	}
	if f.Column != "" {
		s += "?" + f.Column + "=eq." + f.Value
	}
	return s
}

func (f ChangeFilter) Matches(c Change) bool {
	if f.Table != c.Table {
		return false
	}
	if f.Type != "" && f.Type != c.Type {
		return false
	}
	if f.Column == "" {
		return true
	}
	row := c.New
	if c.Type == ChangeDelete {
		row = c.Old
	}
	v, ok := row[f.Column]
	if !ok || v == nil {
		return false
	}
	return fmt.Sprint(v) == f.Value
}

// ChangeSink receives committed changes from the store.
type ChangeSink interface {
	Emit(ctx context.Context, c Change) error
}

// BusSink publishes changes straight onto the bus.
type BusSink struct {
	Bus Bus
}

func (s BusSink) Emit(ctx context.Context, c Change) error {
	data, err := json.Marshal(Envelope{ID: c.ID, Kind: KindChange, Change: &c})
	if err != nil {
		return err
	}
	return s.Bus.Publish(ctx, Message{Subject: ChangeSubject(c.Table), Data: data, ID: c.ID})
}

// DiscardSink drops every change.
type DiscardSink struct{}

func (DiscardSink) Emit(context.Context, Change) error { return nil }
