package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/undoablehq/undoable/internal/actions"
	"github.com/undoablehq/undoable/internal/memory"
	"github.com/undoablehq/undoable/pkg/protocol"
)

// MemoryGetTool reads one entry from long-term memory.
type MemoryGetTool struct {
	store *memory.Store
}

func NewMemoryGetTool(store *memory.Store) *MemoryGetTool {
	return &MemoryGetTool{store: store}
}

func (t *MemoryGetTool) Name() string        { return "memory_get" }
func (t *MemoryGetTool) Description() string { return "Read a value from persistent memory" }
func (t *MemoryGetTool) Category() string    { return protocol.CategoryRead }
func (t *MemoryGetTool) Undoable() bool      { return false }
func (t *MemoryGetTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"key": map[string]interface{}{
				"type":        "string",
				"description": "Memory key to read",
			},
		},
		"required": []string{"key"},
	}
}

type memoryKeyArgs struct {
	Key string `json:"key"`
}

func (t *MemoryGetTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	var a memoryKeyArgs
	if err := decodeArgs(args, &a); err != nil {
		return ErrorResult(err.Error())
	}
	if a.Key == "" {
		return ErrorResult("key is required")
	}

	value, found, err := t.store.Get(ctx, a.Key)
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory read failed: %v", err)).WithError(err)
	}
	if !found {
		return SilentResult(fmt.Sprintf("no memory stored under %q", a.Key))
	}
	return SilentResult(value)
}

// MemoryListTool lists memory keys, optionally narrowed by prefix.
type MemoryListTool struct {
	store *memory.Store
}

func NewMemoryListTool(store *memory.Store) *MemoryListTool {
	return &MemoryListTool{store: store}
}

func (t *MemoryListTool) Name() string        { return "memory_list" }
func (t *MemoryListTool) Description() string { return "List persistent memory entries" }
func (t *MemoryListTool) Category() string    { return protocol.CategoryRead }
func (t *MemoryListTool) Undoable() bool      { return false }
func (t *MemoryListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"prefix": map[string]interface{}{
				"type":        "string",
				"description": "Only list keys starting with this prefix",
			},
			"search": map[string]interface{}{
				"type":        "string",
				"description": "Keyword to match against keys and values instead of a prefix",
			},
		},
	}
}

type memoryListArgs struct {
	Prefix string `json:"prefix"`
	Search string `json:"search"`
}

func (t *MemoryListTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	var a memoryListArgs
	if err := decodeArgs(args, &a); err != nil {
		return ErrorResult(err.Error())
	}

	var (
		entries []memory.Entry
		err     error
	)
	if a.Search != "" {
		entries, err = t.store.Search(ctx, a.Search)
	} else {
		entries, err = t.store.List(ctx, a.Prefix)
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory list failed: %v", err)).WithError(err)
	}
	if len(entries) == 0 {
		return SilentResult("(no memory entries)")
	}

	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s: %s\n", e.Key, truncateStr(e.Value, 200))
	}
	return SilentResult(strings.TrimRight(b.String(), "\n"))
}

// MemorySetTool stores a value, snapshotting the prior entry so the write
// can be undone.
type MemorySetTool struct {
	store *memory.Store
}

func NewMemorySetTool(store *memory.Store) *MemorySetTool {
	return &MemorySetTool{store: store}
}

func (t *MemorySetTool) Name() string        { return "memory_set" }
func (t *MemorySetTool) Description() string { return "Store a value in persistent memory" }
func (t *MemorySetTool) Category() string    { return protocol.CategoryMutate }
func (t *MemorySetTool) Undoable() bool      { return true }
func (t *MemorySetTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"key": map[string]interface{}{
				"type":        "string",
				"description": "Memory key to write",
			},
			"value": map[string]interface{}{
				"type":        "string",
				"description": "Value to store",
			},
		},
		"required": []string{"key", "value"},
	}
}

type memorySetArgs struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (t *MemorySetTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	var a memorySetArgs
	if err := decodeArgs(args, &a); err != nil {
		return ErrorResult(err.Error())
	}
	if a.Key == "" {
		return ErrorResult("key is required")
	}

	before, err := takeMemorySnapshot(ctx, t.store, a.Key)
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory write failed: %v", err)).WithError(err)
	}
	if err := t.store.Set(ctx, a.Key, a.Value); err != nil {
		return ErrorResult(fmt.Sprintf("memory write failed: %v", err)).WithError(err)
	}
	after := &actions.Snapshot{Key: a.Key, Exists: true, Content: []byte(a.Value)}

	return NewResult(fmt.Sprintf("Stored memory %q (%d bytes)", a.Key, len(a.Value))).
		WithSnapshots(before, after)
}

// MemoryDeleteTool removes an entry, snapshotting it first so the delete
// can be undone.
type MemoryDeleteTool struct {
	store *memory.Store
}

func NewMemoryDeleteTool(store *memory.Store) *MemoryDeleteTool {
	return &MemoryDeleteTool{store: store}
}

func (t *MemoryDeleteTool) Name() string        { return "memory_delete" }
func (t *MemoryDeleteTool) Description() string { return "Delete an entry from persistent memory" }
func (t *MemoryDeleteTool) Category() string    { return protocol.CategoryMutate }
func (t *MemoryDeleteTool) Undoable() bool      { return true }
func (t *MemoryDeleteTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"key": map[string]interface{}{
				"type":        "string",
				"description": "Memory key to delete",
			},
		},
		"required": []string{"key"},
	}
}

func (t *MemoryDeleteTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	var a memoryKeyArgs
	if err := decodeArgs(args, &a); err != nil {
		return ErrorResult(err.Error())
	}
	if a.Key == "" {
		return ErrorResult("key is required")
	}

	before, err := takeMemorySnapshot(ctx, t.store, a.Key)
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory delete failed: %v", err)).WithError(err)
	}
	if !before.Exists {
		return SilentResult(fmt.Sprintf("no memory stored under %q", a.Key))
	}
	if err := t.store.Delete(ctx, a.Key); err != nil {
		return ErrorResult(fmt.Sprintf("memory delete failed: %v", err)).WithError(err)
	}
	after := &actions.Snapshot{Key: a.Key, Exists: false}

	return NewResult(fmt.Sprintf("Deleted memory %q", a.Key)).WithSnapshots(before, after)
}

func takeMemorySnapshot(ctx context.Context, store *memory.Store, key string) (*actions.Snapshot, error) {
	value, found, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	snap := &actions.Snapshot{Key: key, Exists: found}
	if found {
		snap.Content = []byte(value)
	}
	return snap, nil
}

// MemoryUndoer restores memory snapshots recorded by memory_set and
// memory_delete. Undo writes the before snapshot back; redo reapplies the
// after snapshot.
type MemoryUndoer struct {
	store *memory.Store
}

func NewMemoryUndoer(store *memory.Store) MemoryUndoer {
	return MemoryUndoer{store: store}
}

func (u MemoryUndoer) Undo(ctx context.Context, rec *actions.Record) error {
	return u.apply(ctx, rec.Before)
}

func (u MemoryUndoer) Redo(ctx context.Context, rec *actions.Record) error {
	return u.apply(ctx, rec.After)
}

func (u MemoryUndoer) apply(ctx context.Context, s *actions.Snapshot) error {
	if s == nil || s.Key == "" {
		return fmt.Errorf("record carries no memory snapshot")
	}
	if !s.Exists {
		return u.store.Delete(ctx, s.Key)
	}
	return u.store.Set(ctx, s.Key, string(s.Content))
}
