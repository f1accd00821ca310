package store

import (
	"testing"

	"github.com/dukerupert/upkeep/internal/model"
)

func TestOperatorUpsertIsIdempotent(t *testing.T) {
	opStore := NewOperatorStore(setupTestDB(t))

	for _, id := range []string{"alice@example.com", "bob@example.com", "alice@example.com"} {
		if err := opStore.Upsert(id); err != nil {
			t.Fatalf("upsert %q: %v", id, err)
		}
	}
	if err := opStore.Upsert("  "); err == nil {
		t.Error("expected error for blank identity")
	}

	ops, err := opStore.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("len(operators) = %d, want 2", len(ops))
	}
	if ops[0].Identity != "alice@example.com" {
		t.Errorf("first operator = %q, want alice@example.com", ops[0].Identity)
	}
}

func TestNotifyOperators(t *testing.T) {
	db := setupTestDB(t)
	ops := NewOperatorStore(db)
	ns := NewNotificationStore(db)

	ops.Upsert("alice@example.com")
	ops.Upsert("bob@example.com")

	n, err := ns.NotifyOperators(model.Notification{
		Kind:  model.NotificationUpdateAvailable,
		Title: "Update available",
		Body:  "Version 2.2.0 is available",
		Data:  map[string]any{"version": "2.2.0"},
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if n != 2 {
		t.Errorf("notified = %d, want 2", n)
	}

	list, err := ns.List("bob@example.com", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len(bob notifications) = %d, want 1", len(list))
	}
	got := list[0]
	if got.Kind != model.NotificationUpdateAvailable {
		t.Errorf("kind = %q, want %q", got.Kind, model.NotificationUpdateAvailable)
	}
	if got.Data["version"] != "2.2.0" {
		t.Errorf("data.version = %v, want 2.2.0", got.Data["version"])
	}
	if got.ReadAt != nil {
		t.Error("new notification should be unread")
	}

	if err := ns.MarkRead(got.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	list, _ = ns.List("bob@example.com", 10)
	if list[0].ReadAt == nil {
		t.Error("expected read_at to be set")
	}

	all, _ := ns.List("", 10)
	if len(all) != 2 {
		t.Errorf("len(all notifications) = %d, want 2", len(all))
	}
}

func TestNotifyWithoutOperators(t *testing.T) {
	ns := NewNotificationStore(setupTestDB(t))

	n, err := ns.NotifyOperators(model.Notification{Kind: model.NotificationUpdateFailed, Title: "t", Body: "b"})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if n != 0 {
		t.Errorf("notified = %d, want 0", n)
	}
}
