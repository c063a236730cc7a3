package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"eda-agent/dataset"
	apperrors "eda-agent/errors"
	"eda-agent/utils"

	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*Manager, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewManager(store, t.TempDir(), zap.NewNop()), store
}

func mustParse(t *testing.T, name, body string) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.Parse(name, strings.NewReader(body))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return ds
}

func TestMemoryStoreOrderingAndIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := store.CreateSession(ctx, id); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}
	if _, err := store.CreateSession(ctx, "a"); !apperrors.IsInvalidInput(err) {
		t.Errorf("duplicate session should be rejected, got %v", err)
	}

	for i, content := range []string{"q1", "a1", "q2", "a2"} {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		if err := store.AppendMessage(ctx, Message{ID: content, SessionID: "a", Role: role, Content: content}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	if err := store.AppendMessage(ctx, Message{ID: "x", SessionID: "b", Role: RoleUser, Content: "other"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	msgs, err := store.Messages(ctx, "a")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	var got []string
	for _, m := range msgs {
		got = append(got, m.Content)
	}
	if strings.Join(got, ",") != "q1,a1,q2,a2" {
		t.Errorf("transcript a = %v", got)
	}
	other, _ := store.Messages(ctx, "b")
	if len(other) != 1 || other[0].Content != "other" {
		t.Errorf("transcript b = %+v", other)
	}

	if err := store.AppendMessage(ctx, Message{ID: "y", SessionID: "missing"}); !apperrors.IsNotFound(err) {
		t.Errorf("append to missing session: %v", err)
	}
	if _, err := store.Messages(ctx, "missing"); !apperrors.IsNotFound(err) {
		t.Errorf("messages of missing session: %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.CreateSession(ctx, "a")
	store.AppendMessage(ctx, Message{ID: "m", SessionID: "a", Role: RoleAssistant, Content: "x", Chart: &Chart{File: "c.png"}})

	msgs, _ := store.Messages(ctx, "a")
	msgs[0].Content = "changed"
	msgs[0].Chart.File = "changed.png"

	again, _ := store.Messages(ctx, "a")
	if again[0].Content != "x" || again[0].Chart.File != "c.png" {
		t.Errorf("store was mutated through a returned message: %+v", again[0])
	}
}

func TestMemoryStoreStaleSessions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }
	store.CreateSession(ctx, "old")
	clock = clock.Add(48 * time.Hour)
	store.CreateSession(ctx, "new")

	stale, err := store.StaleSessions(ctx, clock.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("StaleSessions: %v", err)
	}
	if len(stale) != 1 || stale[0] != "old" {
		t.Errorf("StaleSessions = %v", stale)
	}

	store.AppendMessage(ctx, Message{ID: "m", SessionID: "old", Role: RoleUser})
	stale, _ = store.StaleSessions(ctx, clock.Add(-24*time.Hour))
	if len(stale) != 0 {
		t.Errorf("activity should refresh the session, got %v", stale)
	}
}

func TestEnsureCreatesSessionForUnknownIDs(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	id, created, err := m.Ensure(ctx, "")
	if err != nil || !created || !utils.IsValidSessionID(id) {
		t.Fatalf("Ensure(\"\") = %q, %v, %v", id, created, err)
	}
	same, created, err := m.Ensure(ctx, id)
	if err != nil || created || same != id {
		t.Errorf("Ensure(existing) = %q, %v, %v", same, created, err)
	}
	fresh, created, _ := m.Ensure(ctx, "11111111-1111-1111-1111-111111111111")
	if !created || fresh == "11111111-1111-1111-1111-111111111111" {
		t.Error("unknown ids must not be adopted")
	}
	if info, err := os.Stat(m.WorkspacePath(id)); err != nil || !info.IsDir() {
		t.Errorf("workspace not created: %v", err)
	}
}

func TestResetProducesDistinctSessionWithEmptyTranscript(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	id, err := m.New(ctx)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ds := mustParse(t, "sales.csv", "a,b\n1,2\n")
	if err := m.SetDataset(ctx, id, ds); err != nil {
		t.Fatalf("SetDataset: %v", err)
	}
	m.SetCredential(id, "key")
	m.AppendMessage(ctx, Message{ID: utils.GenerateMessageID(), SessionID: id, Role: RoleUser, Content: "q"})
	_ = m.TakePreview(id)

	var deleted []string
	m.OnDelete(func(sid string) { deleted = append(deleted, sid) })

	seen := map[string]bool{id: true}
	current := id
	for i := 0; i < 5; i++ {
		next, err := m.Reset(ctx, current)
		if err != nil {
			t.Fatalf("Reset: %v", err)
		}
		if seen[next] {
			t.Fatalf("Reset reused session id %s", next)
		}
		seen[next] = true

		msgs, err := m.Messages(ctx, next)
		if err != nil {
			t.Fatalf("Messages: %v", err)
		}
		if len(msgs) != 0 {
			t.Errorf("transcript after reset has %d messages", len(msgs))
		}
		if _, err := store.GetSession(ctx, current); !apperrors.IsNotFound(err) {
			t.Errorf("old session still stored: %v", err)
		}
		if _, err := os.Stat(m.WorkspacePath(current)); !os.IsNotExist(err) {
			t.Errorf("old workspace still present: %v", err)
		}
		current = next
	}

	if len(deleted) != 5 || deleted[0] != id {
		t.Errorf("delete hooks ran for %v", deleted)
	}

	carried, file := m.Dataset(current)
	if carried != ds || file != "sales.csv" {
		t.Errorf("dataset not carried over: %v %q", carried, file)
	}
	if _, err := os.Stat(filepath.Join(m.WorkspacePath(current), "sales.csv")); err != nil {
		t.Errorf("dataset file missing from new workspace: %v", err)
	}
	if m.Credential(current) != "key" {
		t.Error("credential not carried over")
	}
	if m.TakePreview(current) != ds {
		t.Error("preview should be shown again after reset")
	}
	notices := m.TakeNotices(current)
	if len(notices) != 1 || notices[0].Text != RestartNotice {
		t.Errorf("notices = %+v", notices)
	}
	if len(m.TakeNotices(current)) != 0 {
		t.Error("notices must be shown once")
	}
}

func TestDeletedSessionStateIsNotRecreated(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	id, _ := m.New(ctx)
	if err := m.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if ds, file := m.Dataset(id); ds != nil || file != "" {
		t.Errorf("Dataset after delete = %v %q", ds, file)
	}
	m.SetCredential(id, "key")
	m.AddNotice(id, NoticeInfo, "late")
	if m.Credential(id) != "" || len(m.TakeNotices(id)) != 0 {
		t.Error("writes to a deleted session must be dropped")
	}
	m.Lock(id)()
	if m.TakePreview(id) != nil {
		t.Error("deleted session has no preview")
	}

	m.mu.Lock()
	_, ok := m.states[id]
	m.mu.Unlock()
	if ok {
		t.Error("state for a deleted session was recreated")
	}
}

func TestResetWaitsForRunningQuestion(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	oldID, _ := m.New(ctx)

	unlock := m.Lock(oldID)
	done := make(chan string, 1)
	go func() {
		newID, err := m.Reset(ctx, oldID)
		if err != nil {
			t.Errorf("Reset: %v", err)
		}
		done <- newID
	}()

	select {
	case <-done:
		t.Fatal("Reset must wait for the question holding the session lock")
	case <-time.After(50 * time.Millisecond):
	}

	// The running question can still save its answer.
	answer := Message{ID: utils.GenerateMessageID(), SessionID: oldID, Role: RoleAssistant, Content: "a"}
	if err := m.AppendMessage(ctx, answer); err != nil {
		t.Fatalf("AppendMessage during reset: %v", err)
	}
	unlock()

	select {
	case newID := <-done:
		if newID == oldID {
			t.Error("Reset reused the session id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Reset did not finish after the lock was released")
	}
}

func TestPreviewShownOncePerLoad(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	id, _ := m.New(ctx)
	ds := mustParse(t, "x.csv", "a\n1\n")
	if err := m.SetDataset(ctx, id, ds); err != nil {
		t.Fatalf("SetDataset: %v", err)
	}
	if m.TakePreview(id) != ds {
		t.Fatal("first render should show the preview")
	}
	if m.TakePreview(id) != nil {
		t.Error("second render should not show the preview")
	}
	sess, _ := store.GetSession(ctx, id)
	if sess.DatasetName != "x.csv" || len(sess.DatasetColumns) != 1 || sess.DatasetColumns[0] != "a" {
		t.Errorf("dataset info = %q %v", sess.DatasetName, sess.DatasetColumns)
	}
}

func TestTitleFromQuestion(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "Quais são os tipos de dados? Existem dados ausentes?", want: "Quais são os tipos de dados?"},
		{in: "  mean   of price  ", want: "mean of price"},
		{in: "", want: ""},
		{
			in:   "Gere os gráficos de outliers das variáveis que podem ser usadas e coloque lado a lado",
			want: "Gere os gráficos de outliers das variáveis que podem ser...",
		},
	}
	for _, tt := range tests {
		if got := TitleFromQuestion(tt.in); got != tt.want {
			t.Errorf("TitleFromQuestion(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMaybeSetTitleOnlyForFirstQuestion(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	id, _ := m.New(ctx)

	m.MaybeSetTitle(ctx, id, "First question. More text.", 0)
	m.MaybeSetTitle(ctx, id, "Second question.", 2)

	sess, _ := store.GetSession(ctx, id)
	if sess.Title != "First question." {
		t.Errorf("Title = %q", sess.Title)
	}
}
