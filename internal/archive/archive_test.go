package archive

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Dicklesworthstone/agent-mail/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	s, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func gitOut(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func TestRepoInitAndCommit(t *testing.T) {
	s := newTestStore(t)
	repo, err := s.Repo("r1")
	if err != nil {
		t.Fatalf("Repo: %v", err)
	}
	if err := repo.WriteFile("messages/2026/08/1.md", []byte("hello\n")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	sha, err := repo.Commit(context.Background(), []string{"messages/2026/08/1.md"},
		Author{Name: "GreenCastle", Email: "greencastle@agents.local"}, "deliver message 1")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if sha == "" || repo.Head() != sha {
		t.Fatalf("HEAD = %q, want %q", repo.Head(), sha)
	}
	if an := gitOut(t, repo.Dir(), "log", "-1", "--format=%an <%ae>"); an != "GreenCastle <greencastle@agents.local>" {
		t.Fatalf("author = %q", an)
	}
	// No lock files remain.
	if _, err := os.Stat(filepath.Join(repo.Dir(), ".git", "agent-mail.lock")); !os.IsNotExist(err) {
		t.Fatal("commit lock left behind")
	}
}

func TestWriteFileRejectsEscape(t *testing.T) {
	s := newTestStore(t)
	repo, _ := s.Repo("r1")
	err := repo.WriteFile("../outside.md", []byte("x"))
	if !model.IsKind(err, model.KindValidation) {
		t.Fatalf("want VALIDATION, got %v", err)
	}
}

func TestStaleLockRecovery(t *testing.T) {
	s := newTestStore(t)
	repo, _ := s.Repo("r1")
	// A dead PID holds the lock.
	lock := filepath.Join(repo.Dir(), ".git", "agent-mail.lock")
	if err := os.WriteFile(lock, []byte("999999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := repo.WriteFile("f.md", []byte("x\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Commit(context.Background(), []string{"f.md"},
		Author{Name: "A", Email: "a@x"}, "m"); err != nil {
		t.Fatalf("commit should recover stale lock: %v", err)
	}
}

func TestAttachmentOversizeRejectedByMetadata(t *testing.T) {
	s := newTestStore(t)
	s.MaxAttachmentBytes = 16
	repo, _ := s.Repo("r1")
	src := filepath.Join(repo.Dir(), "big.bin")
	if err := os.WriteFile(src, make([]byte, 64), 0o644); err != nil {
		t.Fatal(err)
	}
	_, _, err := s.StoreAttachment(repo, "big.bin", 1)
	if !model.IsKind(err, model.KindOversize) {
		t.Fatalf("want OVERSIZE, got %v", err)
	}
}

func TestAttachmentContainment(t *testing.T) {
	s := newTestStore(t)
	repo, _ := s.Repo("r1")
	outside := filepath.Join(t.TempDir(), "leak.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.StoreAttachment(repo, outside, 1); !model.IsKind(err, model.KindValidation) {
		t.Fatalf("want VALIDATION for outside path, got %v", err)
	}
	s.AllowAbsolutePaths = true
	if _, _, err := s.StoreAttachment(repo, outside, 1); err != nil {
		t.Fatalf("allow_absolute_paths should permit: %v", err)
	}
}

func TestQueueBatchesByAuthor(t *testing.T) {
	s := newTestStore(t)
	q := NewQueue(s, nil, QueueOptions{CoalesceDelay: 50 * time.Millisecond}, nil)
	ctx := context.Background()

	a := Author{Name: "A", Email: "a@agents.local"}
	b := Author{Name: "B", Email: "b@agents.local"}
	reqs := []Request{
		{Slug: "r1", Path: "w/a1.md", Data: []byte("a1\n"), Author: a, Message: "a1"},
		{Slug: "r1", Path: "w/a2.md", Data: []byte("a2\n"), Author: a, Message: "a2"},
		{Slug: "r1", Path: "w/b1.md", Data: []byte("b1\n"), Author: b, Message: "b1"},
		{Slug: "r1", Path: "w/a3.md", Data: []byte("a3\n"), Author: a, Message: "a3"},
	}
	for i := range reqs {
		if err := q.Enqueue(ctx, reqs[i]); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	repo, _ := s.Repo("r1")
	authors := strings.Split(gitOut(t, repo.Dir(), "log", "--format=%an"), "\n")
	// Newest first: A (a3), B (b1), A (a1+a2).
	want := []string{"A", "B", "A"}
	if len(authors) != len(want) {
		t.Fatalf("commit count = %d (%v), want %d", len(authors), authors, len(want))
	}
	for i := range want {
		if authors[i] != want[i] {
			t.Fatalf("authors = %v, want %v", authors, want)
		}
	}
	// The oldest commit contains both of A's first writes.
	oldest := strings.Split(gitOut(t, repo.Dir(), "log", "--format=%H"), "\n")
	files := gitOut(t, repo.Dir(), "show", "--name-only", "--format=", oldest[len(oldest)-1])
	if !strings.Contains(files, "w/a1.md") || !strings.Contains(files, "w/a2.md") {
		t.Fatalf("first commit files:\n%s", files)
	}
	if q.Depth() != 0 {
		t.Fatalf("depth = %d after drain", q.Depth())
	}
}

func TestQueueBurstDrainDepthZero(t *testing.T) {
	s := newTestStore(t)
	q := NewQueue(s, nil, QueueOptions{CoalesceDelay: 10 * time.Millisecond}, nil)
	ctx := context.Background()
	a := Author{Name: "A", Email: "a@x"}
	for i := 0; i < 100; i++ {
		req := Request{
			Slug: "r1", Path: fmt.Sprintf("w/%d.md", i),
			Data: []byte("x\n"), Author: a, Message: "w",
		}
		if err := q.Enqueue(ctx, req); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if q.Depth() != 0 {
		t.Fatalf("final depth = %d, want 0", q.Depth())
	}
	repo, _ := s.Repo("r1")
	count := gitOut(t, repo.Dir(), "rev-list", "--count", "HEAD")
	if count == "0" {
		t.Fatal("no commits after drain")
	}
	files := gitOut(t, repo.Dir(), "ls-tree", "-r", "--name-only", "HEAD")
	for i := 0; i < 100; i++ {
		name := fmt.Sprintf("w/%d.md", i)
		if !strings.Contains(files, name) {
			t.Fatalf("%s missing from HEAD", name)
		}
	}
}

func TestQueueRejectsAfterClose(t *testing.T) {
	s := newTestStore(t)
	q := NewQueue(s, nil, QueueOptions{}, nil)
	if err := q.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := q.Enqueue(context.Background(), Request{Slug: "r1", Path: "x", Data: []byte("x"), Author: Author{Name: "A", Email: "a@x"}})
	if !model.IsKind(err, model.KindShutdown) {
		t.Fatalf("want SHUTDOWN, got %v", err)
	}
}

func TestSignalDebounce(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Repo("r1"); err != nil {
		t.Fatal(err)
	}
	sig := NewSignaler(s, 50*time.Millisecond, nil)
	for i := 0; i < 10; i++ {
		sig.Touch("r1", "GreenCastle")
	}
	sig.Close()

	repo, _ := s.Repo("r1")
	path := filepath.Join(repo.Dir(), "agents", "GreenCastle", "inbox", SignalFileName)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("signal file missing: %v", err)
	}
}

func TestWatchInboxSeesSignal(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Repo("r1"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ticks, err := s.WatchInbox(ctx, "r1", "GreenCastle")
	if err != nil {
		t.Fatalf("WatchInbox: %v", err)
	}

	sig := NewSignaler(s, 20*time.Millisecond, nil)
	sig.Touch("r1", "GreenCastle")

	select {
	case <-ticks:
	case <-time.After(5 * time.Second):
		t.Fatal("no tick after signal")
	}
	sig.Close()
}

func TestRenderMessageFrontMatter(t *testing.T) {
	thread := "bd-123"
	m := &model.Message{
		ID: 7, From: "GreenCastle", Subject: "S", Body: "B",
		Importance: model.ImportanceHigh, ThreadID: &thread,
		Created: 1700000000000000, AckRequired: true,
	}
	out := string(RenderMessage(m, "r1", []string{"BlueLake"}, nil, nil))
	for _, want := range []string{
		"id: 7\n", "project: r1\n", "from: GreenCastle\n", "to: BlueLake\n",
		"importance: high\n", "thread: bd-123\n", "created_us: 1700000000000000\n",
		"ack_required: true\n", "# S\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("front matter missing %q:\n%s", want, out)
		}
	}
}

func TestLoadActiveReservations(t *testing.T) {
	s := newTestStore(t)
	repo, _ := s.Repo("r1")
	now := model.Now()

	active := &model.FileReservation{
		ID: 1, AgentName: "GreenCastle", Patterns: []string{"src/**"},
		Exclusive: true, Created: now, Expires: now.Add(time.Hour),
	}
	rel := now.Add(-time.Minute)
	released := &model.FileReservation{
		ID: 2, AgentName: "BlueLake", Patterns: []string{"docs/**"},
		Created: now, Expires: now.Add(time.Hour), Released: &rel,
	}
	expired := &model.FileReservation{
		ID: 3, AgentName: "BlueLake", Patterns: []string{"web/**"},
		Created: now.Add(-2 * time.Hour), Expires: now.Add(-time.Hour),
	}
	for _, r := range []*model.FileReservation{active, released, expired} {
		data, err := RenderReservation(r, false)
		if err != nil {
			t.Fatal(err)
		}
		if err := repo.WriteFile(ReservationPath(r.ID), data); err != nil {
			t.Fatal(err)
		}
	}

	got, err := repo.LoadActiveReservations(model.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("active = %+v, want only id 1", got)
	}
}
