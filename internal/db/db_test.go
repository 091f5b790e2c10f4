package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Dicklesworthstone/agent-mail/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	s, err := Open(context.Background(), path, Options{Readers: 4}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedProjectAgent(t *testing.T, s *Store, key, name string) (*model.Project, *model.Agent) {
	t.Helper()
	ctx := context.Background()
	p, err := s.EnsureProject(ctx, key)
	if err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	a, err := s.RegisterAgent(ctx, p.ID, name, "claude-code", "opus", "")
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	return p, a
}

func TestMigrateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	ctx := context.Background()
	s, err := Open(ctx, path, Options{}, nil)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	s2, err := Open(ctx, path, Options{}, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = s2.Close()
}

func TestEnsureProjectIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p1, err := s.EnsureProject(ctx, "/r1")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	p2, err := s.EnsureProject(ctx, "/r1")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if p1.ID != p2.ID || p1.Slug != p2.Slug {
		t.Fatalf("not idempotent: %+v vs %+v", p1, p2)
	}
}

func TestRegisterAgentIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p, a1 := seedProjectAgent(t, s, "/r1", "GreenCastle")
	a2, err := s.RegisterAgent(ctx, p.ID, "GreenCastle", "claude-code", "opus-4", "")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if a1.ID != a2.ID {
		t.Fatalf("id changed on re-register: %d vs %d", a1.ID, a2.ID)
	}
	if a2.Model != "opus-4" {
		t.Fatalf("model not refreshed: %q", a2.Model)
	}
}

func TestRegisterAgentRejectsBadName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p, _ := seedProjectAgent(t, s, "/r1", "GreenCastle")
	_, err := s.RegisterAgent(ctx, p.ID, "lowercase", "x", "y", "")
	if !model.IsKind(err, model.KindValidation) {
		t.Fatalf("want VALIDATION, got %v", err)
	}
}

func TestInboxOrderingNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p, sender := seedProjectAgent(t, s, "/r1", "GreenCastle")
	recipient, err := s.RegisterAgent(ctx, p.ID, "BlueLake", "claude-code", "opus", "")
	if err != nil {
		t.Fatal(err)
	}

	var ids []int64
	for i := 0; i < 5; i++ {
		id, _, err := s.InsertMessage(ctx, NewMessage{
			ProjectID: p.ID, SenderID: sender.ID,
			Subject: "S", Body: "B", Importance: model.ImportanceNormal,
			Recipients: []NewRecipient{{AgentID: recipient.ID, Kind: model.FieldTo}},
		})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	inbox, err := s.FetchInbox(ctx, p.ID, recipient.ID, InboxFilter{})
	if err != nil {
		t.Fatalf("FetchInbox: %v", err)
	}
	if len(inbox) != 5 {
		t.Fatalf("inbox size = %d", len(inbox))
	}
	for i := 1; i < len(inbox); i++ {
		prev, cur := inbox[i-1], inbox[i]
		if cur.Created > prev.Created || (cur.Created == prev.Created && cur.ID > prev.ID) {
			t.Fatalf("ordering violated at %d: (%d,%d) before (%d,%d)",
				i, prev.Created, prev.ID, cur.Created, cur.ID)
		}
	}
	// Ids are strictly increasing across sends.
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("message ids not strictly increasing: %v", ids)
		}
	}
}

func TestMarkReadAndAcknowledgeIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p, sender := seedProjectAgent(t, s, "/r1", "GreenCastle")
	rcpt, _ := s.RegisterAgent(ctx, p.ID, "BlueLake", "c", "m", "")
	id, _, err := s.InsertMessage(ctx, NewMessage{
		ProjectID: p.ID, SenderID: sender.ID, Subject: "S", Body: "B",
		Importance: model.ImportanceNormal, AckRequired: true,
		Recipients: []NewRecipient{{AgentID: rcpt.ID, Kind: model.FieldTo}},
	})
	if err != nil {
		t.Fatal(err)
	}

	first, err := s.MarkRead(ctx, id, rcpt.ID)
	if err != nil || !first {
		t.Fatalf("first MarkRead = %v, %v", first, err)
	}
	second, err := s.MarkRead(ctx, id, rcpt.ID)
	if err != nil || second {
		t.Fatalf("second MarkRead should be a no-op: %v, %v", second, err)
	}

	acked, err := s.Acknowledge(ctx, id, rcpt.ID)
	if err != nil || !acked {
		t.Fatalf("Acknowledge = %v, %v", acked, err)
	}
	again, err := s.Acknowledge(ctx, id, rcpt.ID)
	if err != nil || again {
		t.Fatalf("second Acknowledge should be a no-op: %v, %v", again, err)
	}

	_, err = s.MarkRead(ctx, 999999, rcpt.ID)
	if !model.IsKind(err, model.KindNotFound) {
		t.Fatalf("want NOT_FOUND for unknown message, got %v", err)
	}
}

func TestReleaseReturningExactRowsAndIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p, a := seedProjectAgent(t, s, "/r1", "GreenCastle")
	now := model.Now()
	r, err := s.InsertReservation(ctx, p.ID, a.ID, []string{"src/**"}, "edit", true, now, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("InsertReservation: %v", err)
	}

	released, err := s.ReleaseReservations(ctx, p.ID, []int64{r.ID}, a.ID, model.Now(), "")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(released) != 1 || released[0].ID != r.ID {
		t.Fatalf("returned rows = %+v", released)
	}
	if released[0].Released == nil {
		t.Fatal("released_us not set in returned row")
	}

	// Releasing an already-released id yields an empty rowset, not an error.
	again, err := s.ReleaseReservations(ctx, p.ID, []int64{r.ID}, a.ID, model.Now(), "")
	if err != nil {
		t.Fatalf("second release: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second release returned rows: %+v", again)
	}
}

func TestRenewPreservesIDUpdatesExpiry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p, a := seedProjectAgent(t, s, "/r1", "GreenCastle")
	now := model.Now()
	r, err := s.InsertReservation(ctx, p.ID, a.ID, []string{"src/**"}, "", true, now, now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	newExpiry := now.Add(2 * time.Hour)
	renewed, err := s.RenewReservations(ctx, p.ID, a.ID, []int64{r.ID}, newExpiry, model.Now())
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if len(renewed) != 1 || renewed[0].ID != r.ID {
		t.Fatalf("renewed = %+v", renewed)
	}
	if renewed[0].Expires != newExpiry {
		t.Fatalf("expires = %d, want %d", renewed[0].Expires, newExpiry)
	}
	if renewed[0].Created != now {
		t.Fatalf("created_us changed on renew")
	}
}

func TestSearchMessagesFTS(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p, sender := seedProjectAgent(t, s, "/r1", "GreenCastle")
	rcpt, _ := s.RegisterAgent(ctx, p.ID, "BlueLake", "c", "m", "")
	subjects := []string{"deploy pipeline broken", "lunch plans", "pipeline fixed"}
	for _, subj := range subjects {
		if _, _, err := s.InsertMessage(ctx, NewMessage{
			ProjectID: p.ID, SenderID: sender.ID, Subject: subj, Body: "body " + subj,
			Importance: model.ImportanceNormal,
			Recipients: []NewRecipient{{AgentID: rcpt.ID, Kind: model.FieldTo}},
		}); err != nil {
			t.Fatal(err)
		}
	}

	res, err := s.SearchMessages(ctx, p.ID, "pipeline", SearchFilter{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("search hits = %d, want 2", len(res))
	}
	// Newest first.
	if res[0].Message.Created < res[1].Message.Created {
		t.Fatal("search results not newest-first")
	}

	// Hostile input falls back to the empty plan, not an FTS error.
	res, err = s.SearchMessages(ctx, p.ID, `"); DROP TABLE messages; --`, SearchFilter{})
	if err != nil {
		t.Fatalf("hostile query: %v", err)
	}
	for _, r := range res {
		if r.Message.ProjectID != p.ID {
			t.Fatal("cross-project leak")
		}
	}

	res, err = s.SearchMessages(ctx, p.ID, "   ", SearchFilter{})
	if err != nil || res != nil {
		t.Fatalf("empty query: %v, %v", res, err)
	}
}

func TestSanitizeFTSQuery(t *testing.T) {
	cases := []struct{ in, want string }{
		{"pipeline", `"pipeline"`},
		{"NEAR(a b)", `"NEAR" AND "a" AND "b"`},
		{`foo OR "bar*`, `"foo" AND "OR" AND "bar"`},
		{"!!!", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := sanitizeFTSQuery(c.in); got != c.want {
			t.Errorf("sanitizeFTSQuery(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestBuildSlotConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p, a := seedProjectAgent(t, s, "/r1", "GreenCastle")
	b, _ := s.RegisterAgent(ctx, p.ID, "BlueLake", "c", "m", "")
	now := model.Now()

	if _, err := s.AcquireBuildSlot(ctx, p.ID, a.ID, "cargo", now, now.Add(time.Minute)); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err := s.AcquireBuildSlot(ctx, p.ID, b.ID, "cargo", model.Now(), model.Now().Add(time.Minute))
	if !model.IsKind(err, model.KindConflict) {
		t.Fatalf("want CONFLICT, got %v", err)
	}
	// Holder re-acquires (renew path).
	if _, err := s.AcquireBuildSlot(ctx, p.ID, a.ID, "cargo", model.Now(), model.Now().Add(2*time.Minute)); err != nil {
		t.Fatalf("re-acquire by holder: %v", err)
	}
	released, err := s.ReleaseBuildSlot(ctx, p.ID, a.ID, "cargo", model.Now())
	if err != nil || !released {
		t.Fatalf("release: %v %v", released, err)
	}
	if _, err := s.AcquireBuildSlot(ctx, p.ID, b.ID, "cargo", model.Now(), model.Now().Add(time.Minute)); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestContactLinkPairUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p, a := seedProjectAgent(t, s, "/r1", "GreenCastle")
	b, _ := s.RegisterAgent(ctx, p.ID, "BlueLake", "c", "m", "")

	l1, err := s.UpsertContactLink(ctx, p.ID, a.ID, p.ID, b.ID, model.ContactRequested)
	if err != nil {
		t.Fatal(err)
	}
	// Reversed order resolves to the same row.
	l2, err := s.UpsertContactLink(ctx, p.ID, b.ID, p.ID, a.ID, model.ContactActive)
	if err != nil {
		t.Fatal(err)
	}
	if l1.ID != l2.ID {
		t.Fatalf("pair not unique: %d vs %d", l1.ID, l2.ID)
	}
	if l2.Status != model.ContactActive {
		t.Fatalf("status = %q", l2.Status)
	}
	// A later request never demotes an active link.
	l3, err := s.UpsertContactLink(ctx, p.ID, a.ID, p.ID, b.ID, model.ContactRequested)
	if err != nil {
		t.Fatal(err)
	}
	if l3.Status != model.ContactActive {
		t.Fatalf("active link demoted to %q", l3.Status)
	}
}

func TestPoolExhaustionBoundedWait(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	ctx := context.Background()
	s, err := Open(ctx, path, Options{Readers: 2, AcquireWait: 5 * time.Second}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.EnsureProject(ctx, "/r1"); err != nil {
		t.Fatal(err)
	}

	// 4x readers over pool size; every acquisition completes within the
	// bounded wait with zero timeouts.
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := s.ListProjects(ctx)
			errs <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("reader %d: %v", i, err)
		}
	}
}
