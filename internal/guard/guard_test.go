package guard

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Dicklesworthstone/agent-mail/internal/archive"
	"github.com/Dicklesworthstone/agent-mail/internal/model"
)

func TestParseNameStatus(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want []string
	}{
		{"modify and add", "M\x00src/lib.rs\x00A\x00src/new.rs\x00", []string{"src/lib.rs", "src/new.rs"}},
		{"rename keeps both paths", "R100\x00src/old.rs\x00src/new.rs\x00", []string{"src/old.rs", "src/new.rs"}},
		{"delete", "D\x00docs/gone.md\x00", []string{"docs/gone.md"}},
		{"empty", "", nil},
		{"mixed", "R85\x00a.go\x00b.go\x00M\x00c.go\x00", []string{"a.go", "b.go", "c.go"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := parseNameStatus(c.raw)
			if len(got) != len(c.want) {
				t.Fatalf("got %v, want %v", got, c.want)
			}
			for i := range got {
				if got[i] != c.want[i] {
					t.Fatalf("got %v, want %v", got, c.want)
				}
			}
		})
	}
}

func setupWorkRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@t",
			"GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@t")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-q")
	return dir
}

func writeReservation(t *testing.T, storageRoot, slug string, r *model.FileReservation) {
	t.Helper()
	arch, err := archive.NewStore(storageRoot, nil)
	if err != nil {
		t.Fatal(err)
	}
	repo, err := arch.Repo(slug)
	if err != nil {
		t.Fatal(err)
	}
	data, err := archive.RenderReservation(r, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.WriteFile(archive.ReservationPath(r.ID), data); err != nil {
		t.Fatal(err)
	}
}

func TestGuardBlocksForeignReservation(t *testing.T) {
	work := setupWorkRepo(t)
	storage := t.TempDir()
	now := model.Now()
	writeReservation(t, storage, "r1", &model.FileReservation{
		ID: 1, AgentName: "GreenCastle", Patterns: []string{"src/**"},
		Exclusive: true, Created: now, Expires: now.Add(time.Hour),
	})

	// BlueLake stages a file under GreenCastle's lease.
	if err := os.MkdirAll(filepath.Join(work, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(work, "src", "lib.rs"), []byte("fn main() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	add := exec.Command("git", "add", "src/lib.rs")
	add.Dir = work
	if out, err := add.CombinedOutput(); err != nil {
		t.Fatalf("git add: %v\n%s", err, out)
	}

	report, err := Run(context.Background(), Options{
		RepoPath: work, StorageRoot: storage, ProjectSlug: "r1",
		AgentName: "BlueLake", Mode: ModeEnforce,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.Allowed {
		t.Fatal("commit should be blocked")
	}
	if len(report.Blocks) != 1 || report.Blocks[0].Holder != "GreenCastle" || report.Blocks[0].Path != "src/lib.rs" {
		t.Fatalf("blocks = %+v", report.Blocks)
	}
	if report.GlobVersion == "" {
		t.Fatal("report must carry the glob version tag")
	}

	// The holder's own staged paths never block.
	own, err := Run(context.Background(), Options{
		RepoPath: work, StorageRoot: storage, ProjectSlug: "r1",
		AgentName: "GreenCastle", Mode: ModeEnforce,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !own.Allowed {
		t.Fatal("own reservation must not block the holder")
	}

	// Advisory mode reports but allows.
	adv, err := Run(context.Background(), Options{
		RepoPath: work, StorageRoot: storage, ProjectSlug: "r1",
		AgentName: "BlueLake", Mode: ModeAdvisory,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !adv.Allowed || len(adv.Blocks) != 1 {
		t.Fatalf("advisory report = %+v", adv)
	}
}

func TestGuardReverseDirectionParity(t *testing.T) {
	work := setupWorkRepo(t)
	storage := t.TempDir()
	now := model.Now()
	// Reservation is the narrow pattern src/lib.rs: of the two files staged
	// under src/, only src/lib.rs falls under it, so only that path blocks.
	writeReservation(t, storage, "r1", &model.FileReservation{
		ID: 1, AgentName: "GreenCastle", Patterns: []string{"src/lib.rs"},
		Exclusive: true, Created: now, Expires: now.Add(time.Hour),
	})

	if err := os.MkdirAll(filepath.Join(work, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, f := range []string{"lib.rs", "other.rs"} {
		if err := os.WriteFile(filepath.Join(work, "src", f), []byte("x\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	add := exec.Command("git", "add", ".")
	add.Dir = work
	if out, err := add.CombinedOutput(); err != nil {
		t.Fatalf("git add: %v\n%s", err, out)
	}

	report, err := Run(context.Background(), Options{
		RepoPath: work, StorageRoot: storage, ProjectSlug: "r1",
		AgentName: "BlueLake", Mode: ModeEnforce,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Blocks) != 1 || report.Blocks[0].Path != "src/lib.rs" {
		t.Fatalf("blocks = %+v, want exactly src/lib.rs", report.Blocks)
	}
}

func TestInstallUninstallHook(t *testing.T) {
	work := setupWorkRepo(t)
	opts := Options{
		RepoPath: work, StorageRoot: "/data/storage", DBPath: "/data/index.db",
		ProjectSlug: "r1", AgentName: "GreenCastle", Mode: ModeEnforce,
	}
	if err := InstallHook(work, "/usr/local/bin/agent-mail", opts); err != nil {
		t.Fatal(err)
	}
	hookPath := filepath.Join(work, ".git", "hooks", "pre-commit")
	data, err := os.ReadFile(hookPath)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"/data/index.db", "GreenCastle", "agent-mail reservation guard"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("hook missing %q:\n%s", want, data)
		}
	}
	info, _ := os.Stat(hookPath)
	if info.Mode()&0o111 == 0 {
		t.Fatal("hook not executable")
	}
	if err := UninstallHook(work); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(hookPath); !os.IsNotExist(err) {
		t.Fatal("hook not removed")
	}
}


