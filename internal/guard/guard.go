// Package guard enforces file reservations at commit time. It is invoked by
// a Git pre-commit hook, reads the staged paths (rename-aware), loads the
// active reservations from the archive — the source of truth — cross-checks
// the SQLite index, and blocks the commit when a staged path falls under
// another agent's lease.
//
// The conflict test is the same glob implementation the server uses
// (internal/glob), compiled into both binaries and tagged with a version so
// drift is detectable.
package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/Dicklesworthstone/agent-mail/internal/archive"
	"github.com/Dicklesworthstone/agent-mail/internal/db"
	"github.com/Dicklesworthstone/agent-mail/internal/glob"
	"github.com/Dicklesworthstone/agent-mail/internal/model"
)

// Mode selects enforcement behavior.
type Mode string

const (
	// ModeEnforce blocks commits on conflict.
	ModeEnforce Mode = "enforce"
	// ModeAdvisory reports conflicts but allows the commit, with audit.
	ModeAdvisory Mode = "advisory"
)

// Options configures a guard run. The hook bakes these in as absolute paths
// so the guard works outside IDE-provided environments.
type Options struct {
	RepoPath    string // working tree being committed
	StorageRoot string // archive storage root
	DBPath      string // SQLite index (cross-check)
	ProjectSlug string
	AgentName   string // committing agent; own reservations never block
	Mode        Mode
}

// Block is one staged path caught by another agent's reservation.
type Block struct {
	Path          string   `json:"path"`
	ReservationID int64    `json:"reservation_id"`
	Holder        string   `json:"holder"`
	Patterns      []string `json:"patterns"`
	Exclusive     bool     `json:"exclusive"`
}

// Report is the machine-readable result emitted on stdout.
type Report struct {
	GlobVersion string  `json:"glob_version"`
	Mode        Mode    `json:"mode"`
	Agent       string  `json:"agent"`
	StagedPaths int     `json:"staged_paths"`
	Blocks      []Block `json:"blocks"`
	Allowed     bool    `json:"allowed"`
	// IndexDrift lists reservation ids present in the archive but missing
	// from the SQLite index (or vice versa); informational.
	IndexDrift []int64 `json:"index_drift,omitempty"`
}

// Run executes the guard and returns its report. The commit is allowed when
// Report.Allowed is true.
func Run(ctx context.Context, opts Options, log *slog.Logger) (*Report, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.Mode == "" {
		opts.Mode = ModeEnforce
	}

	staged, err := stagedPaths(opts.RepoPath)
	if err != nil {
		return nil, err
	}

	report := &Report{
		GlobVersion: glob.Version,
		Mode:        opts.Mode,
		Agent:       opts.AgentName,
		StagedPaths: len(staged),
	}
	if len(staged) == 0 {
		report.Allowed = true
		return report, nil
	}

	arch, err := archive.NewStore(opts.StorageRoot, log)
	if err != nil {
		return nil, err
	}
	repo, err := arch.Repo(opts.ProjectSlug)
	if err != nil {
		return nil, err
	}
	now := model.Now()
	artifacts, err := repo.LoadActiveReservations(now)
	if err != nil {
		return nil, err
	}

	report.IndexDrift = crossCheckIndex(ctx, opts, artifacts, now, log)

	for _, path := range staged {
		for _, r := range artifacts {
			if r.Agent == opts.AgentName {
				continue
			}
			if glob.OverlapsAny(r.Patterns, []string{path}) {
				report.Blocks = append(report.Blocks, Block{
					Path:          path,
					ReservationID: r.ID,
					Holder:        r.Agent,
					Patterns:      r.Patterns,
					Exclusive:     r.Exclusive,
				})
			}
		}
	}

	report.Allowed = len(report.Blocks) == 0 || opts.Mode == ModeAdvisory
	if len(report.Blocks) > 0 && opts.Mode == ModeAdvisory {
		log.Warn("advisory mode: commit allowed despite conflicts",
			"agent", opts.AgentName, "blocks", len(report.Blocks))
	}
	return report, nil
}

// crossCheckIndex compares archive artifacts with the SQLite index. The
// archive stays authoritative; disagreements are reported, never fatal —
// the guard must work even when the index is unreachable.
func crossCheckIndex(ctx context.Context, opts Options, artifacts []archive.ReservationArtifact, now model.Micros, log *slog.Logger) []int64 {
	if opts.DBPath == "" {
		return nil
	}
	store, err := db.Open(ctx, opts.DBPath, db.Options{Readers: 1}, log)
	if err != nil {
		log.Warn("index unreachable for cross-check", "err", err)
		return nil
	}
	defer store.Close()

	project, err := store.ProjectBySlug(ctx, opts.ProjectSlug)
	if err != nil {
		return nil
	}
	rows, err := store.ActiveReservations(ctx, project.ID, now)
	if err != nil {
		return nil
	}
	inIndex := make(map[int64]bool, len(rows))
	for _, r := range rows {
		inIndex[r.ID] = true
	}
	inArchive := make(map[int64]bool, len(artifacts))
	var drift []int64
	for _, a := range artifacts {
		inArchive[a.ID] = true
		if !inIndex[a.ID] {
			drift = append(drift, a.ID)
		}
	}
	for id := range inIndex {
		if !inArchive[id] {
			drift = append(drift, id)
		}
	}
	if len(drift) > 0 {
		log.Warn("archive and index disagree on active reservations", "ids", drift)
	}
	return drift
}

// stagedPaths returns every path the pending commit touches. Renames
// contribute both the old and the new path.
func stagedPaths(repoPath string) ([]string, error) {
	cmd := exec.Command("git", "diff", "--cached", "--name-status", "-M", "-z")
	cmd.Dir = repoPath
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	if err := cmd.Run(); err != nil {
		return nil, model.Wrap(model.KindIO, err, "read staged paths: %s", strings.TrimSpace(errb.String()))
	}
	return parseNameStatus(out.String()), nil
}

// parseNameStatus decodes `git diff --name-status -z` output. Records are
// NUL-separated: STATUS, path, and for renames/copies a second path.
func parseNameStatus(raw string) []string {
	fields := strings.Split(raw, "\x00")
	var paths []string
	for i := 0; i < len(fields); {
		status := fields[i]
		if status == "" {
			break
		}
		// Renames and copies carry two paths; everything else carries one.
		n := 2
		if status[0] == 'R' || status[0] == 'C' {
			n = 3
		}
		for j := i + 1; j < i+n && j < len(fields); j++ {
			if fields[j] != "" {
				paths = append(paths, fields[j])
			}
		}
		i += n
	}
	return paths
}

// hookScript is the pre-commit hook the server installs. Absolute paths are
// baked in so the guard resolves its inputs without any environment help.
const hookScript = `#!/bin/sh
# agent-mail reservation guard (glob v%s)
exec %s guard \
  --repo "%s" \
  --storage-root "%s" \
  --db "%s" \
  --project "%s" \
  --agent "%s" \
  --mode "%s"
`

// InstallHook writes .git/hooks/pre-commit into repoPath. An existing
// foreign hook is preserved under pre-commit.pre-agent-mail.
func InstallHook(repoPath, binaryPath string, opts Options) error {
	hookDir := fmt.Sprintf("%s/.git/hooks", repoPath)
	if err := os.MkdirAll(hookDir, 0o755); err != nil {
		return model.Wrap(model.KindIO, err, "create hooks dir")
	}
	hookPath := hookDir + "/pre-commit"
	if data, err := os.ReadFile(hookPath); err == nil && !strings.Contains(string(data), "agent-mail reservation guard") {
		if err := os.Rename(hookPath, hookPath+".pre-agent-mail"); err != nil {
			return model.Wrap(model.KindIO, err, "preserve existing hook")
		}
	}
	script := fmt.Sprintf(hookScript, glob.Version, binaryPath,
		opts.RepoPath, opts.StorageRoot, opts.DBPath, opts.ProjectSlug, opts.AgentName, opts.Mode)
	if err := os.WriteFile(hookPath, []byte(script), 0o755); err != nil {
		return model.Wrap(model.KindIO, err, "write pre-commit hook")
	}
	return nil
}

// UninstallHook removes the guard hook, restoring any preserved one.
func UninstallHook(repoPath string) error {
	hookPath := repoPath + "/.git/hooks/pre-commit"
	data, err := os.ReadFile(hookPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return model.Wrap(model.KindIO, err, "read hook")
	}
	if !strings.Contains(string(data), "agent-mail reservation guard") {
		return model.Errf(model.KindValidation, "pre-commit hook was not installed by agent-mail")
	}
	if err := os.Remove(hookPath); err != nil {
		return model.Wrap(model.KindIO, err, "remove hook")
	}
	if _, err := os.Stat(hookPath + ".pre-agent-mail"); err == nil {
		return os.Rename(hookPath+".pre-agent-mail", hookPath)
	}
	return nil
}

// PrintReport writes the machine-readable report to w-like stdout.
func PrintReport(r *Report) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
