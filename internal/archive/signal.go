package archive

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Dicklesworthstone/agent-mail/internal/util"
)

// SignalFileName is the marker watchers observe inside an agent's inbox
// directory (e.g. with fsnotify).
const SignalFileName = ".signal"

// Signaler touches a marker file in an agent's inbox directory after a
// commit that affects that inbox. Touches are debounced per agent so a
// burst of deliveries produces one wakeup, not a storm.
type Signaler struct {
	store  *Store
	window time.Duration
	log    *slog.Logger

	mu       sync.Mutex
	inflight map[string]*time.Timer
	stopped  bool
	wg       sync.WaitGroup
}

// NewSignaler builds a signaler with the given debounce window.
func NewSignaler(store *Store, window time.Duration, log *slog.Logger) *Signaler {
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Signaler{
		store:    store,
		window:   window,
		log:      log,
		inflight: make(map[string]*time.Timer),
	}
}

// Touch schedules a signal for the agent's inbox. Repeated touches inside
// the window collapse into one.
func (s *Signaler) Touch(slug, agent string) {
	key := slug + "/" + agent
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if _, pending := s.inflight[key]; pending {
		return // a signal is already scheduled for this inbox
	}
	s.wg.Add(1)
	s.inflight[key] = time.AfterFunc(s.window, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
		s.fire(slug, agent)
	})
}

func (s *Signaler) fire(slug, agent string) {
	repo, err := s.store.Repo(slug)
	if err != nil {
		s.log.Warn("signal skipped, repo unavailable", "repo", slug, "err", err)
		return
	}
	dir := filepath.Join(repo.Dir(), "agents", agent, "inbox")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Warn("signal mkdir failed", "dir", dir, "err", err)
		return
	}
	stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano) + "\n")
	if err := util.AtomicWriteFile(filepath.Join(dir, SignalFileName), stamp, 0o644); err != nil {
		s.log.Warn("signal write failed", "dir", dir, "err", err)
	}
}

// Close fires any pending signals immediately and stops the signaler.
func (s *Signaler) Close() {
	s.mu.Lock()
	s.stopped = true
	timers := make(map[string]*time.Timer, len(s.inflight))
	for k, t := range s.inflight {
		timers[k] = t
	}
	s.mu.Unlock()

	for key, t := range timers {
		if t.Stop() {
			// Timer had not fired; fire synchronously so shutdown does not
			// drop wakeups.
			slug, agent := splitKey(key)
			s.fire(slug, agent)
			s.mu.Lock()
			delete(s.inflight, key)
			s.mu.Unlock()
			s.wg.Done()
		}
	}
	s.wg.Wait()
}

func splitKey(key string) (string, string) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
