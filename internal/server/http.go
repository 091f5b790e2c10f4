package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Dicklesworthstone/agent-mail/internal/config"
	"github.com/Dicklesworthstone/agent-mail/internal/model"
	"github.com/Dicklesworthstone/agent-mail/internal/util"
)

// HTTPServer is the HTTP binding of the protocol, plus the polling state
// endpoint the excluded UI consumes.
type HTTPServer struct {
	d      *Dispatcher
	cfg    config.Config
	server *http.Server

	// wsState is the sequence-keyed event journal behind /mail/ws-state.
	wsMu    sync.Mutex
	wsSeq   int64
	wsItems []wsEvent
}

type wsEvent struct {
	Seq  int64           `json:"seq"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// NewHTTPServer builds the binding.
func NewHTTPServer(d *Dispatcher, cfg config.Config) *HTTPServer {
	s := &HTTPServer{d: d, cfg: cfg}
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.authMiddleware)

	r.Post("/rpc", s.handleRPC)
	r.Get("/resources/*", s.handleResource)
	r.Get("/mail/ws-state", s.handleWSState)
	r.Post("/mail/ws-input", s.handleWSInput)
	r.Get("/healthz", s.handleHealthz)

	s.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *HTTPServer) ListenAndServe() error {
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting and drains in-flight requests.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// authMiddleware checks the bearer token on every request. Loopback peers
// are exempt when configured (local mode).
func (s *HTTPServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		if s.cfg.LoopbackExempt && isLoopback(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			writeJSONError(w, http.StatusUnauthorized, "FORBIDDEN", "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *HTTPServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 32<<20)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "VALIDATION", "malformed request: "+err.Error())
		return
	}
	resp := s.d.Handle(r.Context(), req)
	status := http.StatusOK
	if resp.Error != nil {
		status = httpStatusFor(resp.Error.Code)
	}
	writeJSON(w, status, resp)
}

func (s *HTTPServer) handleResource(w http.ResponseWriter, r *http.Request) {
	uri := chi.URLParam(r, "*")
	if r.URL.RawQuery != "" {
		uri += "?" + r.URL.RawQuery
	}
	result, err := s.d.readResource(r.Context(), uri)
	if err != nil {
		perr := toProtocolError(err)
		writeJSON(w, httpStatusFor(perr.Code), Response{Error: perr})
		return
	}
	writeJSON(w, http.StatusOK, Response{Result: result})
}

// handleWSState serves the polling endpoint: a snapshot or delta keyed by a
// monotonically increasing sequence. Upgrade attempts get 501.
func (s *HTTPServer) handleWSState(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.Error(w, "streaming upgrade not implemented; poll this endpoint", http.StatusNotImplemented)
		return
	}
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	s.wsMu.Lock()
	events := make([]wsEvent, 0, limit)
	for _, e := range s.wsItems {
		if e.Seq > since {
			events = append(events, e)
			if len(events) == limit {
				break
			}
		}
	}
	seq := s.wsSeq
	s.wsMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"seq": seq, "events": events})
}

// handleWSInput accepts ingress events (keystroke, resize) used only by the
// excluded UI. Events are bounded in bytes before they go anywhere.
func (s *HTTPServer) handleWSInput(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Kind string `json:"kind"`
		Data string `json:"data"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&in); err != nil {
		writeJSONError(w, http.StatusBadRequest, "VALIDATION", "malformed event")
		return
	}
	in.Data = util.SafeSlice(in.Data, config.MaxIngressBytes)
	s.PublishEvent(in.Kind, map[string]string{"data": in.Data})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// PublishEvent appends to the polling journal. The journal is bounded; old
// entries fall off the front.
func (s *HTTPServer) PublishEvent(kind string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	s.wsSeq++
	s.wsItems = append(s.wsItems, wsEvent{Seq: s.wsSeq, Kind: kind, Data: raw})
	if len(s.wsItems) > 4096 {
		s.wsItems = s.wsItems[len(s.wsItems)-4096:]
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	result, err := s.d.healthCheck(r.Context(), nil)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "IO", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func httpStatusFor(code string) int {
	switch model.ErrorKind(code) {
	case model.KindValidation, model.KindBroadcastEmpty:
		return http.StatusBadRequest
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindForbidden:
		return http.StatusForbidden
	case model.KindConflict:
		return http.StatusConflict
	case model.KindOversize:
		return http.StatusRequestEntityTooLarge
	case model.KindDBBusy, model.KindPoolBusy, model.KindTimeout:
		return http.StatusServiceUnavailable
	case model.KindShutdown:
		return http.StatusServiceUnavailable
	case model.KindCancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, Response{Error: &ProtocolError{Code: code, Message: msg}})
}

// String implements fmt.Stringer for logging.
func (s *HTTPServer) String() string {
	return fmt.Sprintf("http://%s", s.server.Addr)
}
