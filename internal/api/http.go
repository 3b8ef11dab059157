package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"volarbiter/internal/events"
	"volarbiter/internal/model"
	"volarbiter/internal/obs"
)

type Options struct {
	// Hub enables the events stream; nil answers 404 there.
	Hub    *events.Hub
	Auth   *Authenticator
	Logger *obs.Logger
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
	// Health runs extra dependency checks for /healthz.
	Health func(ctx context.Context) error
}

type Server struct {
	reg       *model.Registry
	hub       *events.Hub
	auth      *Authenticator
	logger    *obs.Logger
	health    func(ctx context.Context) error
	mux       *http.ServeMux
	keepalive time.Duration
}

type contextKey string

const requestIDKey contextKey = "req_id"

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id attached by the request-id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func NewServer(reg *model.Registry, opts Options) *Server {
	s := &Server{
		reg:       reg,
		hub:       opts.Hub,
		auth:      opts.Auth,
		logger:    opts.Logger,
		health:    opts.Health,
		mux:       http.NewServeMux(),
		keepalive: 15 * time.Second,
	}
	s.routes(opts.Metrics)
	return s
}

func (s *Server) Handler() http.Handler {
	return withRequestID(s.mux)
}

func (s *Server) routes(metrics http.Handler) {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if metrics != nil {
		s.mux.Handle("/metrics", metrics)
	}

	// Volume endpoints (simple path parsing to avoid extra router deps)
	s.mux.Handle("/v1/volumes", s.auth.middleware(http.HandlerFunc(s.handleList)))
	s.mux.Handle("/v1/volumes/", s.auth.middleware(http.HandlerFunc(s.handleVolumes)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVolumes(w http.ResponseWriter, r *http.Request) {
	// Expected:
	// /v1/volumes/{name}
	// /v1/volumes/{name}/history
	// /v1/volumes/{name}/events
	// /v1/volumes/{name}/acquire|release|renew|transfer
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/volumes/"), "/")
	if path == "" {
		s.handleList(w, r)
		return
	}

	parts := strings.Split(path, "/")
	if len(parts) > 2 {
		writeErr(w, http.StatusNotFound, "NOT_FOUND", "invalid path")
		return
	}
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	a, err := s.reg.Get(parts[0])
	if err != nil {
		writeErr(w, http.StatusNotFound, "UNKNOWN_VOLUME", err.Error())
		return
	}

	switch r.Method {
	case http.MethodGet:
		switch action {
		case "":
			writeJSON(w, http.StatusOK, toStatus(a.Snapshot()))
		case "history":
			s.handleHistory(w, r, a)
		case "events":
			s.handleEvents(w, r, a)
		default:
			writeErr(w, http.StatusNotFound, "NOT_FOUND", "invalid path")
		}

	case http.MethodPost:
		switch action {
		case "acquire":
			s.handleAcquire(w, r, a)
		case "release":
			s.handleRelease(w, r, a)
		case "renew":
			s.handleRenew(w, r, a)
		case "transfer":
			s.handleTransfer(w, r, a)
		default:
			writeErr(w, http.StatusNotFound, "NOT_FOUND", "unknown action")
		}

	default:
		writeErr(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

// --- Wire format ---

type acquireReq struct {
	Role string `json:"role"`
}

type grantReq struct {
	Role         string `json:"role"`
	LeaseID      string `json:"lease_id"`
	FencingToken int64  `json:"fencing_token"`
}

type transferReq struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type grantResp struct {
	Volume       string `json:"volume"`
	Role         string `json:"role"`
	LeaseID      string `json:"lease_id"`
	FencingToken int64  `json:"fencing_token"`
	AcquiredAtMS int64  `json:"acquired_at_ms"`
	ExpiresAtMS  int64  `json:"expires_at_ms,omitempty"`
}

type releaseResp struct {
	Released bool   `json:"released"`
	Volume   string `json:"volume"`
}

type transferInfo struct {
	From          string `json:"from"`
	To            string `json:"to"`
	RequestedAtMS int64  `json:"requested_at_ms"`
}

type statusResp struct {
	Volume       string        `json:"volume"`
	Phase        string        `json:"phase"`
	State        string        `json:"state"`
	Holder       string        `json:"holder,omitempty"`
	Transfer     *transferInfo `json:"transfer,omitempty"`
	LeaseID      string        `json:"lease_id,omitempty"`
	FencingToken int64         `json:"fencing_token,omitempty"`
	ExpiresAtMS  int64         `json:"expires_at_ms,omitempty"`
	LastToken    int64         `json:"last_token"`
	Version      int64         `json:"version"`
	UpdatedAtMS  int64         `json:"updated_at_ms"`
}

type listResp struct {
	Volumes []statusResp `json:"volumes"`
}

type transitionResp struct {
	Kind         string `json:"kind"`
	From         string `json:"from,omitempty"`
	To           string `json:"to,omitempty"`
	LeaseID      string `json:"lease_id"`
	FencingToken int64  `json:"fencing_token"`
	Version      int64  `json:"version"`
	AtMS         int64  `json:"at_ms"`
}

type historyResp struct {
	Volume      string           `json:"volume"`
	Transitions []transitionResp `json:"transitions"`
}

type errResp struct {
	Error            string `json:"error"`
	Reason           string `json:"reason,omitempty"`
	Volume           string `json:"volume,omitempty"`
	Holder           string `json:"holder,omitempty"`
	Transferring     bool   `json:"transferring,omitempty"`
	CurrentExpiryMS  int64  `json:"current_expiry_ms,omitempty"`
	RecommendedRetry int64  `json:"recommended_retry_ms,omitempty"`
}

func toMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func toGrant(g model.AccessGrant) grantResp {
	return grantResp{
		Volume:       g.Resource,
		Role:         string(g.Role),
		LeaseID:      g.LeaseID,
		FencingToken: g.FencingToken,
		AcquiredAtMS: toMS(g.AcquiredAt),
		ExpiresAtMS:  toMS(g.ExpiresAt),
	}
}

func toStatus(s model.Snapshot) statusResp {
	out := statusResp{
		Volume:      s.Resource,
		Phase:       string(s.State.Phase),
		State:       s.State.String(),
		Holder:      string(s.State.Holder),
		LastToken:   s.LastToken,
		Version:     s.Version,
		UpdatedAtMS: toMS(s.UpdatedAt),
	}
	if t := s.State.Transfer; t != nil {
		out.Transfer = &transferInfo{From: string(t.From), To: string(t.To), RequestedAtMS: toMS(t.RequestedAt)}
	}
	if s.Grant != nil {
		out.LeaseID = s.Grant.LeaseID
		out.FencingToken = s.Grant.FencingToken
		out.ExpiresAtMS = toMS(s.Grant.ExpiresAt)
	}
	return out
}

// --- Handlers ---

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	out := listResp{Volumes: []statusResp{}}
	for _, a := range s.reg.All() {
		out.Volumes = append(out.Volumes, toStatus(a.Snapshot()))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request, a *model.Arbiter) {
	var req acquireReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	role, err := model.ParseRole(req.Role)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if err := authorize(r.Context(), role); err != nil {
		writeErr(w, http.StatusForbidden, "FORBIDDEN", err.Error())
		return
	}

	g, err := a.Acquire(r.Context(), role)
	if err != nil {
		writeArbiterErr(w, a.Name(), err)
		return
	}
	writeJSON(w, http.StatusOK, toGrant(g))
}

func (s *Server) readGrant(w http.ResponseWriter, r *http.Request, a *model.Arbiter) (model.AccessGrant, bool) {
	var req grantReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return model.AccessGrant{}, false
	}
	role, err := model.ParseRole(req.Role)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return model.AccessGrant{}, false
	}
	if req.LeaseID == "" || req.FencingToken <= 0 {
		writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "role, lease_id, fencing_token required")
		return model.AccessGrant{}, false
	}
	if err := authorize(r.Context(), role); err != nil {
		writeErr(w, http.StatusForbidden, "FORBIDDEN", err.Error())
		return model.AccessGrant{}, false
	}
	return model.AccessGrant{
		Resource:     a.Name(),
		Role:         role,
		LeaseID:      req.LeaseID,
		FencingToken: req.FencingToken,
	}, true
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, a *model.Arbiter) {
	g, ok := s.readGrant(w, r, a)
	if !ok {
		return
	}
	if err := a.Release(r.Context(), g); err != nil {
		writeArbiterErr(w, a.Name(), err)
		return
	}
	writeJSON(w, http.StatusOK, releaseResp{Released: true, Volume: a.Name()})
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request, a *model.Arbiter) {
	g, ok := s.readGrant(w, r, a)
	if !ok {
		return
	}
	ng, err := a.Renew(r.Context(), g)
	if err != nil {
		writeArbiterErr(w, a.Name(), err)
		return
	}
	writeJSON(w, http.StatusOK, toGrant(ng))
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, a *model.Arbiter) {
	var req transferReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	from, err := model.ParseRole(req.From)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "from: "+err.Error())
		return
	}
	to, err := model.ParseRole(req.To)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "to: "+err.Error())
		return
	}
	if err := authorize(r.Context(), from); err != nil {
		writeErr(w, http.StatusForbidden, "FORBIDDEN", err.Error())
		return
	}

	g, err := a.Transfer(r.Context(), from, to)
	if err != nil {
		writeArbiterErr(w, a.Name(), err)
		return
	}
	writeJSON(w, http.StatusOK, toGrant(g))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, a *model.Arbiter) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be in [1, 1000]")
			return
		}
		limit = n
	}
	trs, err := a.History(r.Context(), limit)
	if err != nil {
		writeArbiterErr(w, a.Name(), err)
		return
	}
	out := historyResp{Volume: a.Name(), Transitions: make([]transitionResp, 0, len(trs))}
	for _, tr := range trs {
		out.Transitions = append(out.Transitions, transitionResp{
			Kind:         tr.Kind,
			From:         tr.FromRole,
			To:           tr.ToRole,
			LeaseID:      tr.LeaseID,
			FencingToken: tr.FencingToken,
			Version:      tr.Version,
			AtMS:         toMS(tr.At),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// --- helpers ---

func writeArbiterErr(w http.ResponseWriter, volume string, err error) {
	var (
		held *model.AlreadyHeldError
		busy *model.BusyError
		nh   *model.NotHolderError
	)
	out := errResp{Error: err.Error(), Volume: volume}
	status := http.StatusInternalServerError

	switch {
	case errors.As(err, &held):
		status, out.Reason = http.StatusConflict, "HELD"
		out.Holder = string(held.Holder)
		out.Transferring = held.Transferring
		out.CurrentExpiryMS = toMS(held.ExpiresAt)
		out.RecommendedRetry = held.RetryAfter.Milliseconds()
	case errors.As(err, &busy):
		status, out.Reason = http.StatusServiceUnavailable, "BUSY_RETRY"
		out.RecommendedRetry = busy.RetryAfter.Milliseconds()
		w.Header().Set("Retry-After", "1")
	case errors.Is(err, model.ErrInvalidGrant):
		status, out.Reason = http.StatusConflict, "INVALID_GRANT"
	case errors.As(err, &nh):
		status, out.Reason = http.StatusConflict, "NOT_HOLDER"
		out.Holder = string(nh.Holder)
	case errors.Is(err, model.ErrTargetBusy):
		status, out.Reason = http.StatusConflict, "TARGET_BUSY"
	case errors.Is(err, model.ErrUnknownRole):
		status, out.Reason = http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, model.ErrUnknownResource):
		status, out.Reason = http.StatusNotFound, "UNKNOWN_VOLUME"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, out.Reason = http.StatusServiceUnavailable, "CANCELED"
	default:
		out.Reason = "INTERNAL"
	}
	writeJSON(w, status, out)
}

func readJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("missing body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, reason, msg string) {
	writeJSON(w, status, errResp{Error: msg, Reason: reason})
}
