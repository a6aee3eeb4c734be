package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/g960059/tabtime/internal/api"
	"github.com/g960059/tabtime/internal/config"
	"github.com/g960059/tabtime/internal/hoststate"
	"github.com/g960059/tabtime/internal/ingest"
	"github.com/g960059/tabtime/internal/logging"
	"github.com/g960059/tabtime/internal/metrics"
	"github.com/g960059/tabtime/internal/model"
	"github.com/g960059/tabtime/internal/notify"
	"github.com/g960059/tabtime/internal/persist"
	"github.com/g960059/tabtime/internal/sleepwake"
	"github.com/g960059/tabtime/internal/syncbridge"
	"github.com/g960059/tabtime/internal/tracker"
)

const (
	dayLayout         = "2006-01-02"
	maxBodyBytes      = 1 << 20
	notifyWriteWait   = 5 * time.Second
	notifyPingPeriod  = 30 * time.Second
	shutdownGraceTime = 5 * time.Second
)

// Deps are the components the daemon serves. Routes beyond /v1/health are
// only mounted when Tracker is set.
type Deps struct {
	Clock       quartz.Clock
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Mirror      *hoststate.Mirror
	Coordinator *ingest.Coordinator
	Tracker     *tracker.Tracker
	Detector    *sleepwake.Detector
	Engine      *persist.Engine
	Hub         *notify.Hub
	Bridge      *syncbridge.Bridge
}

type Server struct {
	cfg      config.Config
	deps     Deps
	clock    quartz.Clock
	logger   *zap.Logger
	httpSrv  *http.Server
	upgrader websocket.Upgrader
	closing  chan struct{}

	mu          sync.Mutex
	listener    net.Listener
	lockFile    *os.File
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, deps Deps) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		clock:   deps.Clock,
		logger:  logging.OrNop(deps.Logger).Named("daemon"),
		closing: make(chan struct{}),
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		upgrader: websocket.Upgrader{
			// The socket is owner-only, so any client that reaches it is trusted.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if s.clock == nil {
		s.clock = quartz.NewReal()
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	if deps.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	if deps.Tracker != nil {
		mux.HandleFunc("/v1/events", s.eventsHandler)
		mux.HandleFunc("/v1/heartbeat", s.heartbeatHandler)
		mux.HandleFunc("/v1/tabs", s.tabsHandler)
		mux.HandleFunc("/v1/status", s.statusHandler)
		mux.HandleFunc("/v1/sessions", s.sessionsHandler)
		mux.HandleFunc("/v1/summary", s.summaryHandler)
		mux.HandleFunc("/v1/stop", s.stopHandler)
		mux.HandleFunc("/v1/maintenance/consolidate", s.consolidateHandler)
		mux.HandleFunc("/v1/notifications", s.notificationsHandler)
	}
	return s
}

// Handler exposes the route table without a listener.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()      //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("listening", zap.String("socket", s.cfg.SocketPath))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGraceTime)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		close(s.closing)
		var result *multierror.Error
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				result = multierror.Append(result, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				result = multierror.Append(result, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := result.ErrorOrNil(); err != nil {
			s.shutdownErr = fmt.Errorf("shutdown: %w", err)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	resp := api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Status:        "ok",
	}
	if s.deps.Bridge != nil && s.deps.Bridge.Enabled() {
		resp.SyncHealth = string(s.deps.Bridge.Health().Current)
	}
	if s.deps.Coordinator != nil {
		if at := s.deps.Coordinator.LastKeepAlive(); !at.IsZero() {
			at = at.UTC()
			resp.LastKeepAlive = &at
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.EventRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	receivedAt := s.clock.Now()
	ev, err := ingest.Normalize(toRawEvent(req), receivedAt, s.cfg.EventSkewBudget)
	if err != nil {
		code := model.ErrRefInvalid
		if errors.Is(err, model.ErrUnsupportedEvent) {
			code = model.ErrEventRejected
		}
		s.writeError(w, http.StatusBadRequest, code, err.Error())
		return
	}
	s.deps.Metrics.Received(string(ev.Kind))
	s.deps.Mirror.Apply(ev)

	resp := api.EventResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   receivedAt.UTC(),
		Key:           ev.Key(),
	}
	if ingest.Relevant(ev) {
		s.deps.Coordinator.Schedule(ev, ingest.PriorityOf(ev))
		resp.Scheduled = true
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) heartbeatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	now := s.clock.Now()
	ctx, cancel := s.writeContext(r)
	defer cancel()
	s.deps.Detector.Beat(ctx, now)
	s.writeJSON(w, http.StatusOK, api.HeartbeatResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   now.UTC(),
		Paused:        s.deps.Detector.Paused(),
	})
}

// writeContext is for handlers that finalize or resume sessions. A client
// hanging up must not abort those writes halfway.
func (s *Server) writeContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.DispatchTimeout)
}

func (s *Server) tabsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		s.methodNotAllowed(w, http.MethodPut)
		return
	}
	var req api.TabsSnapshot
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	snap := hoststate.Snapshot{
		Tabs:          make([]model.Tab, 0, len(req.Tabs)),
		FocusedWindow: model.WindowID(req.FocusedWindowID),
	}
	for _, tab := range req.Tabs {
		snap.Tabs = append(snap.Tabs, toModelTab(tab))
	}
	s.deps.Mirror.Replace(snap)
	s.writeJSON(w, http.StatusOK, api.TabsResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Tabs:          len(snap.Tabs),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	now := s.clock.Now()
	st := s.deps.Tracker.Snapshot()
	resp := api.StatusResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   now.UTC(),
		State:         string(st.State),
		Current:       toTrackedSession(st.Current, now),
		Paused:        toTrackedSession(st.Paused, time.Time{}),
		Grace:         make([]api.GraceSession, 0, len(st.Grace)),
		LastSwitch:    optionalTime(st.LastSwitch),
	}
	for _, g := range st.Grace {
		resp.Grace = append(resp.Grace, api.GraceSession{
			Domain:          g.Domain,
			TabID:           int64(g.TabID),
			DurationSeconds: g.Duration.Seconds(),
			CapturedAt:      g.CapturedAt.UTC(),
			RecordID:        g.RecordID,
		})
	}
	if s.deps.Detector != nil {
		resp.LastHeartbeat = optionalTime(s.deps.Detector.LastHeartbeat())
		resp.SleepPaused = s.deps.Detector.Paused()
	}
	if s.deps.Coordinator != nil {
		resp.PendingEvents = s.deps.Coordinator.Pending()
	}
	if s.deps.Hub != nil {
		resp.Listeners = s.deps.Hub.Listeners()
	}
	if s.deps.Bridge != nil && s.deps.Bridge.Enabled() {
		resp.SyncHealth = string(s.deps.Bridge.Health().Current)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	day, ok := s.dayParam(w, r.URL.Query().Get("day"))
	if !ok {
		return
	}
	sessions, err := s.deps.Engine.Sessions(r.Context(), day)
	if err != nil {
		s.logger.Error("list sessions", zap.String("day", day), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, model.ErrStoreUnavailable, "failed to list sessions")
		return
	}
	resp := api.SessionsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Day:           day,
		Sessions:      make([]api.SessionRecord, 0, len(sessions)),
	}
	for _, rec := range sessions {
		resp.Sessions = append(resp.Sessions, toSessionRecord(rec))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	day, ok := s.dayParam(w, r.URL.Query().Get("day"))
	if !ok {
		return
	}
	totals, err := s.deps.Engine.Summary(r.Context(), day)
	if err != nil {
		s.logger.Error("summary", zap.String("day", day), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, model.ErrStoreUnavailable, "failed to summarize day")
		return
	}
	resp := api.SummaryEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Day:           day,
		Domains:       make([]api.DomainTotal, 0, len(totals)),
	}
	for _, t := range totals {
		resp.TotalSeconds += t.Seconds
		resp.Domains = append(resp.Domains, api.DomainTotal{Domain: t.Domain, Seconds: t.Seconds, Sessions: t.Sessions})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) stopHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	ctx, cancel := s.writeContext(r)
	defer cancel()
	if err := s.deps.Tracker.Stop(ctx); err != nil {
		s.logger.Error("stop tracking", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, model.ErrStoreUnavailable, "failed to stop tracking")
		return
	}
	s.writeJSON(w, http.StatusOK, api.StopResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		State:         string(s.deps.Tracker.Snapshot().State),
	})
}

func (s *Server) consolidateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.ConsolidateRequest
	if !s.decodeBody(w, r, &req, true) {
		return
	}
	day, ok := s.dayParam(w, req.Day)
	if !ok {
		return
	}
	res, err := s.deps.Engine.Consolidate(r.Context(), day)
	if err != nil {
		s.logger.Error("consolidate", zap.String("day", day), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, model.ErrStoreUnavailable, "failed to consolidate day")
		return
	}
	s.writeJSON(w, http.StatusOK, api.ConsolidateResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Day:           day,
		Buckets:       res.Buckets,
		Removed:       res.Removed,
	})
}

// notificationsHandler streams session notifications over a websocket until
// the client goes away or the server shuts down.
func (s *Server) notificationsHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrPreconditionFailed, "notifications are unavailable")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close() //nolint:errcheck

	ch, unsubscribe := s.deps.Hub.Subscribe(notify.DefaultBuffer)
	defer unsubscribe()

	// Reads only detect the close; clients never send anything meaningful.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(notifyPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(notifyWriteWait))
			return
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(notifyWriteWait)); err != nil {
				return
			}
		case n, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(notifyWriteWait))
			if err := conn.WriteJSON(toNotification(n)); err != nil {
				s.logger.Debug("notification write failed", zap.Error(err))
				return
			}
		}
	}
}

// decodeBody reads a JSON body strictly. An empty body is accepted only when
// optional is set.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return false
	}
	return true
}

func (s *Server) dayParam(w http.ResponseWriter, raw string) (string, bool) {
	if raw == "" {
		return s.deps.Engine.Day(s.clock.Now()), true
	}
	if _, err := time.Parse(dayLayout, raw); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "day must be YYYY-MM-DD")
		return "", false
	}
	return raw, true
}

func (s *Server) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}

func toRawEvent(req api.EventRequest) model.RawEvent {
	raw := model.RawEvent{
		Kind:      req.Kind,
		TabID:     req.TabID,
		WindowID:  req.WindowID,
		Timestamp: req.Timestamp,
	}
	if req.ChangeInfo != nil {
		raw.ChangeInfo = &model.ChangeInfo{URL: req.ChangeInfo.URL, Status: req.ChangeInfo.Status}
	}
	if req.Tab != nil {
		raw.Tab = &model.RawTab{
			ID:       req.Tab.ID,
			WindowID: req.Tab.WindowID,
			URL:      req.Tab.URL,
			Active:   req.Tab.Active,
			Status:   req.Tab.Status,
		}
	}
	return raw
}

func toModelTab(t api.Tab) model.Tab {
	return model.Tab{
		ID:       model.TabID(t.ID),
		WindowID: model.WindowID(t.WindowID),
		URL:      t.URL,
		Active:   t.Active,
		Status:   t.Status,
	}
}

// toTrackedSession renders s. A zero now leaves UnsavedSeconds at the carry.
func toTrackedSession(s *tracker.Session, now time.Time) *api.TrackedSession {
	if s == nil {
		return nil
	}
	unsaved := s.Carry
	if !now.IsZero() && now.After(s.LastSaveTime) && !s.LastSaveTime.IsZero() {
		unsaved += now.Sub(s.LastSaveTime)
	}
	return &api.TrackedSession{
		TabID:          int64(s.TabID),
		WindowID:       int64(s.WindowID),
		Domain:         s.Domain,
		StartTime:      s.StartTime.UTC(),
		LastSaveTime:   s.LastSaveTime.UTC(),
		RecordID:       s.RecordID,
		UnsavedSeconds: unsaved.Seconds(),
	}
}

func toSessionRecord(rec model.SiteSession) api.SessionRecord {
	return api.SessionRecord{
		ID:              rec.ID,
		Day:             rec.Day,
		Domain:          rec.Domain,
		StartTime:       rec.StartTime.UTC(),
		EndTime:         rec.EndTime,
		DurationSeconds: rec.DurationSeconds,
		Status:          string(rec.Status),
		Visits:          rec.Visits,
		UpdatedAt:       rec.UpdatedAt.UTC(),
		SyncedAt:        rec.SyncedAt,
	}
}

func toNotification(n model.Notification) api.Notification {
	return api.Notification{
		ID:              n.ID,
		Kind:            string(n.Kind),
		Domain:          n.Domain,
		SessionID:       n.SessionID,
		DurationSeconds: n.DurationSeconds,
		At:              n.At.UTC(),
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}
