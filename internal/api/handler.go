package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forumline/livecore/internal/biz/domain"
	"github.com/forumline/livecore/internal/service"
)

const (
	// Time allowed to write one update to an events socket
	eventWriteWait = 10 * time.Second

	maxRequestBody = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Server provides the local HTTP API the UI layer drives the live session through
type Server struct {
	session *service.LiveSession
	server  *http.Server
	port    int
}

// NewServer creates a new API server
func NewServer(session *service.LiveSession, port int) *Server {
	return &Server{session: session, port: port}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Feed
	mux.HandleFunc("/api/feed", s.handleFeed)
	mux.HandleFunc("/api/feed/load", s.handleFeedLoad)
	mux.HandleFunc("/api/feed/more", s.handleFeedMore)
	mux.HandleFunc("/api/feed/retry", s.handleFeedRetry)

	// Votes: /api/votes/{kind}/{id}
	mux.HandleFunc("/api/votes/", s.handleVote)

	// Presence
	mux.HandleFunc("/api/presence", s.handlePresence)
	mux.HandleFunc("/api/presence/watch", s.handlePresenceWatch)

	// Typing: /api/typing/{conversation}[/activity|/stop]
	mux.HandleFunc("/api/typing/", s.handleTyping)

	// Scroll
	mux.HandleFunc("/api/scroll", s.handleScroll)
	mux.HandleFunc("/api/scroll/top", s.handleScrollTop)

	// Live updates
	mux.HandleFunc("/api/events", s.handleEvents)

	mux.Handle("/metrics", promhttp.Handler())

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("[API] Starting HTTP server", "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// GetPort returns the server port
func (s *Server) GetPort() int {
	return s.port
}

// ============ Feed Handlers ============

// itemView is a feed item with the live vote state overlaid
type itemView struct {
	domain.Item
	Pending bool `json:"pending,omitempty"`
}

type feedView struct {
	Filters         domain.FeedFilters `json:"filters"`
	Sort            domain.SortMode    `json:"sort"`
	Items           []itemView         `json:"items"`
	NextPage        int                `json:"next_page"`
	HasMore         bool               `json:"has_more"`
	CanLoadMore     bool               `json:"can_load_more"`
	IsLoading       bool               `json:"is_loading"`
	IsLoadingMore   bool               `json:"is_loading_more"`
	LoadError       string             `json:"load_error,omitempty"`
	PaginationError string             `json:"pagination_error,omitempty"`
}

func (s *Server) feedView() feedView {
	page := s.session.Feed.Snapshot()
	view := feedView{
		Filters:       page.Filters,
		Sort:          page.Sort,
		Items:         make([]itemView, 0, len(page.Items)),
		NextPage:      page.NextPage,
		HasMore:       page.HasMore,
		CanLoadMore:   page.CanLoadMore(),
		IsLoading:     page.IsLoading,
		IsLoadingMore: page.IsLoadingMore,
	}
	if page.LoadError != nil {
		view.LoadError = page.LoadError.Error()
	}
	if page.PaginationError != nil {
		view.PaginationError = page.PaginationError.Error()
	}

	for _, it := range page.Items {
		v := itemView{Item: it}
		if st, ok := s.session.Actions.State(it.Target()); ok {
			count := st.Count
			v.Score = &count
			v.Upvoted = st.Applied
		}
		_, v.Pending = s.session.Actions.Pending(it.Target())
		view.Items = append(view.Items, v)
	}
	return view
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.feedView())
}

func (s *Server) handleFeedLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		CategoryID  string `json:"category_id"`
		SearchQuery string `json:"q"`
		Sort        string `json:"sort"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	sort, err := domain.ParseSortMode(req.Sort)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	filters := domain.FeedFilters{CategoryID: req.CategoryID, SearchQuery: strings.TrimSpace(req.SearchQuery)}
	if err := s.session.Feed.Load(r.Context(), filters, sort); err != nil {
		s.writeJSONStatus(w, http.StatusBadGateway, s.feedView())
		return
	}
	s.writeJSON(w, s.feedView())
}

func (s *Server) handleFeedMore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.respondPage(w, s.session.Feed.LoadMore(r.Context()))
}

func (s *Server) handleFeedRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.respondPage(w, s.session.Feed.Retry(r.Context()))
}

func (s *Server) respondPage(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeJSONStatus(w, http.StatusBadGateway, s.feedView())
		return
	}
	s.writeJSON(w, s.feedView())
}

// ============ Vote Handlers ============

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/votes/"), "/")
	if len(parts) != 2 || parts[1] == "" {
		http.Error(w, "expected /api/votes/{kind}/{id}", http.StatusBadRequest)
		return
	}
	target := domain.TargetKey{Kind: domain.TargetKind(parts[0]), ID: parts[1]}
	if !target.Kind.Valid() {
		http.Error(w, fmt.Sprintf("unknown target kind %q", parts[0]), http.StatusBadRequest)
		return
	}

	state, err := s.session.ToggleVote(r.Context(), target)
	resp := map[string]interface{}{"target": target, "state": state}
	switch {
	case errors.Is(err, domain.ErrActionBusy):
		resp["error"] = err.Error()
		s.writeJSONStatus(w, http.StatusConflict, resp)
	case errors.Is(err, domain.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		// State has already been rolled back
		resp["error"] = err.Error()
		s.writeJSONStatus(w, http.StatusBadGateway, resp)
	default:
		s.writeJSON(w, resp)
	}
}

// ============ Presence Handlers ============

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ids := splitIDs(r.URL.Query().Get("ids"))
	if len(ids) == 0 {
		s.writeJSON(w, map[string]interface{}{"records": s.session.Presence.Snapshot()})
		return
	}

	statuses, err := s.session.Presence.QueryPresence(r.Context(), ids)
	if err != nil {
		// Fall back to the cached view
		slog.Warn("[API] Presence query failed, serving cache", "error", err)
		statuses = s.session.Presence.Statuses(ids)
	}
	s.writeJSON(w, map[string]interface{}{"online": statuses})
}

func (s *Server) handlePresenceWatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}

	switch r.Method {
	case http.MethodPost:
		if !s.decode(w, r, &req) {
			return
		}
		s.session.Presence.Watch(req.IDs...)
	case http.MethodDelete:
		if !s.decode(w, r, &req) {
			return
		}
		s.session.Presence.Unwatch(req.IDs...)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, map[string]interface{}{"success": true})
}

// ============ Typing Handlers ============

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/typing/")
	conversationID, action, _ := strings.Cut(rest, "/")
	if conversationID == "" {
		http.Error(w, "conversation id is required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	switch {
	case action == "" && r.Method == http.MethodGet:
		c, ok := s.session.Conversation(conversationID)
		typers := []string{}
		if ok {
			typers = c.Typers()
		}
		s.writeJSON(w, map[string]interface{}{"conversation_id": conversationID, "typers": typers})

	case action == "" && r.Method == http.MethodDelete:
		s.session.CloseConversation(conversationID)
		s.writeJSON(w, map[string]interface{}{"success": true})

	case action == "activity" && r.Method == http.MethodPost:
		c, err := s.session.OpenConversation(ctx, conversationID)
		if err != nil {
			s.writeError(w, statusFor(err), err)
			return
		}
		c.NotifyLocalActivity()
		s.writeJSON(w, map[string]interface{}{"phase": c.Phase()})

	case action == "stop" && r.Method == http.MethodPost:
		c, ok := s.session.Conversation(conversationID)
		if ok {
			c.NotifyStop()
		}
		s.writeJSON(w, map[string]interface{}{"phase": domain.TypingIdle})

	case action == "" || action == "activity" || action == "stop":
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

	default:
		http.NotFound(w, r)
	}
}

// ============ Scroll Handlers ============

type scrollView struct {
	NearTop         bool `json:"near_top"`
	ShowScrollToTop bool `json:"show_scroll_to_top"`
}

func (s *Server) scrollView() scrollView {
	return scrollView{
		NearTop:         s.session.Scroll.NearTop(),
		ShowScrollToTop: s.session.Scroll.ShowScrollToTop(),
	}
}

func (s *Server) handleScroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Offset          *int  `json:"offset"`
		SentinelVisible *bool `json:"sentinel_visible"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Offset != nil {
		s.session.Scroll.Scrolled(*req.Offset)
	}
	if req.SentinelVisible != nil {
		if err := s.session.Scroll.SentinelVisible(r.Context(), *req.SentinelVisible); err != nil {
			slog.Debug("[API] Sentinel load failed", "error", err)
		}
	}
	s.writeJSON(w, s.scrollView())
}

func (s *Server) handleScrollTop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.session.Scroll.ScrollToTop()
	s.writeJSON(w, s.scrollView())
}

// ============ Live Updates ============

// handleEvents streams session updates over a WebSocket until either side closes
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	// Listen first so nothing is missed between the handshake and the loop
	updates, stop := s.session.Listen()
	defer stop()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[API] Failed to upgrade events connection", "error", err)
		return
	}
	defer conn.Close()

	// The client sends nothing; reading detects its close
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case u, ok := <-updates:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
				return
			}
			payload, err := json.Marshal(u)
			if err != nil {
				slog.Error("[API] Failed to encode update", "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

// ============ Helper Functions ============

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	s.writeJSONStatus(w, http.StatusOK, data)
}

func (s *Server) writeJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSONStatus(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrActionBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func splitIDs(raw string) []string {
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
