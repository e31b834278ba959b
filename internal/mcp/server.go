package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forumline/livecore/internal/biz/domain"
	"github.com/forumline/livecore/internal/service"
)

// Server exposes the live session as MCP tools
type Server struct {
	server  *mcp.Server
	session *service.LiveSession
}

// NewServer creates a new MCP server over session
func NewServer(session *service.LiveSession, version string) *Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "livecore",
		Version: version,
	}, nil)

	s := &Server{server: server, session: session}
	s.registerTools()
	return s
}

// registerTools registers all livecore MCP tools
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "feed_snapshot",
		Description: "Show the currently loaded feed: items in display order with vote counts, and whether more pages exist.",
	}, s.handleFeedSnapshot)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "feed_load",
		Description: "Load the first page of the feed for a category, search query and sort mode (hot, new, top, active). Replaces the current feed.",
	}, s.handleFeedLoad)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "feed_load_more",
		Description: "Load the next page of the current feed. Retries the failed page if the last load-more failed.",
	}, s.handleFeedLoadMore)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "vote_toggle",
		Description: "Toggle your upvote on a thread or reply. Returns the confirmed state, or the restored state if the server rejected it.",
	}, s.handleVoteToggle)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "presence_query",
		Description: "Check which of the given users are online right now.",
	}, s.handlePresenceQuery)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "typing_list",
		Description: "List who is currently typing in a conversation.",
	}, s.handleTypingList)
}

// Run starts the MCP server with stdio transport
func (s *Server) Run(ctx context.Context) error {
	slog.Info("[MCP] Serving on stdio")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// GetServer returns the underlying MCP server
func (s *Server) GetServer() *mcp.Server {
	return s.server
}

// ============ Feed Tools ============

// FeedItem is one feed entry as shown to the agent
type FeedItem struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Title      string `json:"title"`
	Pinned     bool   `json:"pinned,omitempty"`
	Score      int    `json:"score"`
	Upvoted    bool   `json:"upvoted,omitempty"`
	Replies    int    `json:"replies,omitempty"`
	CreatedAt  string `json:"created_at"`
	LastReply  string `json:"last_reply_at,omitempty"`
	CategoryID string `json:"category_id,omitempty"`
}

// FeedOutput is the rendered feed
type FeedOutput struct {
	Sort            string     `json:"sort"`
	Items           []FeedItem `json:"items"`
	HasMore         bool       `json:"has_more"`
	NextPage        int        `json:"next_page"`
	LoadError       string     `json:"load_error,omitempty"`
	PaginationError string     `json:"pagination_error,omitempty"`
}

func (s *Server) feedOutput() FeedOutput {
	page := s.session.Feed.Snapshot()
	out := FeedOutput{
		Sort:     string(page.Sort),
		Items:    make([]FeedItem, 0, len(page.Items)),
		HasMore:  page.HasMore,
		NextPage: page.NextPage,
	}
	if page.LoadError != nil {
		out.LoadError = page.LoadError.Error()
	}
	if page.PaginationError != nil {
		out.PaginationError = page.PaginationError.Error()
	}

	for _, it := range page.Items {
		state := it.VoteState()
		if live, ok := s.session.Actions.State(it.Target()); ok {
			state = live
		}
		item := FeedItem{
			ID:         it.ID,
			Kind:       string(domain.TargetThread),
			Title:      it.Title,
			Pinned:     it.Pinned,
			Score:      state.Count,
			Upvoted:    state.Applied,
			CreatedAt:  it.CreatedAt.Format(time.RFC3339),
			CategoryID: it.CategoryID,
		}
		if it.ReplyCount != nil {
			item.Replies = *it.ReplyCount
		}
		if it.LastReplyAt != nil {
			item.LastReply = it.LastReplyAt.Format(time.RFC3339)
		}
		out.Items = append(out.Items, item)
	}
	return out
}

// FeedSnapshotInput is empty - no input needed
type FeedSnapshotInput struct{}

func (s *Server) handleFeedSnapshot(ctx context.Context, req *mcp.CallToolRequest, input FeedSnapshotInput) (*mcp.CallToolResult, FeedOutput, error) {
	return nil, s.feedOutput(), nil
}

// FeedLoadInput selects the feed to load
type FeedLoadInput struct {
	CategoryID string `json:"category_id,omitempty" jsonschema:"Only show threads of this category"`
	Query      string `json:"query,omitempty" jsonschema:"Only show threads whose title contains this text"`
	Sort       string `json:"sort,omitempty" jsonschema:"Sort mode: hot (default), new, top or active"`
}

func (s *Server) handleFeedLoad(ctx context.Context, req *mcp.CallToolRequest, input FeedLoadInput) (*mcp.CallToolResult, FeedOutput, error) {
	sort, err := domain.ParseSortMode(input.Sort)
	if err != nil {
		return nil, FeedOutput{LoadError: err.Error()}, nil
	}

	filters := domain.FeedFilters{CategoryID: input.CategoryID, SearchQuery: input.Query}
	if err := s.session.Feed.Load(ctx, filters, sort); err != nil {
		slog.Warn("[MCP] Feed load failed", "error", err)
	}
	return nil, s.feedOutput(), nil
}

// FeedLoadMoreInput is empty - no input needed
type FeedLoadMoreInput struct{}

func (s *Server) handleFeedLoadMore(ctx context.Context, req *mcp.CallToolRequest, input FeedLoadMoreInput) (*mcp.CallToolResult, FeedOutput, error) {
	page := s.session.Feed.Snapshot()
	if page.PaginationError != nil {
		if err := s.session.Feed.Retry(ctx); err != nil {
			slog.Warn("[MCP] Feed retry failed", "error", err)
		}
	} else if err := s.session.Feed.LoadMore(ctx); err != nil {
		slog.Warn("[MCP] Feed load more failed", "error", err)
	}
	return nil, s.feedOutput(), nil
}

// ============ Vote Tools ============

// VoteToggleInput identifies the vote target
type VoteToggleInput struct {
	Kind string `json:"kind,omitempty" jsonschema:"Target kind: thread (default) or reply"`
	ID   string `json:"id" jsonschema:"The thread or reply id"`
}

// VoteToggleOutput is the vote state after the toggle
type VoteToggleOutput struct {
	Applied bool   `json:"applied"`
	Count   int    `json:"count"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleVoteToggle(ctx context.Context, req *mcp.CallToolRequest, input VoteToggleInput) (*mcp.CallToolResult, VoteToggleOutput, error) {
	kind := domain.TargetKind(input.Kind)
	if kind == "" {
		kind = domain.TargetThread
	}
	target := domain.TargetKey{Kind: kind, ID: input.ID}
	if !kind.Valid() || input.ID == "" {
		return nil, VoteToggleOutput{Error: fmt.Sprintf("invalid target %q", target.String())}, nil
	}

	state, err := s.session.ToggleVote(ctx, target)
	out := VoteToggleOutput{Applied: state.Applied, Count: state.Count}
	if err != nil {
		out.Error = err.Error()
	}
	return nil, out, nil
}

// ============ Presence & Typing Tools ============

// PresenceQueryInput lists the users to check
type PresenceQueryInput struct {
	SubjectIDs []string `json:"subject_ids" jsonschema:"The user ids to check"`
}

// PresenceQueryOutput maps user ids to online status
type PresenceQueryOutput struct {
	Online map[string]bool `json:"online"`
	Error  string          `json:"error,omitempty"`
}

func (s *Server) handlePresenceQuery(ctx context.Context, req *mcp.CallToolRequest, input PresenceQueryInput) (*mcp.CallToolResult, PresenceQueryOutput, error) {
	if len(input.SubjectIDs) == 0 {
		return nil, PresenceQueryOutput{Online: map[string]bool{}, Error: "subject_ids is required"}, nil
	}

	online, err := s.session.Presence.QueryPresence(ctx, input.SubjectIDs)
	if err != nil {
		// Serve the cached view with the error attached
		return nil, PresenceQueryOutput{Online: s.session.Presence.Statuses(input.SubjectIDs), Error: err.Error()}, nil
	}
	return nil, PresenceQueryOutput{Online: online}, nil
}

// TypingListInput names the conversation
type TypingListInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"The conversation to inspect"`
}

// TypingListOutput lists who is typing
type TypingListOutput struct {
	Typers []string `json:"typers"`
	Error  string   `json:"error,omitempty"`
}

func (s *Server) handleTypingList(ctx context.Context, req *mcp.CallToolRequest, input TypingListInput) (*mcp.CallToolResult, TypingListOutput, error) {
	if input.ConversationID == "" {
		return nil, TypingListOutput{Typers: []string{}, Error: "conversation_id is required"}, nil
	}

	c, err := s.session.OpenConversation(ctx, input.ConversationID)
	if err != nil {
		return nil, TypingListOutput{Typers: []string{}, Error: err.Error()}, nil
	}
	return nil, TypingListOutput{Typers: c.Typers()}, nil
}
