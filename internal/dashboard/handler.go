package dashboard

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/huddle/internal/derived"
	"github.com/mschirtzinger/huddle/internal/schema"
	"github.com/mschirtzinger/huddle/internal/store"
)

// FeedLimit caps the feed items sent per message.
const FeedLimit = 50

// Views is the part of the derived engine the handler reads.
type Views interface {
	Watch(ctx context.Context) <-chan derived.Update
	Milestones(ctx context.Context, projectID string) ([]*schema.Milestone, error)
	Feed(ctx context.Context, q derived.FeedQuery) ([]*schema.ActivityItem, error)
	BlockedTasks(ctx context.Context, projectID string) ([]*schema.Task, error)
	Presence(ctx context.Context) ([]*schema.PresenceRecord, error)
	Conflicts(ctx context.Context, limit int) ([]*store.ConflictRecord, error)
}

// MilestonesData is the payload of a milestones message.
type MilestonesData struct {
	Milestones []*schema.Milestone `json:"milestones"`
}

// FeedData is the payload of a feed message.
type FeedData struct {
	Items []FeedEntry `json:"items"`
}

// FeedEntry is an activity item with its rendered summary.
type FeedEntry struct {
	*schema.ActivityItem
	Summary string `json:"summary"`
}

// BlockedData is the payload of a blocked message.
type BlockedData struct {
	Tasks []*schema.Task `json:"tasks"`
}

// PresenceData is the payload of a presence message.
type PresenceData struct {
	Online []*schema.PresenceRecord `json:"online"`
}

// ConflictsData is the payload of a conflicts message.
type ConflictsData struct {
	Conflicts []*store.ConflictRecord `json:"conflicts"`
}

// Handler turns derived-view updates into dashboard messages.
type Handler struct {
	server *Server
	views  Views
	logger *zap.Logger
}

// NewHandler connects views to server.
func NewHandler(server *Server, views Views, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{server: server, views: views, logger: logger.Named("dashboard")}
}

// Run broadcasts a fresh view for every update until ctx is done.
func (h *Handler) Run(ctx context.Context) {
	for u := range h.views.Watch(ctx) {
		msg, err := h.Message(ctx, u)
		if err != nil {
			h.logger.Warn("failed to build view message",
				zap.String("view", string(u.View)),
				zap.String("project", u.ProjectID),
				zap.Error(err))
			continue
		}
		h.server.Broadcast(msg)
	}
}

// Snapshot builds one message per view across all projects. Views that
// fail to load are skipped.
func (h *Handler) Snapshot(ctx context.Context) []Message {
	var out []Message
	for _, v := range []derived.View{
		derived.ViewMilestones,
		derived.ViewFeed,
		derived.ViewBlocked,
		derived.ViewPresence,
		derived.ViewConflicts,
	} {
		msg, err := h.Message(ctx, derived.Update{View: v})
		if err != nil {
			h.logger.Warn("failed to build snapshot", zap.String("view", string(v)), zap.Error(err))
			continue
		}
		out = append(out, msg)
	}
	return out
}

// Message loads the view named by u and wraps it.
func (h *Handler) Message(ctx context.Context, u derived.Update) (Message, error) {
	var (
		typ  MessageType
		data any
		err  error
	)
	switch u.View {
	case derived.ViewMilestones:
		typ = MessageTypeMilestones
		var ms []*schema.Milestone
		ms, err = h.views.Milestones(ctx, u.ProjectID)
		data = MilestonesData{Milestones: ms}
	case derived.ViewFeed:
		typ = MessageTypeFeed
		var items []*schema.ActivityItem
		items, err = h.views.Feed(ctx, derived.FeedQuery{ProjectID: u.ProjectID, Limit: FeedLimit})
		data = FeedData{Items: h.entries(items)}
	case derived.ViewBlocked:
		typ = MessageTypeBlocked
		var tasks []*schema.Task
		tasks, err = h.views.BlockedTasks(ctx, u.ProjectID)
		data = BlockedData{Tasks: tasks}
	case derived.ViewPresence:
		typ = MessageTypePresence
		var online []*schema.PresenceRecord
		online, err = h.views.Presence(ctx)
		data = PresenceData{Online: online}
	case derived.ViewConflicts:
		typ = MessageTypeConflicts
		var recs []*store.ConflictRecord
		recs, err = h.views.Conflicts(ctx, FeedLimit)
		data = ConflictsData{Conflicts: recs}
	default:
		return Message{}, schema.ErrValidation
	}
	if err != nil {
		return Message{}, err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:      typ,
		ProjectID: u.ProjectID,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

func (h *Handler) entries(items []*schema.ActivityItem) []FeedEntry {
	out := make([]FeedEntry, 0, len(items))
	for _, it := range items {
		summary, err := derived.Summarize(it)
		if err != nil {
			h.logger.Debug("skipping unrenderable activity", zap.String("id", it.ID), zap.Error(err))
			continue
		}
		out = append(out, FeedEntry{ActivityItem: it, Summary: summary})
	}
	return out
}
