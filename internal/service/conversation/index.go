package conversation

import (
	"cmp"
	"context"
	"slices"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"thrive/internal/apperr"
	"thrive/internal/models"
	"thrive/internal/storage"
)

// ConversationIndex derives a viewer's conversation list. The default
// implementation scans messages; an index table keyed by the ordered user
// pair can replace it without touching callers.
type ConversationIndex interface {
	Summaries(ctx context.Context, userID int64) ([]models.ConversationSummary, error)
}

// scanIndex loads every message touching the viewer in one query and
// aggregates per partner in memory.
type scanIndex struct {
	db    *storage.DB
	users Directory
	log   *zap.Logger
}

func newScanIndex(db *storage.DB, users Directory, log *zap.Logger) *scanIndex {
	return &scanIndex{db: db, users: users, log: log}
}

func (x *scanIndex) Summaries(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	rows, err := x.db.QueryContext(ctx, x.db.Rebind(
		`SELECT `+messageColumns+` FROM messages WHERE sender_id = ? OR recipient_id = ?`),
		userID, userID,
	)
	if err != nil {
		return nil, apperr.Storage("scan conversations", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, apperr.Storage("scan conversations", err)
	}

	states := aggregate(userID, msgs)
	if len(states) == 0 {
		return []models.ConversationSummary{}, nil
	}

	ids := append(lo.Map(states, func(s partnerState, _ int) int64 { return s.PartnerID }), userID)
	people, err := x.users.Summaries(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]models.ConversationSummary, 0, len(states))
	for _, st := range states {
		partner, ok := people[st.PartnerID]
		if !ok {
			x.log.Warn("conversation partner missing", zap.Int64("user_id", userID), zap.Int64("partner_id", st.PartnerID))
			continue
		}
		if st.Last != nil {
			if sender, ok := people[st.Last.SenderID]; ok {
				st.Last.Sender = &sender
			}
		}
		out = append(out, models.ConversationSummary{
			User:        partner,
			LastMessage: st.Last,
			UnreadCount: st.Unread,
		})
	}
	sortSummaries(out)
	return out, nil
}

// partnerState is the per-partner result of one pass over a viewer's messages.
type partnerState struct {
	PartnerID int64
	Last      *models.Message
	Unread    int
}

// aggregate groups msgs by the counterpart of viewerID, keeping the latest
// message and the count of unread inbound messages per partner.
// Messages not involving viewerID, or sent to self, are ignored.
func aggregate(viewerID int64, msgs []*models.Message) []partnerState {
	byPartner := make(map[int64]*partnerState)
	order := make([]int64, 0)
	for _, m := range msgs {
		if m == nil || m.SenderID == m.RecipientID {
			continue
		}
		var partner int64
		switch viewerID {
		case m.SenderID:
			partner = m.RecipientID
		case m.RecipientID:
			partner = m.SenderID
		default:
			continue
		}
		st, ok := byPartner[partner]
		if !ok {
			st = &partnerState{PartnerID: partner}
			byPartner[partner] = st
			order = append(order, partner)
		}
		if st.Last == nil || st.Last.Before(m) {
			st.Last = m
		}
		if m.RecipientID == viewerID && !m.IsRead {
			st.Unread++
		}
	}
	out := make([]partnerState, 0, len(order))
	for _, id := range order {
		out = append(out, *byPartner[id])
	}
	return out
}

// sortSummaries orders by last message recency, newest first. Entries without a
// last message go last; ties fall back to partner id.
func sortSummaries(list []models.ConversationSummary) {
	slices.SortStableFunc(list, func(a, b models.ConversationSummary) int {
		switch {
		case a.LastMessage == nil && b.LastMessage == nil:
			return cmp.Compare(a.User.ID, b.User.ID)
		case a.LastMessage == nil:
			return 1
		case b.LastMessage == nil:
			return -1
		}
		if c := b.LastMessage.CreatedAt.Compare(a.LastMessage.CreatedAt); c != 0 {
			return c
		}
		if c := cmp.Compare(b.LastMessage.ID, a.LastMessage.ID); c != 0 {
			return c
		}
		return cmp.Compare(a.User.ID, b.User.ID)
	})
}
