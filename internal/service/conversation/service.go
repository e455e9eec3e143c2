package conversation

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"thrive/internal/apperr"
	"thrive/internal/logger"
	"thrive/internal/models"
	"thrive/internal/redis"
	"thrive/internal/storage"
)

const (
	// MaxContentLength bounds a single message, counted in characters.
	MaxContentLength = 5000

	markReadBatch  = 500
	messageColumns = `id, sender_id, recipient_id, content, is_read, created_at`
)

var (
	validate    = validator.New()
	contentRule = "max=" + strconv.Itoa(MaxContentLength)
)

// Directory resolves the users referenced by messages.
type Directory interface {
	Exists(ctx context.Context, id int64) (bool, error)
	Summaries(ctx context.Context, ids []int64) (map[int64]models.UserSummary, error)
}

// Service owns messages and their read state.
type Service struct {
	db    *storage.DB
	users Directory
	index ConversationIndex
	cache *summaryCache
	log   *zap.Logger
	now   func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithIndex swaps the conversation index used by ListConversations.
func WithIndex(index ConversationIndex) Option {
	return func(s *Service) {
		if index != nil {
			s.index = index
		}
	}
}

// WithSummaryCache caches conversation lists in redis for ttl. A nil client disables it.
func WithSummaryCache(client *redis.Client, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = newSummaryCache(client, ttl, s.log)
	}
}

// NewService wires the conversation store.
func NewService(db *storage.DB, users Directory, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		db:    db,
		users: users,
		log:   logger.OrNop(log),
		now:   func() time.Time { return time.Now().UTC() },
	}
	s.index = newScanIndex(db, users, s.log)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendMessage persists a message from senderID to recipientID.
func (s *Service) SendMessage(ctx context.Context, senderID, recipientID int64, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if recipientID <= 0 || content == "" {
		return nil, apperr.Validation("recipient and content are required")
	}
	if err := validate.Var(content, contentRule); err != nil {
		return nil, apperr.Validation("message content is too long")
	}

	exists, err := s.users.Exists(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperr.NotFound("recipient not found")
	}
	if senderID == recipientID {
		return nil, apperr.Validation("cannot message self")
	}

	msg := &models.Message{
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		IsRead:      false,
		CreatedAt:   s.now(),
	}
	id, err := s.db.InsertID(ctx, s.db,
		`INSERT INTO messages (sender_id, recipient_id, content, is_read, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.SenderID, msg.RecipientID, msg.Content, msg.IsRead, msg.CreatedAt,
	)
	if err != nil {
		return nil, apperr.Storage("insert message", err)
	}
	msg.ID = id
	s.cache.invalidate(ctx, senderID, recipientID)

	if err := s.attachParticipants(ctx, msg); err != nil {
		return nil, err
	}
	s.log.Debug("message sent",
		zap.Int64("message_id", msg.ID),
		zap.Int64("sender_id", senderID),
		zap.Int64("recipient_id", recipientID),
	)
	return msg, nil
}

// ListConversations returns one summary per partner, most recent first.
func (s *Service) ListConversations(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	cached, generation, ok := s.cache.load(ctx, userID)
	if ok {
		return cached, nil
	}
	list, err := s.index.Summaries(ctx, userID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []models.ConversationSummary{}
	}
	s.cache.store(ctx, userID, generation, list)
	return list, nil
}

// GetThread returns the history with otherUserID and marks the inbound unread
// messages of that snapshot as read. The returned messages keep their
// pre-update read flags.
func (s *Service) GetThread(ctx context.Context, userID, otherUserID int64) (*models.Thread, error) {
	exists, err := s.users.Exists(ctx, otherUserID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperr.NotFound("user not found")
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT `+messageColumns+` FROM messages
		 WHERE (sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)
		 ORDER BY created_at ASC, id ASC`),
		userID, otherUserID, otherUserID, userID,
	)
	if err != nil {
		return nil, apperr.Storage("load thread", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, apperr.Storage("load thread", err)
	}

	people, err := s.users.Summaries(ctx, []int64{userID, otherUserID})
	if err != nil {
		return nil, err
	}
	other, ok := people[otherUserID]
	if !ok {
		return nil, apperr.NotFound("user not found")
	}
	for _, m := range msgs {
		if sender, ok := people[m.SenderID]; ok {
			m.Sender = &sender
		}
	}

	unread := lo.FilterMap(msgs, func(m *models.Message, _ int) (int64, bool) {
		return m.ID, m.SenderID == otherUserID && m.RecipientID == userID && !m.IsRead
	})
	if err := s.markSnapshotRead(ctx, userID, unread); err != nil {
		return nil, err
	}

	return &models.Thread{Messages: msgs, OtherUser: other}, nil
}

// MarkAsRead flips a single message to read. Only the recipient may do so.
func (s *Service) MarkAsRead(ctx context.Context, userID, messageID int64) (*models.Message, error) {
	if messageID <= 0 {
		return nil, apperr.NotFound("message not found")
	}
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`), messageID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("message not found")
		}
		return nil, apperr.Storage("load message", err)
	}
	if msg.RecipientID != userID {
		return nil, apperr.Forbidden("only the recipient can mark a message as read")
	}

	if !msg.IsRead {
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(
			`UPDATE messages SET is_read = ? WHERE id = ?`), true, msg.ID,
		); err != nil {
			return nil, apperr.Storage("mark message read", err)
		}
		msg.IsRead = true
		s.cache.invalidate(ctx, userID)
	}

	if err := s.attachParticipants(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// markSnapshotRead updates exactly the given ids, so messages that arrived
// after the thread was read stay unread.
func (s *Service) markSnapshotRead(ctx context.Context, userID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	var marked int64
	for _, chunk := range lo.Chunk(ids, markReadBatch) {
		args := make([]any, 0, len(chunk)+3)
		args = append(args, true, userID, false)
		args = append(args, lo.Map(chunk, func(id int64, _ int) any { return id })...)
		res, err := s.db.ExecContext(ctx, s.db.Rebind(
			`UPDATE messages SET is_read = ? WHERE recipient_id = ? AND is_read = ? AND id IN (`+storage.InClause(len(chunk))+`)`),
			args...,
		)
		if err != nil {
			return apperr.Storage("mark thread read", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			marked += n
		}
	}
	if marked > 0 {
		s.cache.invalidate(ctx, userID)
	}
	return nil
}

func (s *Service) attachParticipants(ctx context.Context, msg *models.Message) error {
	people, err := s.users.Summaries(ctx, []int64{msg.SenderID, msg.RecipientID})
	if err != nil {
		return err
	}
	if sender, ok := people[msg.SenderID]; ok {
		msg.Sender = &sender
	}
	if recipient, ok := people[msg.RecipientID]; ok {
		msg.Recipient = &recipient
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var m models.Message
	if err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Content, &m.IsRead, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

// collectMessages drains and closes rows.
func collectMessages(rows *sql.Rows) ([]*models.Message, error) {
	defer rows.Close()
	msgs := make([]*models.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}
