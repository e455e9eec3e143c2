package account

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"thrive/internal/apperr"
	"thrive/internal/logger"
	"thrive/internal/models"
	"thrive/internal/storage"
)

const (
	// MaxListedUsers caps user discovery results.
	MaxListedUsers = 50
	bcryptCost     = bcrypt.DefaultCost
	// bcrypt rejects longer inputs; the struct tag counts runes, not bytes.
	maxPasswordBytes = 72
)

var validate = validator.New()

// Service handles account lifecycle and user discovery.
type Service struct {
	db  *storage.DB
	log *zap.Logger
}

// NewService builds a new account service.
func NewService(db *storage.DB, log *zap.Logger) *Service {
	return &Service{db: db, log: logger.OrNop(log)}
}

// RegisterInput is the payload accepted by Register.
type RegisterInput struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=6,max=72"`
	Name     string `json:"name" validate:"required,max=255"`
	Alias    string `json:"alias" validate:"max=255"`
	Bio      string `json:"bio" validate:"max=2000"`
}

// Register creates a user and its empty profile in one transaction.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Name = strings.TrimSpace(in.Name)
	in.Alias = strings.TrimSpace(in.Alias)
	in.Bio = strings.TrimSpace(in.Bio)
	if in.Email == "" || in.Password == "" || in.Name == "" {
		return nil, apperr.Validation("email, password, and name are required")
	}
	if err := validate.Struct(in); err != nil {
		return nil, apperr.Validation(describeValidation(err))
	}
	if len(in.Password) > maxPasswordBytes {
		return nil, apperr.Validation(fmt.Sprintf("password must be at most %d bytes", maxPasswordBytes))
	}

	taken, err := s.emailTaken(ctx, in.Email)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, apperr.Conflict("user with this email already exists")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	user := &models.User{
		Email:        in.Email,
		PasswordHash: string(hash),
		Name:         in.Name,
		Alias:        optional(in.Alias),
		Bio:          optional(in.Bio),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Storage("begin register", err)
	}
	defer tx.Rollback()

	id, err := s.db.InsertID(ctx, tx,
		`INSERT INTO users (email, password_hash, name, alias, bio, is_anonymous, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		user.Email, user.PasswordHash, user.Name, user.Alias, user.Bio, false, now, now,
	)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, apperr.Conflict("user with this email already exists")
		}
		return nil, apperr.Storage("create user", err)
	}
	user.ID = id

	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO profiles (user_id, illness_tags, created_at, updated_at) VALUES (?, ?, ?, ?)`),
		id, "[]", now, now,
	); err != nil {
		return nil, apperr.Storage("create profile", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Storage("commit register", err)
	}
	s.log.Info("user registered", zap.Int64("user_id", id))
	return user, nil
}

// Authenticate validates credentials and returns the user.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, apperr.Validation("email and password are required")
	}
	user, err := s.userBy(ctx, "email", email)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.Unauthorized("invalid email or password")
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, apperr.Unauthorized("invalid email or password")
	}
	return user, nil
}

// Me returns the caller's own record together with the profile.
func (s *Service) Me(ctx context.Context, userID int64) (*models.User, *models.Profile, error) {
	user, err := s.userBy(ctx, "id", userID)
	if err != nil {
		return nil, nil, err
	}
	var (
		profile models.Profile
		tags    string
		tone    sql.NullString
	)
	err = s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT id, user_id, illness_tags, tone_preference FROM profiles WHERE user_id = ?`), userID,
	).Scan(&profile.ID, &profile.UserID, &tags, &tone)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user, nil, nil
		}
		return nil, nil, apperr.Storage("get profile", err)
	}
	profile.IllnessTags = []string{}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &profile.IllnessTags); err != nil {
			s.log.Warn("decode illness tags", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	profile.TonePreference = nullString(tone)
	return user, &profile, nil
}

// ListUsers returns other users, newest first, optionally filtered by name, alias or email.
func (s *Service) ListUsers(ctx context.Context, viewerID int64, search string) ([]models.PublicUser, error) {
	query := `SELECT id, name, alias, bio, created_at FROM users WHERE id <> ?`
	args := []any{viewerID}
	if term := strings.ToLower(strings.TrimSpace(search)); term != "" {
		pattern := "%" + escapeLike(term) + "%"
		query += ` AND (LOWER(name) LIKE ? ESCAPE '!' OR LOWER(COALESCE(alias, '')) LIKE ? ESCAPE '!' OR LOWER(email) LIKE ? ESCAPE '!')`
		args = append(args, pattern, pattern, pattern)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, MaxListedUsers)

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, apperr.Storage("list users", err)
	}
	defer rows.Close()

	users := make([]models.PublicUser, 0)
	for rows.Next() {
		u, err := scanPublicUser(rows)
		if err != nil {
			return nil, apperr.Storage("scan user", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("list users", err)
	}
	return users, nil
}

// GetUser returns the public view of a single user.
func (s *Service) GetUser(ctx context.Context, id int64) (*models.PublicUser, error) {
	if id <= 0 {
		return nil, apperr.NotFound("user not found")
	}
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT id, name, alias, bio, created_at FROM users WHERE id = ?`), id)
	u, err := scanPublicUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, apperr.Storage("get user", err)
	}
	return &u, nil
}

// Summaries loads display projections for ids in a single query. Unknown ids are absent.
func (s *Service) Summaries(ctx context.Context, ids []int64) (map[int64]models.UserSummary, error) {
	ids = lo.Uniq(lo.Filter(ids, func(id int64, _ int) bool { return id > 0 }))
	out := make(map[int64]models.UserSummary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := `SELECT id, name, alias FROM users WHERE id IN (` + storage.InClause(len(ids)) + `)`
	args := lo.Map(ids, func(id int64, _ int) any { return id })
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, apperr.Storage("load user summaries", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			u     models.UserSummary
			alias sql.NullString
		)
		if err := rows.Scan(&u.ID, &u.Name, &alias); err != nil {
			return nil, apperr.Storage("scan user summary", err)
		}
		u.Alias = nullString(alias)
		out[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("load user summaries", err)
	}
	return out, nil
}

// Exists reports whether a user with id is present.
func (s *Service) Exists(ctx context.Context, id int64) (bool, error) {
	if id <= 0 {
		return false, nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)`), id,
	).Scan(&exists); err != nil {
		return false, apperr.Storage("verify user", err)
	}
	return exists, nil
}

func (s *Service) emailTaken(ctx context.Context, email string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT EXISTS(SELECT 1 FROM users WHERE email = ?)`), email,
	).Scan(&exists); err != nil {
		return false, apperr.Storage("verify email", err)
	}
	return exists, nil
}

// userBy loads a full user row by a trusted column name.
func (s *Service) userBy(ctx context.Context, column string, value any) (*models.User, error) {
	var (
		u     models.User
		alias sql.NullString
		bio   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT id, email, password_hash, name, alias, bio, is_anonymous, created_at, updated_at FROM users WHERE `+column+` = ?`),
		value,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &alias, &bio, &u.IsAnonymous, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, apperr.Storage("query user", err)
	}
	u.Alias = nullString(alias)
	u.Bio = nullString(bio)
	return &u, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPublicUser(row rowScanner) (models.PublicUser, error) {
	var (
		u     models.PublicUser
		alias sql.NullString
		bio   sql.NullString
	)
	if err := row.Scan(&u.ID, &u.Name, &alias, &bio, &u.CreatedAt); err != nil {
		return u, err
	}
	u.Alias = nullString(alias)
	u.Bio = nullString(bio)
	return u, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid registration data"
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "email":
		return "email is not valid"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

func escapeLike(term string) string {
	r := strings.NewReplacer(`!`, `!!`, `%`, `!%`, `_`, `!_`)
	return r.Replace(term)
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
