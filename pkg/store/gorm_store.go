package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"mirage/pkg/domain"
)

const migrateLockID int64 = 61472093

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &SessionModel{}, &MessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'messages'
					AND constraint_name = 'messages_session_id_fkey'
				) THEN
					DELETE FROM messages m
					WHERE NOT EXISTS (SELECT 1 FROM sessions s WHERE s.id = m.session_id);
					ALTER TABLE messages
					ADD CONSTRAINT messages_session_id_fkey
					FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure message foreign key: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// failed logs unexpected database errors and hands them back to the caller.
func failed(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	slog.Error("store operation failed", "op", op, "err", err)
	return fmt.Errorf("%s: %w", op, err)
}

// users

// CreateUser inserts a new user with default fields populated.
func (s *GormStore) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	now := time.Now().UTC()
	applyUserDefaults(&u)
	u.IsActive = true
	u.CreatedAt = now
	u.UpdatedAt = now
	model := userToModel(u)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.User{}, failed("create user", err)
	}
	return userFromModel(model), nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return domain.User{}, failed("get user", err)
	}
	return userFromModel(model), nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", strings.TrimSpace(email)).First(&model).Error; err != nil {
		return domain.User{}, failed("get user by email", err)
	}
	return userFromModel(model), nil
}

// UpdateUser applies non-nil profile fields.
func (s *GormStore) UpdateUser(ctx context.Context, id string, upd UserUpdate) (domain.User, error) {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if upd.FullName != nil {
		updates["full_name"] = *upd.FullName
	}
	if upd.AvatarURL != nil {
		updates["avatar_url"] = *upd.AvatarURL
	}
	if upd.PreferredAgentType != nil {
		updates["preferred_agent_type"] = *upd.PreferredAgentType
	}
	if upd.IsActive != nil {
		updates["is_active"] = *upd.IsActive
	}
	if err := s.updateRow(ctx, "update user", &UserModel{}, id, updates); err != nil {
		return domain.User{}, err
	}
	return s.GetUserByID(ctx, id)
}

// DeleteUser hard-deletes a user.
func (s *GormStore) DeleteUser(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&UserModel{}, "id = ?", id)
	if res.Error != nil {
		return failed("delete user", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLastLogin stamps the login time.
func (s *GormStore) UpdateLastLogin(ctx context.Context, id string) (domain.User, error) {
	now := time.Now().UTC()
	if err := s.updateRow(ctx, "update last login", &UserModel{}, id, map[string]any{
		"last_login_at": now,
		"updated_at":    now,
	}); err != nil {
		return domain.User{}, err
	}
	return s.GetUserByID(ctx, id)
}

// UpdatePreferences replaces preferences and optionally the preferred agent type.
func (s *GormStore) UpdatePreferences(ctx context.Context, id string, prefs map[string]any, preferredAgentType string) (domain.User, error) {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if prefs != nil {
		updates["preferences"] = encodeJSON(prefs)
	}
	if preferredAgentType != "" {
		updates["preferred_agent_type"] = preferredAgentType
	}
	if err := s.updateRow(ctx, "update preferences", &UserModel{}, id, updates); err != nil {
		return domain.User{}, err
	}
	return s.GetUserByID(ctx, id)
}

// sessions

// CreateSession inserts a session with default status, title and agent type.
func (s *GormStore) CreateSession(ctx context.Context, sess domain.Session) (domain.Session, error) {
	now := time.Now().UTC()
	applySessionDefaults(&sess)
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	sess.CreatedAt = now
	sess.UpdatedAt = now
	sess.LastActivity = now
	model := sessionToModel(sess)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Session{}, failed("create session", err)
	}
	return sessionFromModel(model), nil
}

// GetSession returns one session by ID regardless of status.
func (s *GormStore) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var model SessionModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return domain.Session{}, failed("get session", err)
	}
	return sessionFromModel(model), nil
}

// ListUserSessions returns a user's sessions, most recently active first.
func (s *GormStore) ListUserSessions(ctx context.Context, userID string, activeOnly bool) ([]domain.Session, error) {
	tx := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if activeOnly {
		tx = tx.Where("status = ?", string(domain.SessionActive))
	} else {
		tx = tx.Where("status <> ?", string(domain.SessionDeleted))
	}
	var models []SessionModel
	if err := tx.Order("last_activity DESC").Find(&models).Error; err != nil {
		return nil, failed("list sessions", err)
	}
	items := make([]domain.Session, 0, len(models))
	for _, m := range models {
		items = append(items, sessionFromModel(m))
	}
	return items, nil
}

// UpdateSession applies non-nil session fields.
func (s *GormStore) UpdateSession(ctx context.Context, id string, upd SessionUpdate) (domain.Session, error) {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if upd.Title != nil {
		updates["title"] = *upd.Title
	}
	if upd.AgentType != nil {
		updates["agent_type"] = *upd.AgentType
	}
	if upd.Status != nil {
		updates["status"] = string(*upd.Status)
	}
	if err := s.updateRow(ctx, "update session", &SessionModel{}, id, updates); err != nil {
		return domain.Session{}, err
	}
	return s.GetSession(ctx, id)
}

// TouchSession stamps last activity.
func (s *GormStore) TouchSession(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.updateRow(ctx, "touch session", &SessionModel{}, id, map[string]any{
		"last_activity": now,
		"updated_at":    now,
	})
}

// SetRoomName records the LiveKit room assigned to a session.
func (s *GormStore) SetRoomName(ctx context.Context, id, roomName string) (domain.Session, error) {
	now := time.Now().UTC()
	if err := s.updateRow(ctx, "set room name", &SessionModel{}, id, map[string]any{
		"livekit_room_name": roomName,
		"last_activity":     now,
		"updated_at":        now,
	}); err != nil {
		return domain.Session{}, err
	}
	return s.GetSession(ctx, id)
}

// EndSession marks a session ended.
func (s *GormStore) EndSession(ctx context.Context, id string) (domain.Session, error) {
	status := domain.SessionEnded
	return s.UpdateSession(ctx, id, SessionUpdate{Status: &status})
}

// DeleteSession soft-deletes a session.
func (s *GormStore) DeleteSession(ctx context.Context, id string) error {
	return s.updateRow(ctx, "delete session", &SessionModel{}, id, map[string]any{
		"status":     string(domain.SessionDeleted),
		"updated_at": time.Now().UTC(),
	})
}

// DeleteUserSessions soft-deletes every session of a user.
func (s *GormStore) DeleteUserSessions(ctx context.Context, userID string) error {
	err := s.db.WithContext(ctx).Model(&SessionModel{}).
		Where("user_id = ? AND status <> ?", userID, string(domain.SessionDeleted)).
		Updates(map[string]any{
			"status":     string(domain.SessionDeleted),
			"updated_at": time.Now().UTC(),
		}).Error
	if err != nil {
		return failed("delete user sessions", err)
	}
	return nil
}

// messages

// CreateMessage records a conversation turn.
func (s *GormStore) CreateMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}
	msg.CreatedAt = time.Now().UTC()
	model := messageToModel(msg)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Message{}, failed("create message", err)
	}
	return messageFromModel(model), nil
}

// GetMessage returns one message by ID.
func (s *GormStore) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	var model MessageModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return domain.Message{}, failed("get message", err)
	}
	return messageFromModel(model), nil
}

// ListSessionMessages returns messages in creation order.
func (s *GormStore) ListSessionMessages(ctx context.Context, sessionID string, limit, offset int) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Limit(limit).
		Offset(offset).
		Find(&models).Error; err != nil {
		return nil, failed("list messages", err)
	}
	items := make([]domain.Message, 0, len(models))
	for _, m := range models {
		items = append(items, messageFromModel(m))
	}
	return items, nil
}

// CountSessionMessages returns the number of messages in a session.
func (s *GormStore) CountSessionMessages(ctx context.Context, sessionID string) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&MessageModel{}).Where("session_id = ?", sessionID).Count(&count).Error; err != nil {
		return 0, failed("count messages", err)
	}
	return int(count), nil
}

// DeleteSessionMessages removes every message of a session.
func (s *GormStore) DeleteSessionMessages(ctx context.Context, sessionID string) error {
	if err := s.db.WithContext(ctx).Delete(&MessageModel{}, "session_id = ?", sessionID).Error; err != nil {
		return failed("delete messages", err)
	}
	return nil
}

func (s *GormStore) updateRow(ctx context.Context, op string, model any, id string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return failed(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
