package database

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"scuffedchat/apperr"
	"scuffedchat/models"
)

const userColumns = `id, username, email, phone, password, avatar, status, last_seen, created_at`

func scanUser(row interface{ Scan(dest ...any) error }) (*models.User, error) {
	var (
		user     models.User
		email    sql.NullString
		phone    sql.NullString
		lastSeen sql.NullTime
	)
	err := row.Scan(&user.ID, &user.Username, &email, &phone, &user.Password,
		&user.Avatar, &user.Status, &lastSeen, &user.CreatedAt)
	if err != nil {
		return nil, err
	}
	user.Email = email.String
	user.Phone = phone.String
	if lastSeen.Valid {
		t := lastSeen.Time
		user.LastSeen = &t
	}
	return &user, nil
}

// CreateUser inserts a new user. ID and CreatedAt are filled in on success.
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	user.CreatedAt = time.Now().UTC()
	err := s.queryRow(ctx, s.conn,
		`INSERT INTO users (username, email, phone, password, avatar, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		user.Username, nullString(user.Email), nullString(user.Phone), user.Password,
		user.Avatar, user.Status, user.CreatedAt,
	).Scan(&user.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return takenErr(err)
		}
		return storeErr(err)
	}
	return nil
}

func (s *Store) getUser(ctx context.Context, where string, args ...any) (*models.User, error) {
	user, err := scanUser(s.queryRow(ctx, s.conn,
		`SELECT `+userColumns+` FROM users WHERE `+where+` LIMIT 1`, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrUserNotFound
		}
		return nil, storeErr(err)
	}
	return user, nil
}

// GetUserByID retrieves a user by their ID
func (s *Store) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return s.getUser(ctx, "id = ?", id)
}

// GetUserByUsername retrieves a user by their username
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.getUser(ctx, "username = ?", username)
}

// GetUserByEmail retrieves a user by their email
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, "email = ?", strings.ToLower(email))
}

// GetUserByPhone retrieves a user by their phone number
func (s *Store) GetUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	return s.getUser(ctx, "phone = ?", phone)
}

// FindByIdentifier resolves a free-text identifier: email (case-insensitive),
// then phone, then username.
func (s *Store) FindByIdentifier(ctx context.Context, identifier string) (*models.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, apperr.ErrUserNotFound
	}
	email := strings.ToLower(identifier)
	// One user's username may equal another's phone; email wins, then phone.
	return s.getUser(ctx, `email = ? OR phone = ? OR username = ?
		ORDER BY CASE WHEN email = ? THEN 0 WHEN phone = ? THEN 1 ELSE 2 END`,
		email, identifier, identifier, email, identifier)
}

// UpdateProfile applies the non-empty fields of update
func (s *Store) UpdateProfile(ctx context.Context, id int64, update models.ProfileUpdate) (*models.User, error) {
	var (
		sets []string
		args []any
	)
	if update.Username != "" {
		sets = append(sets, "username = ?")
		args = append(args, update.Username)
	}
	if update.Phone != "" {
		sets = append(sets, "phone = ?")
		args = append(args, update.Phone)
	}
	if update.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, update.Status)
	}
	if update.Avatar != "" {
		sets = append(sets, "avatar = ?")
		args = append(args, update.Avatar)
	}
	if len(sets) > 0 {
		args = append(args, id)
		result, err := s.exec(ctx, s.conn,
			`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, takenErr(err)
			}
			return nil, storeErr(err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return nil, apperr.ErrUserNotFound
		}
	}
	return s.GetUserByID(ctx, id)
}

// SetLastSeen stamps the moment a user went offline
func (s *Store) SetLastSeen(ctx context.Context, id int64, at time.Time) error {
	_, err := s.exec(ctx, s.conn, `UPDATE users SET last_seen = ? WHERE id = ?`, at.UTC(), id)
	return storeErr(err)
}

// SearchUsers finds users whose username, email or phone contains query,
// excluding viewerID. Status is computed from the viewer's side only:
// friend when both rows exist, pending when the viewer is waiting on the
// match (a request, or a friendship row the match has not returned).
func (s *Store) SearchUsers(ctx context.Context, query string, viewerID int64, limit int) ([]models.SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + query + "%"
	rows, err := s.query(ctx, s.conn,
		`SELECT u.id, u.username, u.email, u.phone, u.avatar,
			EXISTS(SELECT 1 FROM friendships f WHERE f.user_id = ? AND f.friend_id = u.id),
			EXISTS(SELECT 1 FROM friendships f WHERE f.user_id = u.id AND f.friend_id = ?),
			EXISTS(SELECT 1 FROM friend_requests r WHERE r.sender_id = ? AND r.receiver_id = u.id)
		FROM users u
		WHERE u.id != ? AND (u.username `+s.dialect.like+` ? OR u.email `+s.dialect.like+` ? OR u.phone `+s.dialect.like+` ?)
		ORDER BY u.username
		LIMIT ?`,
		viewerID, viewerID, viewerID, viewerID, pattern, pattern, pattern, limit,
	)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		var (
			r                    models.SearchResult
			email, phone         sql.NullString
			mine, theirs, sentTo bool
		)
		if err := rows.Scan(&r.ID, &r.Username, &email, &phone, &r.Avatar, &mine, &theirs, &sentTo); err != nil {
			return nil, storeErr(err)
		}
		r.Email = email.String
		r.Phone = phone.String
		switch {
		case mine && theirs:
			r.Status = models.FriendStatusFriend
		case sentTo || mine:
			r.Status = models.FriendStatusPending
		default:
			r.Status = models.FriendStatusNone
		}
		results = append(results, r)
	}
	return results, storeErr(rows.Err())
}

func (s *Store) listUsers(ctx context.Context, query string, args ...any) ([]models.User, error) {
	rows, err := s.query(ctx, s.conn, query, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		users = append(users, *user)
	}
	return users, storeErr(rows.Err())
}
