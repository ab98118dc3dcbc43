package database

import (
	"context"
	"database/sql"
	"time"

	"scuffedchat/models"
)

// PairTx is a transaction scoped to one unordered pair of users. All friend
// state transitions run inside one so the checks and the writes see the same
// snapshot, and concurrent transitions on the same pair serialize.
type PairTx struct {
	s  *Store
	tx *sql.Tx
}

// WithPair runs fn in a transaction holding the pair (a, b). On postgres both
// user rows are locked in id order; sqlite already serializes writers.
func (s *Store) WithPair(ctx context.Context, a, b int64, fn func(ctx context.Context, p *PairTx) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if s.dialect.lockPair != "" {
			rows, err := s.query(ctx, tx, s.dialect.lockPair, a, b)
			if err != nil {
				return storeErr(err)
			}
			for rows.Next() {
			}
			err = rows.Err()
			rows.Close()
			if err != nil {
				return storeErr(err)
			}
		}
		return fn(ctx, &PairTx{s: s, tx: tx})
	})
}

func (p *PairTx) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var ok bool
	err := p.s.queryRow(ctx, p.tx, `SELECT EXISTS(`+query+`)`, args...).Scan(&ok)
	return ok, storeErr(err)
}

// HasFriendRow reports whether owner lists friend in its friends set
func (p *PairTx) HasFriendRow(ctx context.Context, owner, friend int64) (bool, error) {
	return p.exists(ctx, `SELECT 1 FROM friendships WHERE user_id = ? AND friend_id = ?`, owner, friend)
}

// HasRequest reports whether sender is in receiver's pending set
func (p *PairTx) HasRequest(ctx context.Context, sender, receiver int64) (bool, error) {
	return p.exists(ctx, `SELECT 1 FROM friend_requests WHERE sender_id = ? AND receiver_id = ?`, sender, receiver)
}

// InsertRequest adds sender to receiver's pending set. It reports false when
// the request already existed.
func (p *PairTx) InsertRequest(ctx context.Context, sender, receiver int64) (bool, error) {
	result, err := p.s.exec(ctx, p.tx,
		`INSERT INTO friend_requests (sender_id, receiver_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT (sender_id, receiver_id) DO NOTHING`,
		sender, receiver, time.Now().UTC())
	if err != nil {
		return false, storeErr(err)
	}
	n, err := result.RowsAffected()
	return n > 0, storeErr(err)
}

// DeleteRequest removes sender from receiver's pending set. It reports
// whether a request was actually removed; that is the authoritative check
// for accept, reject and cancel.
func (p *PairTx) DeleteRequest(ctx context.Context, sender, receiver int64) (bool, error) {
	result, err := p.s.exec(ctx, p.tx,
		`DELETE FROM friend_requests WHERE sender_id = ? AND receiver_id = ?`, sender, receiver)
	if err != nil {
		return false, storeErr(err)
	}
	n, err := result.RowsAffected()
	return n > 0, storeErr(err)
}

// InsertFriendship writes both directions of a friendship. Existing rows are
// kept, so it also completes a one-sided friendship.
func (p *PairTx) InsertFriendship(ctx context.Context, a, b int64) error {
	now := time.Now().UTC()
	for _, pair := range [][2]int64{{a, b}, {b, a}} {
		_, err := p.s.exec(ctx, p.tx,
			`INSERT INTO friendships (user_id, friend_id, created_at) VALUES (?, ?, ?)
			ON CONFLICT (user_id, friend_id) DO NOTHING`,
			pair[0], pair[1], now)
		if err != nil {
			return storeErr(err)
		}
	}
	return nil
}

// DeleteFriendRow removes one direction of a friendship and reports whether
// it existed.
func (p *PairTx) DeleteFriendRow(ctx context.Context, owner, friend int64) (bool, error) {
	result, err := p.s.exec(ctx, p.tx,
		`DELETE FROM friendships WHERE user_id = ? AND friend_id = ?`, owner, friend)
	if err != nil {
		return false, storeErr(err)
	}
	n, err := result.RowsAffected()
	return n > 0, storeErr(err)
}

// ListFriends returns the users with a friendship in both directions
func (s *Store) ListFriends(ctx context.Context, userID int64) ([]models.User, error) {
	return s.listUsers(ctx,
		`SELECT u.id, u.username, u.email, u.phone, u.password, u.avatar, u.status, u.last_seen, u.created_at
		FROM friendships f
		JOIN friendships back ON back.user_id = f.friend_id AND back.friend_id = f.user_id
		JOIN users u ON u.id = f.friend_id
		WHERE f.user_id = ?
		ORDER BY u.username`,
		userID)
}

// ListPendingRequesters returns everyone waiting on userID's answer. A
// one-sided friendship where the other user lists userID but userID does not
// list them back counts as pending from userID's side.
func (s *Store) ListPendingRequesters(ctx context.Context, userID int64) ([]models.User, error) {
	return s.listUsers(ctx,
		`SELECT u.id, u.username, u.email, u.phone, u.password, u.avatar, u.status, u.last_seen, u.created_at
		FROM users u
		WHERE u.id IN (
			SELECT r.sender_id FROM friend_requests r WHERE r.receiver_id = ?
			UNION
			SELECT f.user_id FROM friendships f
			WHERE f.friend_id = ? AND NOT EXISTS (
				SELECT 1 FROM friendships back WHERE back.user_id = f.friend_id AND back.friend_id = f.user_id
			)
		)
		ORDER BY u.username`,
		userID, userID)
}

// AreFriends reports whether both directions of a friendship exist
func (s *Store) AreFriends(ctx context.Context, a, b int64) (bool, error) {
	var ok bool
	err := s.queryRow(ctx, s.conn,
		`SELECT COUNT(*) = 2 FROM friendships
		WHERE (user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)`,
		a, b, b, a).Scan(&ok)
	return ok, storeErr(err)
}
