// Package auth implements the AuthPolicy capability (spec §6): CONNECT-time
// credential checks plus a per-operation authorization boundary, grounded
// on the teacher's sqlite-backed Store (internal/auth/auth.go).
package auth

import (
	"database/sql"
	"errors"

	"github.com/monstermq/broker/internal/topic"
	"github.com/monstermq/broker/pkg/er"
	h "github.com/monstermq/broker/pkg/hash"
)

// Op names the capability being checked by Authorize.
type Op int

const (
	OpPublish Op = iota
	OpSubscribe
)

// Store is the AuthPolicy backend: a users table (username, secret hash)
// plus an optional per-user ACL of allowed topic filters. An empty ACL for
// a user is treated as "allow everything" — AuthPolicy is opt-in.
type Store struct {
	db *sql.DB
}

// New wraps an existing *sql.DB containing a `users` table and, optionally,
// a `user_acls` table (username, op, filter).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Authenticate verifies a CONNECT packet's username/password against the
// stored bcrypt hash.
func (s *Store) Authenticate(username, password string) error {
	var hash string

	err := s.db.QueryRow("SELECT secret FROM users WHERE username = ?", username).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &er.Err{Context: "Auth", Message: er.ErrUserNotFound}
		}
		return &er.Err{Context: "Auth", Message: err}
	}

	if !h.VerifyPasswd(hash, password) {
		return &er.Err{Context: "Auth", Message: er.ErrInvalidPassword}
	}

	return nil
}

// Authorize reports whether username may perform op on topicName. Absent
// any ACL rows for username, the operation is allowed (spec §6: AuthPolicy
// is a capability boundary, not a default-deny firewall).
func (s *Store) Authorize(username string, op Op, topicName string) error {
	rows, err := s.db.Query(
		`SELECT op, filter FROM user_acls WHERE username = ?`,
		username,
	)
	if err != nil {
		return &er.Err{Context: "Auth", Message: err}
	}
	defer rows.Close()

	hasACL := false
	var filters []string
	for rows.Next() {
		var o, f string
		if err := rows.Scan(&o, &f); err != nil {
			return &er.Err{Context: "Auth", Message: err}
		}
		hasACL = true
		if o == opName(op) {
			filters = append(filters, f)
		}
	}
	if !hasACL {
		return nil
	}

	for _, f := range filters {
		if topic.Matches(f, topicName) {
			return nil
		}
	}
	return &er.Err{Context: "Auth", Message: er.ErrNotAuthorized}
}

func opName(op Op) string {
	if op == OpSubscribe {
		return "subscribe"
	}
	return "publish"
}
