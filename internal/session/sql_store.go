package session

import (
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/monstermq/broker/internal/message"
)

// SQLStore is a durable SessionStore, grounded on the teacher's sqlite
// session persistence idiom (internal/auth/auth.go opens the db via
// database/sql; cmd/goqtt/main.go wires sqlite3 through it). Queue
// entries are stored with a monotonic sequence column so Dequeue can
// return them in publish order.
type SQLStore struct {
	db       *sqlx.DB
	queueCap int
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps db and creates the session schema if missing.
func NewSQLStore(db *sql.DB, queueCap int) (*SQLStore, error) {
	dbx := sqlx.NewDb(db, "sqlite3")
	if _, err := dbx.Exec(`
		CREATE TABLE IF NOT EXISTS session_subscriptions (
			client_id TEXT NOT NULL,
			filter    TEXT NOT NULL,
			qos       INTEGER NOT NULL,
			PRIMARY KEY (client_id, filter)
		);
		CREATE TABLE IF NOT EXISTS session_wills (
			client_id TEXT PRIMARY KEY,
			topic     TEXT NOT NULL,
			payload   BLOB NOT NULL,
			qos       INTEGER NOT NULL,
			retain    INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS session_queue (
			seq       INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id TEXT NOT NULL,
			topic     TEXT NOT NULL,
			payload   BLOB NOT NULL,
			qos       INTEGER NOT NULL,
			retain    INTEGER NOT NULL
		);
	`); err != nil {
		return nil, err
	}
	return &SQLStore{db: dbx, queueCap: queueCap}, nil
}

func (s *SQLStore) CreateOrAttach(clientID string, cleanSession bool) (Attach, error) {
	if cleanSession {
		if err := s.Drop(clientID); err != nil {
			return Attach{}, err
		}
		return Attach{Present: false}, nil
	}

	var n int
	err := s.db.Get(&n, `
		SELECT COUNT(*) FROM (
			SELECT client_id FROM session_subscriptions WHERE client_id = ?
			UNION SELECT client_id FROM session_wills WHERE client_id = ?
			UNION SELECT client_id FROM session_queue WHERE client_id = ?
		)
	`, clientID, clientID, clientID)
	if err != nil {
		return Attach{}, err
	}
	return Attach{Present: n > 0}, nil
}

func (s *SQLStore) SaveSubscriptions(clientID string, changes []SubChange) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, c := range changes {
		if c.Removed {
			if _, err := tx.Exec(`DELETE FROM session_subscriptions WHERE client_id = ? AND filter = ?`, clientID, c.Filter); err != nil {
				return err
			}
			continue
		}
		if _, err := tx.Exec(`
			INSERT INTO session_subscriptions (client_id, filter, qos) VALUES (?, ?, ?)
			ON CONFLICT(client_id, filter) DO UPDATE SET qos = excluded.qos
		`, clientID, c.Filter, c.QoS); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) LoadSubscriptions(clientID string) ([]message.Subscription, error) {
	var rows []struct {
		Filter string `db:"filter"`
		QoS    int    `db:"qos"`
	}
	if err := s.db.Select(&rows, `SELECT filter, qos FROM session_subscriptions WHERE client_id = ?`, clientID); err != nil {
		return nil, err
	}
	out := make([]message.Subscription, 0, len(rows))
	for _, r := range rows {
		out = append(out, message.Subscription{ClientID: clientID, Filter: r.Filter, GrantedQoS: message.QoS(r.QoS)})
	}
	return out, nil
}

func (s *SQLStore) SetWill(clientID string, will *message.Will) error {
	if will == nil {
		_, err := s.db.Exec(`DELETE FROM session_wills WHERE client_id = ?`, clientID)
		return err
	}
	_, err := s.db.Exec(`
		INSERT INTO session_wills (client_id, topic, payload, qos, retain) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET topic = excluded.topic, payload = excluded.payload, qos = excluded.qos, retain = excluded.retain
	`, clientID, will.Topic, will.Payload, will.QoS, will.Retain)
	return err
}

func (s *SQLStore) GetWill(clientID string) (*message.Will, error) {
	var row struct {
		Topic   string `db:"topic"`
		Payload []byte `db:"payload"`
		QoS     int    `db:"qos"`
		Retain  bool   `db:"retain"`
	}
	err := s.db.Get(&row, `SELECT topic, payload, qos, retain FROM session_wills WHERE client_id = ?`, clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &message.Will{Topic: row.Topic, Payload: row.Payload, QoS: message.QoS(row.QoS), Retain: row.Retain}, nil
}

func (s *SQLStore) Enqueue(clientID string, msg message.Message) (bool, error) {
	dropped := false
	if s.queueCap > 0 {
		var n int
		if err := s.db.Get(&n, `SELECT COUNT(*) FROM session_queue WHERE client_id = ?`, clientID); err != nil {
			return false, err
		}
		if n >= s.queueCap {
			if _, err := s.db.Exec(`
				DELETE FROM session_queue WHERE seq = (
					SELECT seq FROM session_queue WHERE client_id = ? ORDER BY seq ASC LIMIT 1
				)
			`, clientID); err != nil {
				return false, err
			}
			dropped = true
		}
	}
	_, err := s.db.Exec(`
		INSERT INTO session_queue (client_id, topic, payload, qos, retain) VALUES (?, ?, ?, ?, ?)
	`, clientID, msg.Topic, msg.Payload, msg.QoS, msg.Retain)
	return dropped, err
}

func (s *SQLStore) Dequeue(clientID string) ([]message.Message, error) {
	var rows []struct {
		Topic   string `db:"topic"`
		Payload []byte `db:"payload"`
		QoS     int    `db:"qos"`
		Retain  bool   `db:"retain"`
	}
	if err := s.db.Select(&rows, `SELECT topic, payload, qos, retain FROM session_queue WHERE client_id = ? ORDER BY seq ASC`, clientID); err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(`DELETE FROM session_queue WHERE client_id = ?`, clientID); err != nil {
		return nil, err
	}

	out := make([]message.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, message.Message{Topic: r.Topic, Payload: r.Payload, QoS: message.QoS(r.QoS), Retain: r.Retain})
	}
	return out, nil
}

func (s *SQLStore) Drop(clientID string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM session_subscriptions WHERE client_id = ?`, clientID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM session_wills WHERE client_id = ?`, clientID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM session_queue WHERE client_id = ?`, clientID); err != nil {
		return err
	}
	return tx.Commit()
}
