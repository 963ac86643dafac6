package retained

import (
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/monstermq/broker/internal/message"
	"github.com/monstermq/broker/internal/topic"
)

// SQLStore is a durable RetainedStore backed by any database/sql driver
// wrapped with sqlx, following the teacher's sqlite-backed auth.Store
// (internal/auth/auth.go) for the query style. Wildcard matching is done
// in-process: the table only needs a point-lookup index, and the number of
// retained topics per broker is expected to be modest relative to message
// throughput.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore wraps an existing *sql.DB (teacher opens it in cmd/goqtt's
// main via sql.Open("sqlite3", ...)) and ensures the schema exists.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	dbx := sqlx.NewDb(db, "sqlite3")
	if _, err := dbx.Exec(`
		CREATE TABLE IF NOT EXISTS retained_messages (
			topic   TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			qos     INTEGER NOT NULL
		)
	`); err != nil {
		return nil, err
	}
	return &SQLStore{db: dbx}, nil
}

var _ Store = (*SQLStore)(nil)

func (s *SQLStore) StoreMessage(msg message.Message) error {
	if len(msg.Payload) == 0 {
		_, err := s.db.Exec(`DELETE FROM retained_messages WHERE topic = ?`, msg.Topic)
		return err
	}
	_, err := s.db.Exec(`
		INSERT INTO retained_messages (topic, payload, qos) VALUES (?, ?, ?)
		ON CONFLICT(topic) DO UPDATE SET payload = excluded.payload, qos = excluded.qos
	`, msg.Topic, msg.Payload, msg.QoS)
	return err
}

func (s *SQLStore) Get(topicName string) (message.Message, bool, error) {
	var row struct {
		Topic   string `db:"topic"`
		Payload []byte `db:"payload"`
		QoS     int    `db:"qos"`
	}
	err := s.db.Get(&row, `SELECT topic, payload, qos FROM retained_messages WHERE topic = ?`, topicName)
	if errors.Is(err, sql.ErrNoRows) {
		return message.Message{}, false, nil
	}
	if err != nil {
		return message.Message{}, false, err
	}
	return message.Message{
		Topic:   row.Topic,
		Payload: row.Payload,
		QoS:     message.QoS(row.QoS),
		Retain:  true,
	}, true, nil
}

func (s *SQLStore) Matching(filter string) ([]message.Message, error) {
	var rows []struct {
		Topic   string `db:"topic"`
		Payload []byte `db:"payload"`
		QoS     int    `db:"qos"`
	}
	if err := s.db.Select(&rows, `SELECT topic, payload, qos FROM retained_messages`); err != nil {
		return nil, err
	}

	out := make([]message.Message, 0, len(rows))
	for _, r := range rows {
		if topic.Matches(filter, r.Topic) {
			out = append(out, message.Message{
				Topic:   r.Topic,
				Payload: r.Payload,
				QoS:     message.QoS(r.QoS),
				Retain:  true,
			})
		}
	}
	return out, nil
}

func (s *SQLStore) Count() (int, error) {
	var n int
	err := s.db.Get(&n, `SELECT COUNT(*) FROM retained_messages`)
	return n, err
}
