package sqlstore

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/pliu/classchat/internal/models"
)

// RecordMessage stores a direct message or file note between two users.
func (s *SQLStore) RecordMessage(sender, receiver string, kind models.Kind, content string) error {
	return s.record(sender, receiver, kind, content, false)
}

// RecordGroupMessage stores a message or file note posted to group.
func (s *SQLStore) RecordGroupMessage(sender, group string, kind models.Kind, content string) error {
	return s.record(sender, group, kind, content, true)
}

func (s *SQLStore) record(sender, receiver string, kind models.Kind, content string, isGroup bool) error {
	query := s.rebind("INSERT INTO messages (sender, receiver, kind, content, is_group, timestamp) VALUES (?, ?, ?, ?, ?, ?)")
	if _, err := s.db.Exec(query, sender, receiver, string(kind), content, isGroup, s.nowFn()); err != nil {
		return unavailable("record message", err)
	}
	return nil
}

// ConversationHistory returns the latest direct messages exchanged by user and peer, oldest first.
func (s *SQLStore) ConversationHistory(user, peer string, limit int) ([]models.Message, error) {
	query := s.rebind(`
		SELECT id, sender, receiver, kind, content, is_group, timestamp
		FROM messages
		WHERE is_group = FALSE AND ((sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?))
		ORDER BY id DESC
		LIMIT ?
	`)
	rows, err := s.db.Query(query, user, peer, peer, user, limit)
	if err != nil {
		return nil, unavailable("conversation history", err)
	}
	return scanHistory(rows)
}

// GroupHistory returns the latest messages posted to group, oldest first.
func (s *SQLStore) GroupHistory(group string, limit int) ([]models.Message, error) {
	query := s.rebind(`
		SELECT id, sender, receiver, kind, content, is_group, timestamp
		FROM messages
		WHERE is_group = TRUE AND receiver = ?
		ORDER BY id DESC
		LIMIT ?
	`)
	rows, err := s.db.Query(query, group, limit)
	if err != nil {
		return nil, unavailable("group history", err)
	}
	return scanHistory(rows)
}

func scanHistory(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var kind string
		if err := rows.Scan(&m.ID, &m.Sender, &m.Receiver, &kind, &m.Content, &m.IsGroup, &m.Timestamp); err != nil {
			return nil, unavailable("scan message", err)
		}
		m.Kind = models.Kind(kind)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("read history", err)
	}
	// Reverse to oldest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *SQLStore) EnqueueOffline(msg models.OfflineMessage) error {
	if msg.Receiver == "" {
		return fmt.Errorf("offline message requires a receiver")
	}
	ts := msg.Timestamp.UTC()
	if ts.IsZero() {
		ts = s.nowFn()
	}
	query := s.rebind(`
		INSERT INTO offline_messages (receiver, sender, kind, content, group_name, delivered, timestamp)
		VALUES (?, ?, ?, ?, ?, FALSE, ?)
	`)
	if _, err := s.db.Exec(query, msg.Receiver, msg.Sender, string(msg.Kind), msg.Content, msg.GroupName, ts); err != nil {
		return unavailable("enqueue offline", err)
	}
	return nil
}

// DrainOffline returns undelivered messages for receiver, oldest first, and
// marks them delivered in the same transaction.
func (s *SQLStore) DrainOffline(receiver string) ([]models.OfflineMessage, error) {
	lock := s.receiverLock(receiver)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, unavailable("begin drain", err)
	}
	defer tx.Rollback()

	selectQuery := `
		SELECT id, receiver, sender, kind, content, group_name, timestamp
		FROM offline_messages
		WHERE receiver = ? AND delivered = FALSE
		ORDER BY timestamp ASC, id ASC
	`
	if s.driverName == "postgres" {
		selectQuery += " FOR UPDATE"
	}
	rows, err := tx.Query(s.rebind(selectQuery), receiver)
	if err != nil {
		return nil, unavailable("select offline", err)
	}

	var pending []models.OfflineMessage
	for rows.Next() {
		var m models.OfflineMessage
		var kind string
		if err := rows.Scan(&m.ID, &m.Receiver, &m.Sender, &kind, &m.Content, &m.GroupName, &m.Timestamp); err != nil {
			rows.Close()
			return nil, unavailable("scan offline", err)
		}
		m.Kind = models.Kind(kind)
		pending = append(pending, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, unavailable("read offline", err)
	}
	rows.Close()
	if len(pending) == 0 {
		return nil, nil
	}

	update := s.rebind("UPDATE offline_messages SET delivered = TRUE WHERE id = ?")
	for i := range pending {
		if _, err := tx.Exec(update, pending[i].ID); err != nil {
			return nil, unavailable("mark delivered", err)
		}
		pending[i].Delivered = true
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit drain", err)
	}
	return pending, nil
}

func (s *SQLStore) PendingOffline(receiver string) (int, error) {
	var count int
	query := s.rebind("SELECT COUNT(*) FROM offline_messages WHERE receiver = ? AND delivered = FALSE")
	if err := s.db.QueryRow(query, receiver).Scan(&count); err != nil {
		return 0, unavailable("count offline", err)
	}
	return count, nil
}

func (s *SQLStore) receiverLock(receiver string) *sync.Mutex {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()
	lock, ok := s.drains[receiver]
	if !ok {
		lock = &sync.Mutex{}
		s.drains[receiver] = lock
	}
	return lock
}
