package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation record.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (counterparty_id, display_name, unread_count, last_message_at, last_message_preview, sort_priority, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(counterparty_id) DO UPDATE SET
			display_name = excluded.display_name,
			unread_count = excluded.unread_count,
			last_message_at = excluded.last_message_at,
			last_message_preview = excluded.last_message_preview,
			sort_priority = excluded.sort_priority,
			updated_at = excluded.updated_at`,
		c.CounterpartyID, c.DisplayName, c.UnreadCount, c.LastMessageAt, c.LastMessagePreview, c.SortPriority, now)
	return err
}

// ListConversations returns every known conversation. Ordering is the
// index's concern; the store hands back rows for hydration.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT counterparty_id, display_name, unread_count, last_message_at, last_message_preview, sort_priority
		FROM conversations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.CounterpartyID, &c.DisplayName, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview, &c.SortPriority); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns one conversation, or nil if unknown.
func (db *DB) GetConversation(counterpartyID string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT counterparty_id, display_name, unread_count, last_message_at, last_message_preview, sort_priority
		FROM conversations WHERE counterparty_id = ?`, counterpartyID).
		Scan(&c.CounterpartyID, &c.DisplayName, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview, &c.SortPriority)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
