package store

import "time"

// UpsertMessage inserts or updates a message, idempotent on
// (conversation_id, msg_id). Status monotonicity is the reconciler's job;
// the store writes whatever it is handed.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, content, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			content = excluded.content,
			status = excluded.status,
			timestamp = excluded.timestamp`,
		m.ConversationID, m.MsgID, m.SenderID, m.SenderName, m.Content, m.Status, m.Timestamp, now)
	return err
}

// RewriteMsgID replaces a client temp id with the server-assigned id once a
// send is confirmed. If a row with the final id already exists (the socket
// echo was persisted first), the temp row is deleted instead so the
// uniqueness invariant holds.
func (db *DB) RewriteMsgID(conversationID, tempID, finalID string) error {
	var exists int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		conversationID, finalID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		_, err = db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`,
			conversationID, tempID)
		return err
	}
	_, err = db.Exec(`UPDATE messages SET msg_id = ? WHERE conversation_id = ? AND msg_id = ?`,
		finalID, conversationID, tempID)
	return err
}

// SetMessageStatus updates one message's status.
func (db *DB) SetMessageStatus(conversationID, msgID string, status Status) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE conversation_id = ? AND msg_id = ?`,
		status, conversationID, msgID)
	return err
}

// ListMessages returns messages for a conversation using keyset pagination
// by timestamp, newest first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, sender_id, sender_name, content, status, timestamp
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.SenderName, &m.Content, &m.Status, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
