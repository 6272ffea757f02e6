package store

// UpsertPresence inserts or updates one user's presence record.
func (db *DB) UpsertPresence(p *PresenceRecord) error {
	_, err := db.Exec(`
		INSERT INTO presence (user_id, is_online, last_seen_at, updated_at, from_push)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			is_online = excluded.is_online,
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at,
			from_push = excluded.from_push`,
		p.UserID, p.IsOnline, p.LastSeenAt, p.UpdatedAt, p.FromPush)
	return err
}

// ListPresence returns all persisted presence records. Online flags are
// stale across a restart; the tracker hydrates last-seen times from them
// and treats everyone as offline until a fresh observation arrives.
func (db *DB) ListPresence() ([]PresenceRecord, error) {
	rows, err := db.Query(`SELECT user_id, is_online, last_seen_at, updated_at, from_push FROM presence`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []PresenceRecord
	for rows.Next() {
		var p PresenceRecord
		if err := rows.Scan(&p.UserID, &p.IsOnline, &p.LastSeenAt, &p.UpdatedAt, &p.FromPush); err != nil {
			return nil, err
		}
		recs = append(recs, p)
	}
	return recs, rows.Err()
}
