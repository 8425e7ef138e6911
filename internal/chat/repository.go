package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Repository is the Postgres Store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func mustAffect(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------
// Users
// ---------------------------------------------

func (r *Repository) FindUserByID(ctx context.Context, id string) (User, error) {
	query := `
		SELECT id, username, COALESCE(avatar, ''), status, COALESCE(last_seen, created_at)
		FROM users WHERE id = $1`
	var u User
	err := r.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Username, &u.Avatar, &u.Status, &u.LastSeen)
	if err != nil {
		return User{}, notFound(err)
	}
	return u, nil
}

func (r *Repository) UpdateUserPresence(ctx context.Context, id string, status Status, lastSeen time.Time) error {
	query := "UPDATE users SET status = $2, last_seen = $3 WHERE id = $1"
	return mustAffect(r.db.ExecContext(ctx, query, id, status, lastSeen))
}

// ---------------------------------------------
// Rooms
// ---------------------------------------------

const roomColumns = `
	r.id, r.name, r.type, r.description, COALESCE(r.last_message_id, ''), r.created_at, r.updated_at,
	COALESCE((SELECT string_agg(m.user_id, ',' ORDER BY m.joined_at) FROM room_members m WHERE m.room_id = r.id), '')`

func scanRoom(row interface{ Scan(...any) error }) (Room, error) {
	var (
		room    Room
		members string
	)
	err := row.Scan(&room.ID, &room.Name, &room.Type, &room.Description, &room.LastMessageID,
		&room.CreatedAt, &room.UpdatedAt, &members)
	room.Members = []string{}
	if members != "" {
		room.Members = strings.Split(members, ",")
	}
	return room, err
}

func (r *Repository) FindRoomByID(ctx context.Context, id string) (Room, error) {
	query := "SELECT " + roomColumns + " FROM rooms r WHERE r.id = $1"
	room, err := scanRoom(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return Room{}, notFound(err)
	}
	return room, nil
}

func (r *Repository) FindRoomsByMember(ctx context.Context, userID string) ([]Room, error) {
	query := `SELECT ` + roomColumns + `
		FROM rooms r
		JOIN room_members rm ON rm.room_id = r.id
		WHERE rm.user_id = $1
		ORDER BY r.updated_at DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// FindOrCreateRoom relies on the primary key: concurrent inserts of the same
// id collapse into one row.
func (r *Repository) FindOrCreateRoom(ctx context.Context, tmpl Room) (Room, error) {
	if tmpl.ID == "" {
		tmpl.ID = uuid.NewString()
	}
	if tmpl.Type == "" {
		tmpl.Type = RoomPublic
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO rooms (id, name, type, description) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`, tmpl.ID, tmpl.Name, tmpl.Type, tmpl.Description)
	if err != nil {
		return Room{}, fmt.Errorf("insert room: %w", err)
	}
	if created, _ := res.RowsAffected(); created > 0 {
		for _, member := range tmpl.Members {
			if err := addMember(ctx, tx, tmpl.ID, member); err != nil {
				return Room{}, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return Room{}, err
	}
	return r.FindRoomByID(ctx, tmpl.ID)
}

func addMember(ctx context.Context, q querier, roomID, userID string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO room_members (room_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, roomID, userID)
	if err != nil {
		return fmt.Errorf("add room member: %w", err)
	}
	return nil
}

func (r *Repository) AddRoomMember(ctx context.Context, roomID, userID string) error {
	return addMember(ctx, r.db, roomID, userID)
}

func (r *Repository) UpdateRoomLastMessage(ctx context.Context, roomID, messageID string, at time.Time) error {
	query := "UPDATE rooms SET last_message_id = $2, updated_at = $3 WHERE id = $1"
	return mustAffect(r.db.ExecContext(ctx, query, roomID, messageID, at))
}

// ---------------------------------------------
// Messages
// ---------------------------------------------

const messageColumns = `
	m.id, m.room_id, m.content, m.type,
	COALESCE(m.file_url, '') AS file_url, COALESCE(m.file_name, '') AS file_name, COALESCE(m.file_size, 0) AS file_size,
	COALESCE(m.reply_to, '') AS reply_to, m.sender_id, u.username, COALESCE(u.avatar, '') AS avatar,
	m.edited, m.edited_at, m.created_at`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var (
		m        Message
		fileURL  string
		fileName string
		fileSize int64
		editedAt sql.NullTime
	)
	err := row.Scan(&m.ID, &m.RoomID, &m.Content, &m.Type, &fileURL, &fileName, &fileSize,
		&m.ReplyTo, &m.SenderID, &m.SenderName, &m.SenderAvatar, &m.Edited, &editedAt, &m.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	if fileURL != "" {
		m.File = &FileRef{URL: fileURL, Name: fileName, Size: fileSize}
	}
	if editedAt.Valid {
		at := editedAt.Time
		m.EditedAt = &at
	}
	m.Reactions = []Reaction{}
	m.ReadBy = []ReadReceipt{}
	return m, nil
}

func (r *Repository) CreateMessage(ctx context.Context, nm NewMessage) (Message, error) {
	id := uuid.NewString()
	var fileURL, fileName sql.NullString
	var fileSize sql.NullInt64
	if nm.File != nil {
		fileURL = sql.NullString{String: nm.File.URL, Valid: true}
		fileName = sql.NullString{String: nm.File.Name, Valid: nm.File.Name != ""}
		fileSize = sql.NullInt64{Int64: nm.File.Size, Valid: nm.File.Size > 0}
	}
	replyTo := sql.NullString{String: nm.ReplyTo, Valid: nm.ReplyTo != ""}

	query := `
		INSERT INTO messages (id, room_id, sender_id, content, type, file_url, file_name, file_size, reply_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := r.db.ExecContext(ctx, query, id, nm.RoomID, nm.SenderID, nm.Content, nm.Type,
		fileURL, fileName, fileSize, replyTo); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return r.FindMessageByID(ctx, id)
}

func (r *Repository) FindMessageByID(ctx context.Context, id string) (Message, error) {
	query := "SELECT " + messageColumns + " FROM messages m JOIN users u ON u.id = m.sender_id WHERE m.id = $1"
	m, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return Message{}, notFound(err)
	}
	msgs := []Message{m}
	if err := r.loadExtras(ctx, msgs); err != nil {
		return Message{}, err
	}
	return msgs[0], nil
}

func (r *Repository) FindMessagesByRoom(ctx context.Context, roomID string, limit int, before *time.Time) ([]Message, error) {
	var cursor sql.NullTime
	if before != nil {
		cursor = sql.NullTime{Time: *before, Valid: true}
	}
	query := `
		SELECT * FROM (
			SELECT ` + messageColumns + `
			FROM messages m
			JOIN users u ON u.id = m.sender_id
			WHERE m.room_id = $1 AND ($2::timestamptz IS NULL OR m.created_at < $2)
			ORDER BY m.created_at DESC
			LIMIT $3
		) page
		ORDER BY page.created_at ASC`
	rows, err := r.db.QueryContext(ctx, query, roomID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadExtras(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// loadExtras fills reactions and read receipts for msgs in two queries.
func (r *Repository) loadExtras(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	index := make(map[string]int, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		index[m.ID] = i
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT message_id, user_id, emoji, created_at FROM message_reactions
		WHERE message_id = ANY($1) ORDER BY created_at, user_id`, ids)
	if err != nil {
		return fmt.Errorf("load reactions: %w", err)
	}
	for rows.Next() {
		var id string
		var re Reaction
		if err := rows.Scan(&id, &re.UserID, &re.Emoji, &re.CreatedAt); err != nil {
			rows.Close()
			return err
		}
		msgs[index[id]].Reactions = append(msgs[index[id]].Reactions, re)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = r.db.QueryContext(ctx, `
		SELECT message_id, user_id, read_at FROM message_reads
		WHERE message_id = ANY($1) ORDER BY read_at, user_id`, ids)
	if err != nil {
		return fmt.Errorf("load read receipts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var rr ReadReceipt
		if err := rows.Scan(&id, &rr.UserID, &rr.ReadAt); err != nil {
			return err
		}
		msgs[index[id]].ReadBy = append(msgs[index[id]].ReadBy, rr)
	}
	return rows.Err()
}

// UpdateMessage applies patch in one transaction holding the message row lock.
func (r *Repository) UpdateMessage(ctx context.Context, id string, patch MessagePatch) (Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback()

	var locked string
	if err := tx.QueryRowContext(ctx, "SELECT id FROM messages WHERE id = $1 FOR UPDATE", id).Scan(&locked); err != nil {
		return Message{}, notFound(err)
	}
	if patch.Content != nil {
		if _, err := tx.ExecContext(ctx, "UPDATE messages SET content = $2 WHERE id = $1", id, *patch.Content); err != nil {
			return Message{}, err
		}
	}
	if patch.EditedAt != nil {
		if _, err := tx.ExecContext(ctx, "UPDATE messages SET edited = TRUE, edited_at = $2 WHERE id = $1", id, *patch.EditedAt); err != nil {
			return Message{}, err
		}
	}
	if patch.RemoveReactionBy != "" {
		if _, err := tx.ExecContext(ctx, "DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2", id, patch.RemoveReactionBy); err != nil {
			return Message{}, err
		}
	}
	if re := patch.PutReaction; re != nil {
		if _, err := tx.ExecContext(ctx, "DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2", id, re.UserID); err != nil {
			return Message{}, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_reactions (message_id, user_id, emoji, created_at) VALUES ($1, $2, $3, $4)`,
			id, re.UserID, re.Emoji, re.CreatedAt); err != nil {
			return Message{}, err
		}
	}
	if rr := patch.AddReadBy; rr != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_reads (message_id, user_id, read_at) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`, id, rr.UserID, rr.ReadAt); err != nil {
			return Message{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Message{}, err
	}
	return r.FindMessageByID(ctx, id)
}

func (r *Repository) DeleteMessage(ctx context.Context, id string) error {
	return mustAffect(r.db.ExecContext(ctx, "DELETE FROM messages WHERE id = $1", id))
}
