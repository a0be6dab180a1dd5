package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/aicallyu/olympus/internal/domain"
)

func (r Repo) InsertRoom(ctx context.Context, room domain.Room) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO rooms(id,name,routing_mode,created_at) VALUES (?,?,?,?)`,
		room.ID, room.Name, room.RoutingMode, room.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r Repo) GetRoom(ctx context.Context, id string) (domain.Room, error) {
	var room domain.Room
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,routing_mode,created_at FROM rooms WHERE id=?`, id).
		Scan(&room.ID, &room.Name, &room.RoutingMode, &room.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return room, ErrNotFound
	}
	return room, err
}

func (r Repo) ListRooms(ctx context.Context) ([]domain.Room, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,routing_mode,created_at FROM rooms ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Room
	for rows.Next() {
		var room domain.Room
		if err := rows.Scan(&room.ID, &room.Name, &room.RoutingMode, &room.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, room)
	}
	return res, rows.Err()
}

func (r Repo) SetRoutingMode(ctx context.Context, roomID, mode string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE rooms SET routing_mode=? WHERE id=?`, mode, roomID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertParticipant adds a participant or reactivates an existing one.
func (r Repo) UpsertParticipant(ctx context.Context, p domain.Participant) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO participants(room_id,name,type,active) VALUES (?,?,?,?)
ON CONFLICT(room_id,name) DO UPDATE SET type=excluded.type, active=excluded.active`,
		p.RoomID, p.Name, p.Type, boolInt(p.Active))
	return err
}

// ListParticipants returns the active participants of a room.
func (r Repo) ListParticipants(ctx context.Context, roomID string) ([]domain.Participant, error) {
	return r.listParticipants(ctx, `SELECT room_id,name,type,active,hand_raised,COALESCE(hand_reason,''),COALESCE(hand_raised_at,'') FROM participants WHERE room_id=? AND active=1 ORDER BY rowid`, roomID)
}

// ListRaisedHands returns agents with a raised hand, oldest hand first.
func (r Repo) ListRaisedHands(ctx context.Context, roomID string) ([]domain.Participant, error) {
	return r.listParticipants(ctx, `SELECT room_id,name,type,active,hand_raised,COALESCE(hand_reason,''),COALESCE(hand_raised_at,'') FROM participants WHERE room_id=? AND active=1 AND hand_raised=1 ORDER BY hand_raised_at, rowid`, roomID)
}

func (r Repo) listParticipants(ctx context.Context, query, roomID string) ([]domain.Participant, error) {
	rows, err := r.DB.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Participant
	for rows.Next() {
		var p domain.Participant
		var active, raised int
		if err := rows.Scan(&p.RoomID, &p.Name, &p.Type, &active, &raised, &p.HandReason, &p.HandRaisedAt); err != nil {
			return nil, err
		}
		p.Active = active != 0
		p.HandRaised = raised != 0
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SetHand(ctx context.Context, roomID, name string, raised bool, reason, at string) error {
	var res sql.Result
	var err error
	if raised {
		res, err = r.DB.ExecContext(ctx, `UPDATE participants SET hand_raised=1, hand_reason=?, hand_raised_at=? WHERE room_id=? AND name=?`,
			nullable(reason), at, roomID, name)
	} else {
		res, err = r.DB.ExecContext(ctx, `UPDATE participants SET hand_raised=0, hand_reason=NULL, hand_raised_at=NULL WHERE room_id=? AND name=?`, roomID, name)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LowerAllHands clears every raised hand in a room and reports how many.
func (r Repo) LowerAllHands(ctx context.Context, roomID string) (int, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE participants SET hand_raised=0, hand_reason=NULL, hand_raised_at=NULL WHERE room_id=? AND hand_raised=1`, roomID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const messageColumns = `seq,id,room_id,sender_name,sender_type,content,content_type,COALESCE(audio_url,''),COALESCE(model,''),tokens_used,latency_ms,COALESCE(routing_reason,''),metadata_json,created_at`

func scanMessage(row rowScanner) (domain.Message, error) {
	var m domain.Message
	var meta sql.NullString
	err := row.Scan(&m.Seq, &m.ID, &m.RoomID, &m.SenderName, &m.SenderType, &m.Content, &m.ContentType, &m.AudioURL, &m.Model,
		&m.TokensUsed, &m.LatencyMS, &m.RoutingReason, &meta, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Metadata, err = unmarshalMap(meta)
	return m, err
}

// InsertMessage stores m and returns it with its sequence number.
func (r Repo) InsertMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	meta, err := marshalMap(m.Metadata)
	if err != nil {
		return m, err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO messages(id,room_id,sender_name,sender_type,content,content_type,audio_url,model,tokens_used,latency_ms,routing_reason,metadata_json,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.RoomID, m.SenderName, m.SenderType, m.Content, m.ContentType, nullable(m.AudioURL), nullable(m.Model),
		m.TokensUsed, m.LatencyMS, nullable(m.RoutingReason), meta, m.CreatedAt)
	if isUniqueViolation(err) {
		return m, ErrDuplicate
	}
	if err != nil {
		return m, err
	}
	m.Seq, _ = res.LastInsertId()
	return m, nil
}

func (r Repo) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	return scanMessage(r.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=?`, id))
}

// RecentMessages returns the last limit messages of a room in chronological
// order.
func (r Repo) RecentMessages(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT * FROM (SELECT `+messageColumns+` FROM messages WHERE room_id=? ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) UpdateMessageContent(ctx context.Context, id, content string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE messages SET content=? WHERE id=?`, content, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateMessageAudio(ctx context.Context, id, audioURL string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE messages SET audio_url=? WHERE id=?`, nullable(audioURL), id)
	return err
}

// MergeMessageMetadata overlays keys onto the stored metadata of a message.
func (r Repo) MergeMessageMetadata(ctx context.Context, id string, keys map[string]any) error {
	m, err := r.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	for k, v := range keys {
		m.Metadata[k] = v
	}
	data, err := json.Marshal(m.Metadata)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `UPDATE messages SET metadata_json=? WHERE id=?`, string(data), id)
	return err
}
