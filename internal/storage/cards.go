package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const cardColumns = `id, created_at, file_name, path, nickname, personality, payload_shape, legacy_payload,
	attachment_id, attachment_status, image_key, delivery_status, container_id, collection_id, entry_id, warnings`

// SaveCard inserts a render log entry.
func (s *Store) SaveCard(c Card) error {
	if c.AttachmentStatus == "" {
		c.AttachmentStatus = AttachmentAbsent
	}
	if c.DeliveryStatus == "" {
		c.DeliveryStatus = DeliverySkipped
	}
	warnings, err := encodeWarnings(c.Warnings)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO cards (`+cardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CreatedAt.UTC().Format(time.RFC3339), c.FileName, c.Path, c.Nickname, c.Personality,
		c.PayloadShape, c.LegacyPayload, c.AttachmentID, c.AttachmentStatus, c.ImageKey, c.DeliveryStatus,
		c.ContainerID, c.CollectionID, c.EntryID, warnings,
	)
	if err != nil {
		return fmt.Errorf("saving card %s: %w", c.ID, err)
	}
	return nil
}

// UpdateDelivery records the delivery outcome of a saved card.
func (s *Store) UpdateDelivery(id, status, imageKey string, warnings []string) error {
	enc, err := encodeWarnings(warnings)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE cards SET delivery_status = ?, image_key = ?, warnings = ? WHERE id = ?`,
		status, imageKey, enc, id)
	if err != nil {
		return fmt.Errorf("updating card %s: %w", id, err)
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

// GetCard returns one card by id.
func (s *Store) GetCard(id string) (Card, error) {
	row := s.db.QueryRow(`SELECT `+cardColumns+` FROM cards WHERE id = ?`, id)
	c, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Card{}, ErrNotFound
	}
	return c, err
}

// ListCards returns cards newest first.
func (s *Store) ListCards(f CardFilter) ([]Card, error) {
	var where []string
	var args []any
	if f.Personality != "" {
		where = append(where, "personality = ?")
		args = append(args, strings.ToUpper(f.Personality))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339))
	}
	q := `SELECT ` + cardColumns + ` FROM cards`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing cards: %w", err)
	}
	defer rows.Close()

	var out []Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountCards returns the number of cards in the log.
func (s *Store) CountCards() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM cards`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting cards: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(r rowScanner) (Card, error) {
	var c Card
	var createdAt, warnings string
	err := r.Scan(&c.ID, &createdAt, &c.FileName, &c.Path, &c.Nickname, &c.Personality, &c.PayloadShape,
		&c.LegacyPayload, &c.AttachmentID, &c.AttachmentStatus, &c.ImageKey, &c.DeliveryStatus,
		&c.ContainerID, &c.CollectionID, &c.EntryID, &warnings)
	if err != nil {
		return Card{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Card{}, fmt.Errorf("parsing created_at: %w", err)
	}
	c.CreatedAt = t
	if err := json.Unmarshal([]byte(warnings), &c.Warnings); err != nil {
		return Card{}, fmt.Errorf("parsing warnings: %w", err)
	}
	return c, nil
}

func encodeWarnings(w []string) (string, error) {
	if w == nil {
		w = []string{}
	}
	b, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("encoding warnings: %w", err)
	}
	return string(b), nil
}
