package pairing

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// PairedDevice is a device that has exchanged a pairing token for a
// credential. The credential itself is never stored.
type PairedDevice struct {
	DeviceID string    `json:"device_id"`
	PairedAt time.Time `json:"paired_at"`
	LastSeen time.Time `json:"last_seen"`
}

// Store persists bcrypt hashes of device credentials in SQLite. It
// shares the caller's [sql.DB] and creates its own table.
type Store struct {
	db   *sql.DB
	cost int
}

// NewStore creates a credential store on db. cost is the bcrypt work
// factor; values outside bcrypt's accepted range select
// [bcrypt.DefaultCost].
func NewStore(db *sql.DB, cost int) (*Store, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	s := &Store{db: db, cost: cost}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("pairing store migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS paired_devices (
			device_id       TEXT PRIMARY KEY,
			credential_hash TEXT NOT NULL,
			paired_at       TEXT NOT NULL,
			last_seen       TEXT NOT NULL
		);
	`)
	return err
}

// Save hashes credential and stores it for deviceID, replacing any
// earlier credential.
func (s *Store) Save(deviceID, credential string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(credential), s.cost)
	if err != nil {
		return fmt.Errorf("hash credential: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.Exec(`
		INSERT INTO paired_devices (device_id, credential_hash, paired_at, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET
			credential_hash = excluded.credential_hash,
			paired_at       = excluded.paired_at,
			last_seen       = excluded.last_seen`,
		deviceID, string(hash), now, now,
	)
	if err != nil {
		return fmt.Errorf("save credential for %s: %w", deviceID, err)
	}
	return nil
}

// Check compares credential with the stored hash for deviceID.
func (s *Store) Check(deviceID, credential string) error {
	var hash string
	err := s.db.QueryRow(
		`SELECT credential_hash FROM paired_devices WHERE device_id = ?`, deviceID,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotPaired
	}
	if err != nil {
		return fmt.Errorf("load credential for %s: %w", deviceID, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(credential)); err != nil {
		return ErrBadCredential
	}
	return nil
}

// Touch updates the last_seen timestamp for deviceID.
func (s *Store) Touch(deviceID string) error {
	_, err := s.db.Exec(
		`UPDATE paired_devices SET last_seen = ? WHERE device_id = ?`,
		time.Now().UTC().Format(time.RFC3339), deviceID,
	)
	return err
}

// Delete removes the credential for deviceID.
func (s *Store) Delete(deviceID string) error {
	if _, err := s.db.Exec(`DELETE FROM paired_devices WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("delete credential for %s: %w", deviceID, err)
	}
	return nil
}

// List returns all paired devices ordered by id.
func (s *Store) List() ([]PairedDevice, error) {
	rows, err := s.db.Query(
		`SELECT device_id, paired_at, last_seen FROM paired_devices ORDER BY device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list paired devices: %w", err)
	}
	defer rows.Close()

	var out []PairedDevice
	for rows.Next() {
		var d PairedDevice
		var pairedAt, lastSeen string
		if err := rows.Scan(&d.DeviceID, &pairedAt, &lastSeen); err != nil {
			return nil, err
		}
		d.PairedAt, _ = time.Parse(time.RFC3339, pairedAt)
		d.LastSeen, _ = time.Parse(time.RFC3339, lastSeen)
		out = append(out, d)
	}
	return out, rows.Err()
}
