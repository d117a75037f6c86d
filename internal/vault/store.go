package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/campsniper/internal/db"
	"github.com/example/campsniper/internal/platform"
)

// Login is a plaintext platform username/password pair. It exists only
// transiently in process memory; at rest the pair is always ciphertext.
type Login struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Credential is the stored record minus the plaintext.
type Credential struct {
	ID              string
	UserID          int64
	Platform        platform.Platform
	LastValidatedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Store struct {
	db   *db.DB
	aead *AEAD
}

func NewStore(d *db.DB, aead *AEAD) *Store {
	return &Store{db: d, aead: aead}
}

// Save upserts the credential for (user, platform). Replacing an existing
// pair clears last_validated_at, since the new password has not been probed.
func (s *Store) Save(ctx context.Context, userID int64, p platform.Platform, login Login) (string, error) {
	plain, err := json.Marshal(login)
	if err != nil {
		return "", err
	}
	ct, err := s.aead.EncryptToString(plain)
	if err != nil {
		return "", err
	}

	var id string
	err = s.db.QueryRow(ctx, `
INSERT INTO platform_credentials(id, user_id, platform, ciphertext)
VALUES ($1,$2,$3,$4)
ON CONFLICT (user_id, platform) DO UPDATE
SET ciphertext=EXCLUDED.ciphertext, last_validated_at=NULL, updated_at=now()
RETURNING id`,
		uuid.NewString(), userID, string(p), ct,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("save credential: %w", err)
	}
	return id, nil
}

func (s *Store) List(ctx context.Context, userID int64) ([]Credential, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, user_id, platform, last_validated_at, created_at, updated_at
FROM platform_credentials
WHERE user_id=$1
ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.ID, &c.UserID, &c.Platform, &c.LastValidatedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetOwned(ctx context.Context, id string, userID int64) (Credential, error) {
	var c Credential
	err := s.db.QueryRow(ctx, `
SELECT id, user_id, platform, last_validated_at, created_at, updated_at
FROM platform_credentials
WHERE id=$1 AND user_id=$2`, id, userID).
		Scan(&c.ID, &c.UserID, &c.Platform, &c.LastValidatedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Credential{}, db.WrapNotFound(err)
	}
	return c, nil
}

// Decrypt loads a credential by id and opens its ciphertext. A missing row
// surfaces as db.ErrNotFound; a tag mismatch as ErrDecryptFailed.
func (s *Store) Decrypt(ctx context.Context, id string) (Credential, Login, error) {
	var c Credential
	var ct string
	err := s.db.QueryRow(ctx, `
SELECT id, user_id, platform, ciphertext, last_validated_at, created_at, updated_at
FROM platform_credentials
WHERE id=$1`, id).
		Scan(&c.ID, &c.UserID, &c.Platform, &ct, &c.LastValidatedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Credential{}, Login{}, db.WrapNotFound(err)
	}

	plain, err := s.aead.DecryptString(ct)
	if err != nil {
		return Credential{}, Login{}, err
	}
	var login Login
	if err := json.Unmarshal(plain, &login); err != nil {
		return Credential{}, Login{}, fmt.Errorf("%w: bad payload", ErrDecryptFailed)
	}
	return c, login, nil
}

// DecryptForUser is Decrypt keyed by (user, platform), for callers that
// hold an alert rather than a credential id.
func (s *Store) DecryptForUser(ctx context.Context, userID int64, p platform.Platform) (Credential, Login, error) {
	var id string
	err := s.db.QueryRow(ctx, `
SELECT id FROM platform_credentials WHERE user_id=$1 AND platform=$2`, userID, string(p)).Scan(&id)
	if err != nil {
		return Credential{}, Login{}, db.WrapNotFound(err)
	}
	return s.Decrypt(ctx, id)
}

func (s *Store) Delete(ctx context.Context, userID int64, p platform.Platform) (bool, error) {
	var id string
	err := s.db.QueryRow(ctx, `
DELETE FROM platform_credentials
WHERE user_id=$1 AND platform=$2
RETURNING id`, userID, string(p)).Scan(&id)
	if db.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) MarkValidated(ctx context.Context, id string) error {
	return s.db.Exec(ctx, `
UPDATE platform_credentials SET last_validated_at=now(), updated_at=now() WHERE id=$1`, id)
}
