package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aatumaykin/seorunner/internal/credentials"
)

type Owner struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Plan      string    `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
}

type CredentialKey struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Label      string    `json:"label,omitempty"`
	Sealed     []byte    `json:"-"`
	SiteURL    string    `json:"site_url,omitempty"`
	PropertyID string    `json:"property_id,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Store) CreateOwner(ctx context.Context, o Owner) (Owner, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Plan == "" {
		o.Plan = "free"
	}
	o.CreatedAt = s.now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO owners(id, name, email, plan, created_at) VALUES(?,?,?,?,?)`,
		o.ID, o.Name, nullStr(o.Email), o.Plan, millis(o.CreatedAt),
	)
	if err != nil {
		return Owner{}, fmt.Errorf("failed to create owner: %w", err)
	}
	return o, nil
}

func (s *Store) GetOwner(ctx context.Context, id string) (Owner, error) {
	var (
		o       Owner
		email   sql.NullString
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, plan, created_at FROM owners WHERE id = ?`, id,
	).Scan(&o.ID, &o.Name, &email, &o.Plan, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Owner{}, ErrNotFound
	}
	if err != nil {
		return Owner{}, err
	}
	o.Email = email.String
	o.CreatedAt = fromMillis(created)
	return o, nil
}

func (s *Store) ListOwners(ctx context.Context) ([]Owner, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, email, plan, created_at FROM owners ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Owner
	for rows.Next() {
		var (
			o       Owner
			email   sql.NullString
			created int64
		)
		if err := rows.Scan(&o.ID, &o.Name, &email, &o.Plan, &created); err != nil {
			return nil, err
		}
		o.Email = email.String
		o.CreatedAt = fromMillis(created)
		out = append(out, o)
	}
	return out, rows.Err()
}

// AddCredentialKey stores a sealed credential document. Sealing is the
// caller's job; the store never sees plaintext.
func (s *Store) AddCredentialKey(ctx context.Context, k CredentialKey) (CredentialKey, error) {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	k.Active = true
	k.CreatedAt = s.now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credential_keys(id, owner_id, label, sealed, site_url, property_id, active, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		k.ID, k.OwnerID, nullStr(k.Label), k.Sealed, nullStr(k.SiteURL), nullStr(k.PropertyID),
		boolInt(k.Active), millis(k.CreatedAt),
	)
	if err != nil {
		return CredentialKey{}, fmt.Errorf("failed to add credential key: %w", err)
	}
	return k, nil
}

func (s *Store) SetCredentialKeyActive(ctx context.Context, ownerID, keyID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credential_keys SET active = ? WHERE id = ? AND owner_id = ?`,
		boolInt(active), keyID, ownerID,
	)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// ActiveCredentialKey loads an active key for the credential resolver.
func (s *Store) ActiveCredentialKey(ctx context.Context, ownerID, keyID string) (credentials.StoredKey, error) {
	var (
		k        credentials.StoredKey
		site     sql.NullString
		property sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, sealed, site_url, property_id
		 FROM credential_keys WHERE id = ? AND owner_id = ? AND active = 1`,
		keyID, ownerID,
	).Scan(&k.ID, &k.OwnerID, &k.Sealed, &site, &property)
	if errors.Is(err, sql.ErrNoRows) {
		return credentials.StoredKey{}, fmt.Errorf("credential key %s: %w", keyID, ErrNotFound)
	}
	if err != nil {
		return credentials.StoredKey{}, err
	}
	k.SiteURL = site.String
	k.PropertyID = property.String
	return k, nil
}

// OwnsCredentialKey reports whether keyID belongs to ownerID, active or not.
func (s *Store) OwnsCredentialKey(ctx context.Context, ownerID, keyID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credential_keys WHERE id = ? AND owner_id = ?`, keyID, ownerID,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// OwnerPlan returns the plan name of an owner.
func (s *Store) OwnerPlan(ctx context.Context, ownerID string) (string, error) {
	var plan string
	err := s.db.QueryRowContext(ctx, `SELECT plan FROM owners WHERE id = ?`, ownerID).Scan(&plan)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return plan, err
}
