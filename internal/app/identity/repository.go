package identity

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("not found")

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

type User struct {
	ID           string
	Username     string
	PasswordHash string
}

type Family struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type FamilyMembership struct {
	FamilyID   string `json:"family_id"`
	FamilyName string `json:"family_name"`
	Role       string `json:"role"`
}

type Invitation struct {
	Code      string    `json:"code"`
	FamilyID  string    `json:"family_id"`
	CreatedBy string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

type RefreshToken struct {
	TokenID   string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
}

type Repository interface {
	EnsureSchema(ctx context.Context) error
	CreateUser(ctx context.Context, user User) error
	FindUserByUsername(ctx context.Context, username string) (User, error)
	FindUserByID(ctx context.Context, userID string) (User, error)

	CreateFamily(ctx context.Context, family Family, creatorUserID string) error
	DeleteFamily(ctx context.Context, familyID string) error
	AddUserToFamilyWithRole(ctx context.Context, familyID, userID, role string) error
	RemoveUserFromFamily(ctx context.Context, familyID, userID string) error
	SetUserRoleByUsername(ctx context.Context, familyID, username, role string) error
	GetMembershipRole(ctx context.Context, userID, familyID string) (string, error)
	ListFamiliesForUser(ctx context.Context, userID string) ([]FamilyMembership, error)

	CreateInvitation(ctx context.Context, inv Invitation) error
	ConsumeInvitation(ctx context.Context, code string, now time.Time) (Invitation, error)

	CreateRefreshToken(ctx context.Context, token RefreshToken) error
	FindRefreshTokenByHash(ctx context.Context, tokenHash string) (RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, tokenID string) error
}

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

const createUsersSQL = `
CREATE TABLE IF NOT EXISTS users (
  id text PRIMARY KEY,
  username text NOT NULL UNIQUE,
  password_hash text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createFamiliesSQL = `
CREATE TABLE IF NOT EXISTS families (
  id text PRIMARY KEY,
  name text NOT NULL,
  created_by text NOT NULL REFERENCES users(id),
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createFamilyMembersSQL = `
CREATE TABLE IF NOT EXISTS family_members (
  family_id text NOT NULL REFERENCES families(id) ON DELETE CASCADE,
  user_id text NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  role text NOT NULL DEFAULT 'member',
  added_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (family_id, user_id)
)`

const createInvitationsSQL = `
CREATE TABLE IF NOT EXISTS family_invitations (
  code text PRIMARY KEY,
  family_id text NOT NULL REFERENCES families(id) ON DELETE CASCADE,
  created_by text NOT NULL REFERENCES users(id),
  expires_at timestamptz NOT NULL,
  used_at timestamptz,
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createRefreshTokensSQL = `
CREATE TABLE IF NOT EXISTS refresh_tokens (
  token_id text PRIMARY KEY,
  user_id text NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  token_hash text NOT NULL UNIQUE,
  expires_at timestamptz NOT NULL,
  revoked_at timestamptz,
  created_at timestamptz NOT NULL DEFAULT now()
)`

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{
		createUsersSQL,
		createFamiliesSQL,
		createFamilyMembersSQL,
		createInvitationsSQL,
		createRefreshTokensSQL,
	} {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRepository) CreateUser(ctx context.Context, user User) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO users (id, username, password_hash) VALUES ($1, $2, $3)`,
		user.ID, user.Username, user.PasswordHash,
	)
	return err
}

func (r *PostgresRepository) FindUserByUsername(ctx context.Context, username string) (User, error) {
	var u User
	err := r.Pool.QueryRow(ctx,
		`SELECT id, username, password_hash FROM users WHERE username = $1`,
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}

func (r *PostgresRepository) FindUserByID(ctx context.Context, userID string) (User, error) {
	var u User
	err := r.Pool.QueryRow(ctx,
		`SELECT id, username, password_hash FROM users WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.Username, &u.PasswordHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}

func (r *PostgresRepository) CreateFamily(ctx context.Context, family Family, creatorUserID string) error {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO families (id, name, created_by) VALUES ($1, $2, $3)`,
		family.ID, family.Name, creatorUserID,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO family_members (family_id, user_id, role)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (family_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		family.ID, creatorUserID, RoleOwner,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) DeleteFamily(ctx context.Context, familyID string) error {
	res, err := r.Pool.Exec(ctx, `DELETE FROM families WHERE id = $1`, familyID)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) AddUserToFamilyWithRole(ctx context.Context, familyID, userID, role string) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO family_members (family_id, user_id, role)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (family_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		familyID, userID, role,
	)
	return err
}

func (r *PostgresRepository) RemoveUserFromFamily(ctx context.Context, familyID, userID string) error {
	res, err := r.Pool.Exec(ctx,
		`DELETE FROM family_members WHERE family_id = $1 AND user_id = $2`,
		familyID, userID,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) SetUserRoleByUsername(ctx context.Context, familyID, username, role string) error {
	res, err := r.Pool.Exec(ctx,
		`UPDATE family_members fm
		 SET role = $3
		 FROM users u
		 WHERE fm.family_id = $1 AND fm.user_id = u.id AND u.username = $2`,
		familyID, username, role,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) GetMembershipRole(ctx context.Context, userID, familyID string) (string, error) {
	var role string
	err := r.Pool.QueryRow(ctx,
		`SELECT role FROM family_members WHERE family_id = $1 AND user_id = $2`,
		familyID, userID,
	).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return role, nil
}

func (r *PostgresRepository) ListFamiliesForUser(ctx context.Context, userID string) ([]FamilyMembership, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT f.id, f.name, fm.role
		 FROM families f
		 INNER JOIN family_members fm ON fm.family_id = f.id
		 WHERE fm.user_id = $1
		 ORDER BY f.created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	families := make([]FamilyMembership, 0)
	for rows.Next() {
		var f FamilyMembership
		if err := rows.Scan(&f.FamilyID, &f.FamilyName, &f.Role); err != nil {
			return nil, err
		}
		families = append(families, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return families, nil
}

func (r *PostgresRepository) CreateInvitation(ctx context.Context, inv Invitation) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO family_invitations (code, family_id, created_by, expires_at) VALUES ($1, $2, $3, $4)`,
		inv.Code, inv.FamilyID, inv.CreatedBy, inv.ExpiresAt,
	)
	return err
}

// ConsumeInvitation marks the code used and returns it. The conditional
// UPDATE makes a code single-use even under concurrent accepts.
func (r *PostgresRepository) ConsumeInvitation(ctx context.Context, code string, now time.Time) (Invitation, error) {
	var inv Invitation
	err := r.Pool.QueryRow(ctx,
		`UPDATE family_invitations
		 SET used_at = $2
		 WHERE code = $1 AND used_at IS NULL AND expires_at > $2
		 RETURNING code, family_id, created_by, expires_at`,
		code, now,
	).Scan(&inv.Code, &inv.FamilyID, &inv.CreatedBy, &inv.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invitation{}, ErrNotFound
		}
		return Invitation{}, err
	}
	return inv, nil
}

func (r *PostgresRepository) CreateRefreshToken(ctx context.Context, token RefreshToken) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO refresh_tokens (token_id, user_id, token_hash, expires_at) VALUES ($1, $2, $3, $4)`,
		token.TokenID, token.UserID, token.TokenHash, token.ExpiresAt,
	)
	return err
}

func (r *PostgresRepository) FindRefreshTokenByHash(ctx context.Context, tokenHash string) (RefreshToken, error) {
	var rt RefreshToken
	err := r.Pool.QueryRow(ctx,
		`SELECT token_id, user_id, token_hash, expires_at, revoked_at
		 FROM refresh_tokens
		 WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > now()`,
		tokenHash,
	).Scan(&rt.TokenID, &rt.UserID, &rt.TokenHash, &rt.ExpiresAt, &rt.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RefreshToken{}, ErrNotFound
		}
		return RefreshToken{}, err
	}
	return rt, nil
}

func (r *PostgresRepository) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	_, err := r.Pool.Exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = now() WHERE token_id = $1`,
		tokenID,
	)
	return err
}
