package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/famlist/project/internal/platform/auth"
)

var (
	ErrInvalidUsername     = errors.New("username is required")
	ErrInvalidPassword     = errors.New("password must be at least 8 characters")
	ErrInvalidFamilyName   = errors.New("family name is required")
	ErrInvalidFamilyID     = errors.New("family_id is required")
	ErrInvalidRole         = errors.New("invalid role")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrForbiddenFamily     = errors.New("user is not a member of the family")
	ErrForbiddenRole       = errors.New("insufficient permissions for this action")
	ErrInvalidInvitation   = errors.New("invitation is invalid or expired")
	ErrRefreshTokenMissing = errors.New("refresh_token is required")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
)

const defaultInvitationTTL = 72 * time.Hour

type AuthResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
	Username     string `json:"username"`
}

type Service struct {
	Repo          Repository
	AuthToken     auth.Manager
	NewID         func() string
	RefreshTTL    time.Duration
	InvitationTTL time.Duration
	Now           func() time.Time
}

func NewService(repo Repository, tokenManager auth.Manager) *Service {
	return &Service{
		Repo:          repo,
		AuthToken:     tokenManager,
		NewID:         nuid.Next,
		RefreshTTL:    30 * 24 * time.Hour,
		InvitationTTL: defaultInvitationTTL,
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func validateCredentials(username, password string) error {
	if normalizeUsername(username) == "" {
		return ErrInvalidUsername
	}
	if len(strings.TrimSpace(password)) < 8 {
		return ErrInvalidPassword
	}
	return nil
}

func IsValidRole(role string) bool {
	switch strings.TrimSpace(role) {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	default:
		return false
	}
}

func canInvite(role string) bool {
	return role == RoleOwner || role == RoleAdmin
}

func canManageRoles(role string) bool {
	return role == RoleOwner
}

func (s *Service) Register(ctx context.Context, username, password string) (AuthResponse, error) {
	if err := validateCredentials(username, password); err != nil {
		return AuthResponse{}, err
	}
	uname := normalizeUsername(username)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return AuthResponse{}, err
	}

	u := User{
		ID:           s.NewID(),
		Username:     uname,
		PasswordHash: string(hash),
	}
	if err := s.Repo.CreateUser(ctx, u); err != nil {
		return AuthResponse{}, err
	}
	return s.issueSession(ctx, u)
}

func (s *Service) Login(ctx context.Context, username, password string) (AuthResponse, error) {
	uname := normalizeUsername(username)
	if uname == "" || strings.TrimSpace(password) == "" {
		return AuthResponse{}, ErrInvalidCredentials
	}

	u, err := s.Repo.FindUserByUsername(ctx, uname)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResponse{}, ErrInvalidCredentials
		}
		return AuthResponse{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return AuthResponse{}, ErrInvalidCredentials
	}
	return s.issueSession(ctx, u)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (AuthResponse, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return AuthResponse{}, ErrRefreshTokenMissing
	}

	session, err := s.Repo.FindRefreshTokenByHash(ctx, hashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResponse{}, ErrInvalidRefreshToken
		}
		return AuthResponse{}, err
	}
	if err := s.Repo.RevokeRefreshToken(ctx, session.TokenID); err != nil {
		return AuthResponse{}, err
	}

	u, err := s.Repo.FindUserByID(ctx, session.UserID)
	if err != nil {
		return AuthResponse{}, err
	}
	return s.issueSession(ctx, u)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return ErrRefreshTokenMissing
	}
	session, err := s.Repo.FindRefreshTokenByHash(ctx, hashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return s.Repo.RevokeRefreshToken(ctx, session.TokenID)
}

func (s *Service) CreateFamily(ctx context.Context, actorUserID, name string) (Family, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Family{}, ErrInvalidFamilyName
	}
	f := Family{ID: s.NewID(), Name: name}
	if err := s.Repo.CreateFamily(ctx, f, actorUserID); err != nil {
		return Family{}, err
	}
	return f, nil
}

func (s *Service) DeleteFamily(ctx context.Context, actorUserID, familyID string) error {
	familyID = strings.TrimSpace(familyID)
	if familyID == "" {
		return ErrInvalidFamilyID
	}

	actorRole, err := s.Repo.GetMembershipRole(ctx, actorUserID, familyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrForbiddenFamily
		}
		return err
	}
	if actorRole != RoleOwner {
		return ErrForbiddenRole
	}

	return s.Repo.DeleteFamily(ctx, familyID)
}

// Invite creates a single-use invitation code for joining the family.
func (s *Service) Invite(ctx context.Context, actorUserID, familyID string) (Invitation, error) {
	familyID = strings.TrimSpace(familyID)
	if familyID == "" {
		return Invitation{}, ErrInvalidFamilyID
	}

	actorRole, err := s.Repo.GetMembershipRole(ctx, actorUserID, familyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Invitation{}, ErrForbiddenFamily
		}
		return Invitation{}, err
	}
	if !canInvite(actorRole) {
		return Invitation{}, ErrForbiddenRole
	}

	inv := Invitation{
		Code:      s.NewID(),
		FamilyID:  familyID,
		CreatedBy: actorUserID,
		ExpiresAt: s.Now().Add(s.InvitationTTL),
	}
	if err := s.Repo.CreateInvitation(ctx, inv); err != nil {
		return Invitation{}, err
	}
	return inv, nil
}

// AcceptInvitation consumes the code and joins the caller as a member.
func (s *Service) AcceptInvitation(ctx context.Context, userID, code string) (FamilyMembership, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return FamilyMembership{}, ErrInvalidInvitation
	}

	inv, err := s.Repo.ConsumeInvitation(ctx, code, s.Now())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return FamilyMembership{}, ErrInvalidInvitation
		}
		return FamilyMembership{}, err
	}
	if err := s.Repo.AddUserToFamilyWithRole(ctx, inv.FamilyID, userID, RoleMember); err != nil {
		return FamilyMembership{}, err
	}
	return FamilyMembership{FamilyID: inv.FamilyID, Role: RoleMember}, nil
}

func (s *Service) UpdateMemberRoleByUsername(ctx context.Context, actorUserID, familyID, username, role string) error {
	familyID = strings.TrimSpace(familyID)
	if familyID == "" {
		return ErrInvalidFamilyID
	}
	username = normalizeUsername(username)
	if username == "" {
		return ErrInvalidUsername
	}
	role = strings.TrimSpace(role)
	if !IsValidRole(role) || role == RoleOwner {
		return ErrInvalidRole
	}

	actorRole, err := s.Repo.GetMembershipRole(ctx, actorUserID, familyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrForbiddenFamily
		}
		return err
	}
	if !canManageRoles(actorRole) {
		return ErrForbiddenRole
	}
	return s.Repo.SetUserRoleByUsername(ctx, familyID, username, role)
}

// RemoveMemberByUsername removes a member from the family. Owners and
// admins can remove others; any member can remove themselves. The owner
// cannot be removed.
func (s *Service) RemoveMemberByUsername(ctx context.Context, actorUserID, familyID, username string) error {
	familyID = strings.TrimSpace(familyID)
	if familyID == "" {
		return ErrInvalidFamilyID
	}
	username = normalizeUsername(username)
	if username == "" {
		return ErrInvalidUsername
	}

	actorRole, err := s.Repo.GetMembershipRole(ctx, actorUserID, familyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrForbiddenFamily
		}
		return err
	}

	target, err := s.Repo.FindUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	targetRole, err := s.Repo.GetMembershipRole(ctx, target.ID, familyID)
	if err != nil {
		return err
	}
	if targetRole == RoleOwner {
		return ErrForbiddenRole
	}
	if target.ID != actorUserID && !canInvite(actorRole) {
		return ErrForbiddenRole
	}
	return s.Repo.RemoveUserFromFamily(ctx, familyID, target.ID)
}

func (s *Service) ListFamilies(ctx context.Context, userID string) ([]FamilyMembership, error) {
	return s.Repo.ListFamiliesForUser(ctx, userID)
}

// EnsureMemberRole verifies membership before any family-scoped operation.
func (s *Service) EnsureMemberRole(ctx context.Context, userID, familyID string) (string, error) {
	if strings.TrimSpace(familyID) == "" {
		return "", ErrInvalidFamilyID
	}
	role, err := s.Repo.GetMembershipRole(ctx, userID, familyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrForbiddenFamily
		}
		return "", err
	}
	return role, nil
}

func (s *Service) issueSession(ctx context.Context, user User) (AuthResponse, error) {
	accessToken, err := s.AuthToken.Sign(user.ID, user.Username)
	if err != nil {
		return AuthResponse{}, err
	}

	refreshToken := s.NewID() + "." + s.NewID()
	session := RefreshToken{
		TokenID:   s.NewID(),
		UserID:    user.ID,
		TokenHash: hashRefreshToken(refreshToken),
		ExpiresAt: s.Now().Add(s.RefreshTTL),
	}
	if err := s.Repo.CreateRefreshToken(ctx, session); err != nil {
		return AuthResponse{}, err
	}

	return AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		UserID:       user.ID,
		Username:     user.Username,
	}, nil
}

func hashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func NewTokenManager(secret string) auth.Manager {
	return auth.NewManager(secret, 15*time.Minute)
}
