package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/famlist/project/internal/platform/auth"
)

type fakeRepo struct {
	users         map[string]User
	members       map[string]map[string]string
	families      map[string]Family
	invitations   map[string]Invitation
	refreshByHash map[string]RefreshToken

	createErr error
	findErr   error
	memberErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:         map[string]User{},
		members:       map[string]map[string]string{},
		families:      map[string]Family{},
		invitations:   map[string]Invitation{},
		refreshByHash: map[string]RefreshToken{},
	}
}

func (f *fakeRepo) EnsureSchema(ctx context.Context) error { return nil }

func (f *fakeRepo) CreateUser(ctx context.Context, user User) error {
	if f.createErr != nil {
		return f.createErr
	}
	for _, u := range f.users {
		if u.Username == user.Username {
			return errors.New("duplicate")
		}
	}
	f.users[user.ID] = user
	return nil
}

func (f *fakeRepo) FindUserByUsername(ctx context.Context, username string) (User, error) {
	if f.findErr != nil {
		return User{}, f.findErr
	}
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (f *fakeRepo) FindUserByID(ctx context.Context, userID string) (User, error) {
	u, ok := f.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (f *fakeRepo) CreateFamily(ctx context.Context, family Family, creatorUserID string) error {
	f.families[family.ID] = family
	if f.members[family.ID] == nil {
		f.members[family.ID] = map[string]string{}
	}
	f.members[family.ID][creatorUserID] = RoleOwner
	return nil
}

func (f *fakeRepo) DeleteFamily(ctx context.Context, familyID string) error {
	if _, ok := f.families[familyID]; !ok {
		return ErrNotFound
	}
	delete(f.families, familyID)
	delete(f.members, familyID)
	return nil
}

func (f *fakeRepo) AddUserToFamilyWithRole(ctx context.Context, familyID, userID, role string) error {
	if f.members[familyID] == nil {
		f.members[familyID] = map[string]string{}
	}
	f.members[familyID][userID] = role
	return nil
}

func (f *fakeRepo) RemoveUserFromFamily(ctx context.Context, familyID, userID string) error {
	if _, ok := f.members[familyID][userID]; !ok {
		return ErrNotFound
	}
	delete(f.members[familyID], userID)
	return nil
}

func (f *fakeRepo) SetUserRoleByUsername(ctx context.Context, familyID, username, role string) error {
	for _, u := range f.users {
		if u.Username == username {
			if _, exists := f.members[familyID][u.ID]; !exists {
				return ErrNotFound
			}
			f.members[familyID][u.ID] = role
			return nil
		}
	}
	return ErrNotFound
}

func (f *fakeRepo) GetMembershipRole(ctx context.Context, userID, familyID string) (string, error) {
	if f.memberErr != nil {
		return "", f.memberErr
	}
	role := f.members[familyID][userID]
	if role == "" {
		return "", ErrNotFound
	}
	return role, nil
}

func (f *fakeRepo) ListFamiliesForUser(ctx context.Context, userID string) ([]FamilyMembership, error) {
	result := []FamilyMembership{}
	for fid, members := range f.members {
		if role, ok := members[userID]; ok {
			fam := f.families[fid]
			result = append(result, FamilyMembership{FamilyID: fid, FamilyName: fam.Name, Role: role})
		}
	}
	return result, nil
}

func (f *fakeRepo) CreateInvitation(ctx context.Context, inv Invitation) error {
	f.invitations[inv.Code] = inv
	return nil
}

func (f *fakeRepo) ConsumeInvitation(ctx context.Context, code string, now time.Time) (Invitation, error) {
	inv, ok := f.invitations[code]
	if !ok || !inv.ExpiresAt.After(now) {
		return Invitation{}, ErrNotFound
	}
	delete(f.invitations, code)
	return inv, nil
}

func (f *fakeRepo) CreateRefreshToken(ctx context.Context, token RefreshToken) error {
	f.refreshByHash[token.TokenHash] = token
	return nil
}

func (f *fakeRepo) FindRefreshTokenByHash(ctx context.Context, tokenHash string) (RefreshToken, error) {
	rt, ok := f.refreshByHash[tokenHash]
	if !ok {
		return RefreshToken{}, ErrNotFound
	}
	if rt.RevokedAt != nil || rt.ExpiresAt.Before(time.Now().UTC()) {
		return RefreshToken{}, ErrNotFound
	}
	return rt, nil
}

func (f *fakeRepo) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	now := time.Now().UTC()
	for hash, rt := range f.refreshByHash {
		if rt.TokenID == tokenID {
			rt.RevokedAt = &now
			f.refreshByHash[hash] = rt
		}
	}
	return nil
}

func testTokenManager() auth.Manager {
	m := auth.NewManager("secret", time.Hour)
	m.Now = func() time.Time { return time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC) }
	return m
}

func TestRegisterLoginRefreshLogout(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, testTokenManager())
	next := 0
	svc.NewID = func() string {
		next++
		return "id-" + string(rune('a'+next))
	}

	reg, err := svc.Register(context.Background(), "Alice", "password123")
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if reg.AccessToken == "" || reg.RefreshToken == "" || reg.UserID == "" {
		t.Fatalf("unexpected register response: %+v", reg)
	}

	login, err := svc.Login(context.Background(), "alice", "password123")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if login.AccessToken == "" || login.RefreshToken == "" {
		t.Fatalf("unexpected login response: %+v", login)
	}

	refreshed, err := svc.Refresh(context.Background(), login.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if refreshed.AccessToken == "" || refreshed.RefreshToken == "" {
		t.Fatalf("unexpected refresh response: %+v", refreshed)
	}

	if err := svc.Logout(context.Background(), refreshed.RefreshToken); err != nil {
		t.Fatalf("Logout error: %v", err)
	}
}

func TestInviteAndAccept(t *testing.T) {
	repo := newFakeRepo()
	repo.users["u1"] = User{ID: "u1", Username: "owner"}
	repo.users["u2"] = User{ID: "u2", Username: "bob"}
	repo.families["f1"] = Family{ID: "f1", Name: "Family"}
	repo.members["f1"] = map[string]string{"u1": RoleOwner}

	svc := NewService(repo, testTokenManager())
	inv, err := svc.Invite(context.Background(), "u1", "f1")
	if err != nil {
		t.Fatalf("Invite error: %v", err)
	}
	if inv.Code == "" || inv.FamilyID != "f1" {
		t.Fatalf("unexpected invitation: %+v", inv)
	}

	joined, err := svc.AcceptInvitation(context.Background(), "u2", inv.Code)
	if err != nil {
		t.Fatalf("AcceptInvitation error: %v", err)
	}
	if joined.FamilyID != "f1" || joined.Role != RoleMember {
		t.Fatalf("unexpected membership: %+v", joined)
	}

	// Single use.
	if _, err := svc.AcceptInvitation(context.Background(), "u2", inv.Code); !errors.Is(err, ErrInvalidInvitation) {
		t.Fatalf("expected ErrInvalidInvitation on reuse, got %v", err)
	}
}

func TestInviteRequiresManagerRole(t *testing.T) {
	repo := newFakeRepo()
	repo.users["u1"] = User{ID: "u1", Username: "carol"}
	repo.families["f1"] = Family{ID: "f1", Name: "Family"}
	repo.members["f1"] = map[string]string{"u1": RoleMember}

	svc := NewService(repo, testTokenManager())
	if _, err := svc.Invite(context.Background(), "u1", "f1"); !errors.Is(err, ErrForbiddenRole) {
		t.Fatalf("expected ErrForbiddenRole, got %v", err)
	}
	if _, err := svc.Invite(context.Background(), "stranger", "f1"); !errors.Is(err, ErrForbiddenFamily) {
		t.Fatalf("expected ErrForbiddenFamily, got %v", err)
	}
}

func TestAcceptExpiredInvitation(t *testing.T) {
	repo := newFakeRepo()
	repo.users["u2"] = User{ID: "u2", Username: "bob"}
	repo.invitations["code-1"] = Invitation{
		Code:      "code-1",
		FamilyID:  "f1",
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	}

	svc := NewService(repo, testTokenManager())
	if _, err := svc.AcceptInvitation(context.Background(), "u2", "code-1"); !errors.Is(err, ErrInvalidInvitation) {
		t.Fatalf("expected ErrInvalidInvitation, got %v", err)
	}
}

func TestUpdateRoleRequiresOwner(t *testing.T) {
	repo := newFakeRepo()
	repo.users["u1"] = User{ID: "u1", Username: "owner"}
	repo.users["u2"] = User{ID: "u2", Username: "bob"}
	repo.families["f1"] = Family{ID: "f1", Name: "Family"}
	repo.members["f1"] = map[string]string{"u1": RoleOwner, "u2": RoleMember}

	svc := NewService(repo, testTokenManager())
	if err := svc.UpdateMemberRoleByUsername(context.Background(), "u1", "f1", "bob", RoleAdmin); err != nil {
		t.Fatalf("UpdateMemberRoleByUsername error: %v", err)
	}
	if role := repo.members["f1"]["u2"]; role != RoleAdmin {
		t.Fatalf("unexpected role after update: %s", role)
	}

	repo.members["f1"]["u1"] = RoleAdmin
	if err := svc.UpdateMemberRoleByUsername(context.Background(), "u1", "f1", "bob", RoleMember); !errors.Is(err, ErrForbiddenRole) {
		t.Fatalf("expected ErrForbiddenRole, got %v", err)
	}
}

func TestRemoveMember(t *testing.T) {
	repo := newFakeRepo()
	repo.users["u1"] = User{ID: "u1", Username: "owner"}
	repo.users["u2"] = User{ID: "u2", Username: "bob"}
	repo.users["u3"] = User{ID: "u3", Username: "carol"}
	repo.families["f1"] = Family{ID: "f1", Name: "Family"}
	repo.members["f1"] = map[string]string{"u1": RoleOwner, "u2": RoleMember, "u3": RoleMember}

	svc := NewService(repo, testTokenManager())

	// A member cannot remove another member.
	if err := svc.RemoveMemberByUsername(context.Background(), "u2", "f1", "carol"); !errors.Is(err, ErrForbiddenRole) {
		t.Fatalf("expected ErrForbiddenRole, got %v", err)
	}
	// A member can leave on their own.
	if err := svc.RemoveMemberByUsername(context.Background(), "u3", "f1", "carol"); err != nil {
		t.Fatalf("self-removal error: %v", err)
	}
	if _, ok := repo.members["f1"]["u3"]; ok {
		t.Fatal("member not removed")
	}
	// The owner removes a member.
	if err := svc.RemoveMemberByUsername(context.Background(), "u1", "f1", "bob"); err != nil {
		t.Fatalf("RemoveMemberByUsername error: %v", err)
	}
	// The owner cannot be removed, not even by themselves.
	if err := svc.RemoveMemberByUsername(context.Background(), "u1", "f1", "owner"); !errors.Is(err, ErrForbiddenRole) {
		t.Fatalf("expected ErrForbiddenRole, got %v", err)
	}
}

func TestDeleteFamilyRequiresOwner(t *testing.T) {
	repo := newFakeRepo()
	repo.users["u1"] = User{ID: "u1", Username: "owner"}
	repo.users["u2"] = User{ID: "u2", Username: "bob"}
	repo.families["f1"] = Family{ID: "f1", Name: "Family"}
	repo.members["f1"] = map[string]string{"u1": RoleOwner, "u2": RoleAdmin}

	svc := NewService(repo, testTokenManager())
	if err := svc.DeleteFamily(context.Background(), "u2", "f1"); !errors.Is(err, ErrForbiddenRole) {
		t.Fatalf("expected ErrForbiddenRole, got %v", err)
	}
	if err := svc.DeleteFamily(context.Background(), "u1", "f1"); err != nil {
		t.Fatalf("DeleteFamily error: %v", err)
	}
	if _, ok := repo.families["f1"]; ok {
		t.Fatal("family not deleted")
	}
}
