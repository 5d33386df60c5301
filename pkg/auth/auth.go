package auth

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/ethpandaops/wpgate/pkg/config"
)

// ErrInvalidCredentials is returned for unknown users and wrong passwords alike.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Role is an admin API role.
type Role string

const (
	RoleAdmin    Role = config.RoleAdmin
	RoleReadOnly Role = config.RoleReadOnly
)

// User is an authenticated admin user.
type User struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// Service defines the interface for admin authentication.
type Service interface {
	AuthenticateBasic(username, password string) (*User, error)
	HasRole(user *User, role Role) bool
	IsAdmin(user *User) bool
	Enabled() bool
}

type account struct {
	user User
	hash []byte
}

// service implements Service.
type service struct {
	log      logrus.FieldLogger
	accounts map[string]account
	// dummy is compared against for unknown users so lookups cost the same.
	dummy []byte
}

// Ensure service implements Service.
var _ Service = (*service)(nil)

// NewService hashes the configured users' passwords with bcrypt.
func NewService(log logrus.FieldLogger, users []config.UserAuth, cost int) (Service, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	s := &service{
		log:      log.WithField("component", "auth"),
		accounts: make(map[string]account, len(users)),
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("wpgate"), cost)
	if err != nil {
		return nil, fmt.Errorf("hashing placeholder password: %w", err)
	}

	s.dummy = dummy

	for _, u := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), cost)
		if err != nil {
			return nil, fmt.Errorf("hashing password for %s: %w", u.Username, err)
		}

		role := Role(u.Role)
		if role == "" {
			role = RoleReadOnly
		}

		s.accounts[u.Username] = account{
			user: User{Username: u.Username, Role: role},
			hash: hash,
		}
	}

	s.log.WithField("users", len(s.accounts)).Info("Loaded admin users")

	return s, nil
}

// AuthenticateBasic verifies a username and password.
func (s *service) AuthenticateBasic(username, password string) (*User, error) {
	acct, ok := s.accounts[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(s.dummy, []byte(password))

		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(acct.hash, []byte(password)); err != nil {
		s.log.WithField("username", username).Warn("Admin authentication failed")

		return nil, ErrInvalidCredentials
	}

	user := acct.user

	return &user, nil
}

// HasRole checks if a user has a specific role.
func (s *service) HasRole(user *User, role Role) bool {
	if user == nil {
		return false
	}

	// Admin role has all permissions.
	if user.Role == RoleAdmin {
		return true
	}

	return user.Role == role
}

// IsAdmin checks if a user is an admin.
func (s *service) IsAdmin(user *User) bool {
	return s.HasRole(user, RoleAdmin)
}

// Enabled reports whether any admin user is configured.
func (s *service) Enabled() bool {
	return len(s.accounts) > 0
}
