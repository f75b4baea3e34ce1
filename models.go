package idman

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// UserType distinguishes interactive humans from machine accounts.
type UserType = string

const (
	// UserTypeHuman is an interactive account; it may only hold dynamic sessions.
	UserTypeHuman UserType = "HUMAN"
	// UserTypeSystem is a machine account; it may only hold static sessions.
	UserTypeSystem UserType = "SYSTEM"
)

// AuthMode selects the authentication provider used for a user.
type AuthMode = string

const (
	// AuthModePassword authenticates with an email/password pair.
	AuthModePassword AuthMode = "PASSWORD"
	// AuthModeExternal authenticates through an external OAuth identity provider.
	AuthModeExternal AuthMode = "EXTERNAL"
	// AuthModeToken marks accounts that only ever present issued tokens
	// (system accounts with static sessions).
	AuthModeToken AuthMode = "TOKEN"
)

// AuthStatus is the account's authentication state.
type AuthStatus = string

const (
	// AuthStatusActive allows logins.
	AuthStatusActive AuthStatus = "ACTIVE"
	// AuthStatusExpired means the credential must be changed before a new
	// session is issued.
	AuthStatusExpired AuthStatus = "EXPIRED"
	// AuthStatusLocked is reached after repeated consecutive failures and is
	// only reversed by an administrative credential reset.
	AuthStatusLocked AuthStatus = "LOCKED"
)

// MaxFailedLoginAttempts is the consecutive-failure count at which an
// account transitions to AuthStatusLocked.
var MaxFailedLoginAttempts = 3

// User is the principal model.
type User struct {
	bun.BaseModel `bun:"table:users,alias:usr"`

	ID             uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Email          string     `bun:"email,notnull,unique" json:"email,omitempty"`
	DisplayName    string     `bun:"display_name,notnull" json:"display_name,omitempty"`
	Phone          string     `bun:"phone_number" json:"phone_number,omitempty"`
	UserType       UserType   `bun:"user_type,notnull" json:"user_type,omitempty"`
	AuthMode       AuthMode   `bun:"auth_mode,notnull" json:"auth_mode,omitempty"`
	AuthStatus     AuthStatus `bun:"auth_status,notnull" json:"auth_status,omitempty"`
	FailedAttempts int        `bun:"failed_attempts" json:"failed_attempts,omitempty"`
	PasswordHash   string     `bun:"password_hash" json:"-"`
	CreatedAt      *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt      *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
	DeletedAt      *time.Time `bun:"deleted_at,soft_delete,nullzero" json:"deleted_at,omitempty"`
}

// EnsureStatus normalizes a zero-value auth status to ACTIVE.
func (u *User) EnsureStatus() {
	if u.AuthStatus == "" {
		u.AuthStatus = AuthStatusActive
	}
}

// Locked reports whether the account is administratively locked.
func (u *User) Locked() bool {
	return u.AuthStatus == AuthStatusLocked
}

// Service is a relying application registered with the identity provider.
// Its ID doubles as the OAuth2 client_id and its Secret as the client secret.
type Service struct {
	bun.BaseModel `bun:"table:services,alias:svc"`

	ID          string     `bun:"id,pk" json:"id,omitempty"`
	DisplayName string     `bun:"display_name,notnull" json:"display_name,omitempty"`
	CallbackURL string     `bun:"callback_url,notnull" json:"callback_url,omitempty"`
	Secret      string     `bun:"secret,notnull" json:"-"`
	CreatedAt   *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt   *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
	DeletedAt   *time.Time `bun:"deleted_at,soft_delete,nullzero" json:"deleted_at,omitempty"`
}

// Role is a per-service permission label.
type Role struct {
	bun.BaseModel `bun:"table:roles,alias:rl"`

	ServiceID   string     `bun:"service_id,pk" json:"service_id,omitempty"`
	ID          string     `bun:"id,pk" json:"id,omitempty"`
	Description string     `bun:"description" json:"description,omitempty"`
	CreatedAt   *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt   *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
	DeletedAt   *time.Time `bun:"deleted_at,soft_delete,nullzero" json:"deleted_at,omitempty"`
}

// UserRoleMapping assigns a user one role per service. Unmapping soft-deletes
// the row; a later remap reuses it.
type UserRoleMapping struct {
	bun.BaseModel `bun:"table:user_roles,alias:url"`

	UserID     uuid.UUID  `bun:"user_id,pk,type:uuid" json:"user_id,omitempty"`
	ServiceID  string     `bun:"service_id,pk" json:"service_id,omitempty"`
	RoleID     string     `bun:"role_id,notnull" json:"role_id,omitempty"`
	AssignedBy string     `bun:"assigned_by" json:"assigned_by,omitempty"`
	CreatedAt  *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt  *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
	DeletedAt  *time.Time `bun:"deleted_at,soft_delete,nullzero" json:"deleted_at,omitempty"`
}

// SessionKind discriminates the two session shapes.
type SessionKind = string

const (
	// SessionKindDynamic is an expiring session created by an interactive login.
	SessionKindDynamic SessionKind = "DYNAMIC"
	// SessionKindStatic is a non-expiring standing credential for a system account.
	SessionKindStatic SessionKind = "STATIC"
)

// DynamicSession is one browser/CLI login. It always carries an expiry.
type DynamicSession struct {
	bun.BaseModel `bun:"table:dynamic_sessions,alias:dsn"`

	ID              uuid.UUID  `bun:"id,pk,type:uuid" json:"id,omitempty"`
	UserID          uuid.UUID  `bun:"user_id,notnull,type:uuid" json:"user_id,omitempty"`
	ServiceID       string     `bun:"service_id,notnull" json:"service_id,omitempty"`
	ClientSessionID *string    `bun:"client_session_id,nullzero" json:"client_session_id,omitempty"`
	ExpiresAt       time.Time  `bun:"expires_at,notnull" json:"expires_at,omitempty"`
	CreatedAt       *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt       *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
	DeletedAt       *time.Time `bun:"deleted_at,soft_delete,nullzero" json:"deleted_at,omitempty"`
}

// Session projects a dynamic session onto the common wire shape.
func (d *DynamicSession) Session() *Session {
	exp := d.ExpiresAt
	return &Session{
		ID:              d.ID,
		UserID:          d.UserID,
		ServiceID:       d.ServiceID,
		ClientSessionID: d.ClientSessionID,
		Kind:            SessionKindDynamic,
		ExpiresAt:       &exp,
		Deleted:         d.DeletedAt != nil,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

// StaticSession is a standing machine credential. It never expires.
type StaticSession struct {
	bun.BaseModel `bun:"table:static_sessions,alias:ssn"`

	ID              uuid.UUID  `bun:"id,pk,type:uuid" json:"id,omitempty"`
	UserID          uuid.UUID  `bun:"user_id,notnull,type:uuid" json:"user_id,omitempty"`
	ServiceID       string     `bun:"service_id,notnull" json:"service_id,omitempty"`
	ClientSessionID *string    `bun:"client_session_id,nullzero" json:"client_session_id,omitempty"`
	CreatedAt       *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt       *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
	DeletedAt       *time.Time `bun:"deleted_at,soft_delete,nullzero" json:"deleted_at,omitempty"`
}

// Session projects a static session onto the common wire shape.
func (s *StaticSession) Session() *Session {
	return &Session{
		ID:              s.ID,
		UserID:          s.UserID,
		ServiceID:       s.ServiceID,
		ClientSessionID: s.ClientSessionID,
		Kind:            SessionKindStatic,
		Deleted:         s.DeletedAt != nil,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

// Session is the kind-agnostic projection both stores return.
type Session struct {
	ID              uuid.UUID  `json:"id"`
	UserID          uuid.UUID  `json:"user_id"`
	ServiceID       string     `json:"service_id"`
	ClientSessionID *string    `json:"client_session_id,omitempty"`
	Kind            SessionKind `json:"kind"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Deleted         bool       `json:"deleted,omitempty"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

// Expired reports whether the session's expiry, when present, has passed.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// Identity is the resolved (user, service) view embedded in token responses
// and returned by token translation. Role is empty when the user holds no
// role for the service.
type Identity struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name"`
	UserType    UserType `json:"user_type"`
	ServiceID   string   `json:"service_id"`
	Role        string   `json:"role,omitempty"`
}

// ParsedTokenInfo is the claim set extracted from a verified token.
type ParsedTokenInfo struct {
	UserID    uuid.UUID
	SessionID uuid.UUID
	ServiceID string
	IssuedAt  time.Time
	ExpiresAt *time.Time
}

// GeneratedTokenInfo pairs a freshly signed access token with the identity it
// represents. RefreshToken is set only for dynamic sessions.
type GeneratedTokenInfo struct {
	Identity     Identity
	Token        string
	RefreshToken string
	ExpiresAt    *time.Time
}
