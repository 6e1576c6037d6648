package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Role groups permissions. Unscoped roles see every project.
type Role struct {
	ID          uint         `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string       `gorm:"uniqueIndex;not null" json:"name"`
	Unscoped    bool         `gorm:"not null" json:"unscoped"`
	Permissions []Permission `gorm:"many2many:role_permissions" json:"permissions,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

type Permission struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	Code      string    `gorm:"uniqueIndex;not null" json:"code"`
	CreatedAt time.Time `json:"created_at"`
}

type User struct {
	ID               string    `gorm:"type:uuid;primaryKey" json:"id"`
	Email            string    `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash     string    `gorm:"not null" json:"-"`
	RoleID           uint      `gorm:"not null;index" json:"role_id"`
	Role             Role      `json:"role"`
	IsActive         bool      `gorm:"not null" json:"is_active"`
	ActivationStatus bool      `gorm:"not null" json:"activation_status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

type Project struct {
	ID          string     `gorm:"type:uuid;primaryKey" json:"id"`
	Name        string     `gorm:"uniqueIndex;not null" json:"name"`
	Description string     `json:"description"`
	Active      bool       `gorm:"not null" json:"active"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	Users       []User     `gorm:"many2many:project_users" json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (p *Project) BeforeCreate(*gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// Season is a dated program cycle inside a project. Seasons of one project
// never overlap.
type Season struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID string    `gorm:"type:uuid;not null;index" json:"project_id"`
	Name      string    `gorm:"not null" json:"name"`
	StartDate time.Time `gorm:"not null" json:"start_date"`
	EndDate   time.Time `gorm:"not null" json:"end_date"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Season) BeforeCreate(*gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

type Farmer struct {
	ID           string    `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID    string    `gorm:"type:uuid;not null;uniqueIndex:idx_farmer_project_phone" json:"project_id"`
	FullName     string    `gorm:"not null" json:"full_name"`
	Phone        string    `gorm:"not null;uniqueIndex:idx_farmer_project_phone" json:"phone"`
	Village      string    `json:"village"`
	Gender       string    `json:"gender"`
	Crops        string    `json:"crops"`
	LandSizeAcre float64   `json:"land_size_acres"`
	CreatedBy    string    `gorm:"type:uuid" json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (f *Farmer) BeforeCreate(*gorm.DB) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	return nil
}

type Message struct {
	ID          string     `gorm:"type:uuid;primaryKey" json:"id"`
	SenderID    string     `gorm:"type:uuid;not null;index" json:"sender_id"`
	RecipientID string     `gorm:"type:uuid;not null;index" json:"recipient_id"`
	Body        string     `gorm:"not null" json:"body"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (m *Message) BeforeCreate(*gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// OTPTicket is the pending login challenge for one user. CodeHash is the
// hex SHA-256 of the code; the code itself is never stored.
type OTPTicket struct {
	UserID       string    `gorm:"type:uuid;primaryKey"`
	CodeHash     string    `gorm:"not null"`
	IssuedAt     time.Time `gorm:"not null"`
	ExpiresAt    time.Time `gorm:"not null;index"`
	AttemptsLeft int       `gorm:"not null;default:0"`
}

type AuditLog struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    *string   `gorm:"type:uuid;index" json:"user_id,omitempty"`
	Action    string    `gorm:"not null" json:"action"`
	Metadata  JSONB     `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
}

// All lists every model for AutoMigrate.
func All() []any {
	return []any{
		&Role{}, &Permission{}, &User{}, &Project{}, &Season{},
		&Farmer{}, &Message{}, &OTPTicket{}, &AuditLog{},
	}
}
