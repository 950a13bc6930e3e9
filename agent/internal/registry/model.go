package registry

import "time"

// Credential is the metadata kept for a client credential. The key
// material itself lives on disk; this row holds what the files cannot.
type Credential struct {
	Name        string     `gorm:"primaryKey" json:"name"`
	Fingerprint string     `gorm:"not null" json:"fingerprint"`
	CreatedAt   time.Time  `json:"created_at"`
	Revoked     bool       `gorm:"not null;default:false" json:"revoked"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

func (Credential) TableName() string {
	return "credentials"
}
