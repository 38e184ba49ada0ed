package entities

import "time"

type RunnerRegistrationToken struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Token     string    `json:"registrationToken" gorm:"type:varchar(128);not null;uniqueIndex"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
}

func (RunnerRegistrationToken) TableName() string {
	return "runner_registration_tokens"
}

type Runner struct {
	ID                        uint                     `json:"id" gorm:"primaryKey;autoIncrement"`
	Name                      string                   `json:"name" gorm:"type:varchar(120);not null;uniqueIndex"`
	Description               string                   `json:"description" gorm:"type:text"`
	TokenDigest               string                   `json:"-" gorm:"type:varchar(64);not null;uniqueIndex"`
	RunnerRegistrationTokenID uint                     `json:"registrationTokenId" gorm:"not null;index"`
	RegistrationToken         *RunnerRegistrationToken `json:"-" gorm:"foreignKey:RunnerRegistrationTokenID;constraint:OnDelete:CASCADE"`
	IP                        string                   `json:"ip" gorm:"type:varchar(64)"`
	Version                   string                   `json:"version" gorm:"type:varchar(64)"`
	LastContact               time.Time                `json:"lastContact" gorm:"not null"`
	CreatedAt                 time.Time                `json:"createdAt" gorm:"not null"`
	UpdatedAt                 time.Time                `json:"updatedAt" gorm:"not null"`
}

func (Runner) TableName() string {
	return "runners"
}
