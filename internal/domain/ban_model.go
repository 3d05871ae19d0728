package domain

import (
	"time"

	"github.com/google/uuid"
)

// PlayerBan is a ban keyed on the claimed player name.
type PlayerBan struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	// PlayerName is stored case-sensitive, exactly as it was issued.
	PlayerName     string     `gorm:"column:player_name;size:36;uniqueIndex;not null"`
	PlayerIdentity *uuid.UUID `gorm:"column:player_identity;type:varchar(36)"`

	BannedBy string    `gorm:"column:banned_by;size:36;not null"`
	Reason   string    `gorm:"column:reason;type:text;not null"`
	BanTime  time.Time `gorm:"column:ban_time;not null;default:CURRENT_TIMESTAMP"`
}

func (PlayerBan) TableName() string { return "player_bans" }

// IPBan is a ban keyed on a dotted-quad source address.
type IPBan struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	IP string `gorm:"column:ip;size:45;uniqueIndex;not null"`

	BannedBy string    `gorm:"column:banned_by;size:36;not null"`
	Reason   string    `gorm:"column:reason;type:text;not null"`
	BanTime  time.Time `gorm:"column:ban_time;not null;default:CURRENT_TIMESTAMP"`
}

func (IPBan) TableName() string { return "ip_bans" }

// Ban is the kind-agnostic view of either record.
type Ban struct {
	Kind     Kind       `json:"kind" yaml:"-"`
	Key      string     `json:"key" yaml:"key"`
	Identity *uuid.UUID `json:"identity,omitempty" yaml:"identity,omitempty"`
	BannedBy string     `json:"banned_by" yaml:"banned_by"`
	Reason   string     `json:"reason" yaml:"reason"`
	BannedAt time.Time  `json:"banned_at" yaml:"banned_at"`
}

func (b Ban) Target() Target {
	return Target{Kind: b.Kind, Key: b.Key}
}

func (p PlayerBan) View() Ban {
	return Ban{
		Kind:     KindName,
		Key:      p.PlayerName,
		Identity: p.PlayerIdentity,
		BannedBy: p.BannedBy,
		Reason:   p.Reason,
		BannedAt: p.BanTime,
	}
}

func (b IPBan) View() Ban {
	return Ban{
		Kind:     KindIP,
		Key:      b.IP,
		BannedBy: b.BannedBy,
		Reason:   b.Reason,
		BannedAt: b.BanTime,
	}
}

// BanRequest carries a ban mutation. Identity is only meaningful for name bans.
type BanRequest struct {
	Target   Target
	Identity *uuid.UUID
	Issuer   string
	Reason   string
}
