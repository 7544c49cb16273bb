package storage

import "time"

type Credential struct {
	InstanceID  string
	OwnerID     int64
	EncBotToken string
	CreatedAt   time.Time
}

type ResponsePattern struct {
	ID        int64
	Trigger   string
	Response  string
	MediaKind string
	CreatedAt time.Time
}

type ChatLanguage struct {
	ChatID   int64
	Language string
}

type ChatStatus struct {
	ChatID  int64
	Enabled bool
}

type Sudoer struct {
	UserID  int64
	AddedBy int64
}

type AuditEntry struct {
	ChatID   int64
	UserID   int64
	Action   string
	MetaJSON string
}
