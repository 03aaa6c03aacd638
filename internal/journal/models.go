package journal

import (
	"database/sql/driver"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/thebtf/qshield/pkg/models"
)

// JSONMap is a map stored as a JSON text column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("scan JSONMap: unsupported type %T", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, (*map[string]any)(m))
}

// SecurityEventRow is the persisted form of a security event.
type SecurityEventRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	SessionID string    `gorm:"size:128;not null"`
	Timestamp time.Time `gorm:"not null"`
	Type      string    `gorm:"size:64;not null;index"`
	Message   string    `gorm:"type:text"`
	Severity  string    `gorm:"size:16;not null"`
	Details   JSONMap   `gorm:"type:text"`
}

func (SecurityEventRow) TableName() string { return "security_events" }

func rowFrom(ev models.SecurityEvent) SecurityEventRow {
	return SecurityEventRow{
		SessionID: ev.SessionID,
		Timestamp: ev.Timestamp.UTC(),
		Type:      ev.Type,
		Message:   ev.Message,
		Severity:  string(ev.Severity),
		Details:   JSONMap(ev.Details),
	}
}

func (r SecurityEventRow) event() models.SecurityEvent {
	return models.SecurityEvent{
		SessionID: r.SessionID,
		Timestamp: r.Timestamp,
		Type:      r.Type,
		Message:   r.Message,
		Severity:  models.Severity(r.Severity),
		Details:   map[string]any(r.Details),
	}
}
