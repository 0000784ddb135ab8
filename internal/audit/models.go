package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base mirrors the teacher's shared-model base: a time-ordered UUIDv7
// primary key so audit records sort chronologically on their own index
// without a separate created_at query.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null;index"`
}

func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// record is the durable row backing one audited Entry. Details is stored as
// a JSON text column rather than a separate table: audit detail shapes vary
// per action and are never queried by field, only displayed.
type record struct {
	base
	Action   string `gorm:"not null;index"`
	Resource string `gorm:"not null;index"`
	Outcome  string `gorm:"not null"`
	Reason   string
	Details  string `gorm:"type:text"`
}

func (record) TableName() string { return "audit_records" }

func toRecord(e Entry) (record, error) {
	r := record{
		Action:   e.Action,
		Resource: e.Resource,
		Outcome:  string(e.Outcome),
		Reason:   e.Reason,
	}
	r.CreatedAt = e.Timestamp
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return record{}, err
		}
		r.Details = string(b)
	}
	return r, nil
}
