package subscription

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusCanceled Status = "canceled"
)

// Subscription pins a subscriber to one version of a tier. Tier edits do not
// move existing subscriptions; a separate migration does.
type Subscription struct {
	ID          uuid.UUID `db:"id" json:"id"`
	OwnerID     uuid.UUID `db:"owner_id" json:"owner_id"`
	SubjectID   uuid.UUID `db:"subject_id" json:"subject_id"`
	TierID      uuid.UUID `db:"tier_id" json:"tier_id"`
	TierVersion int       `db:"tier_version" json:"tier_version"`
	Status      Status    `db:"status" json:"status"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
