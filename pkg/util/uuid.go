package util

import (
	"github.com/google/uuid"
)

// UUIDGenerator matches the signature of the UUID library's generation
// functions, so that shard ID generation can be made deterministic in
// unit tests.
type UUIDGenerator func() (uuid.UUID, error)

var _ UUIDGenerator = uuid.NewRandom
