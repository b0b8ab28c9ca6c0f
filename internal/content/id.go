package content

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
)

// IDProvider issues identifiers for new rows.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// HashContent returns a compact hash of normalized content, used to narrow exact-duplicate lookups.
func HashContent(normalized string) string {
	if normalized == "" {
		return ""
	}
	return fmt.Sprintf("%016x", murmur3.Sum64([]byte(normalized)))
}
