package types

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// ID identifies a case or a case event. It is always a canonical
// lowercase UUID.
type ID string

// NewID returns a random (v4) ID.
func NewID() ID {
	return ID(uuid.New().String())
}

// ParseID accepts any UUID spelling and returns its canonical form. The nil
// UUID is rejected since no case carries it.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid ID %q: %w", s, err)
	}
	if u == uuid.Nil {
		return "", fmt.Errorf("invalid ID %q: nil UUID", s)
	}
	return ID(u.String()), nil
}

func (id ID) String() string { return string(id) }

func (id ID) IsZero() bool { return id == "" }

// UUID returns the parsed form used for KurrentDB event ids.
func (id ID) UUID() (uuid.UUID, error) {
	return uuid.Parse(string(id))
}

// Value stores the zero ID as NULL.
func (id ID) Value() (driver.Value, error) {
	if id.IsZero() {
		return nil, nil
	}
	return string(id), nil
}

// Scan reads text, bytes or a pgx UUID array.
func (id *ID) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*id = ""
	case string:
		*id = ID(v)
	case []byte:
		*id = ID(v)
	case [16]byte:
		*id = ID(uuid.UUID(v).String())
	default:
		return fmt.Errorf("cannot scan %T into ID", value)
	}
	return nil
}
