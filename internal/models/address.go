package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// AddressJSON is an Address stored as a JSONB column.
type AddressJSON Address

// Scan implements sql.Scanner.
func (a *AddressJSON) Scan(src interface{}) error {
	if src == nil {
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("unsupported address column type %T", src)
	}
}

// Value implements driver.Valuer.
func (a AddressJSON) Value() (driver.Value, error) {
	return json.Marshal(a)
}
