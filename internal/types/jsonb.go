package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Compile-time interface assertions. Scan is on pointer receivers; Value is
// on value receivers.
var (
	_ sql.Scanner   = (*Metadata)(nil)
	_ driver.Valuer = Metadata(nil)
)

// Metadata is the free-form key/value JSONB column carried by ledger entries.
// When a caller supplies an idempotency key it is stored here under
// MetaIdempotencyKey, alongside the result snapshot keys used for replay.
type Metadata map[string]any

// Scan implements sql.Scanner for reading JSONB values from the database.
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, m)
}

// Value implements driver.Valuer for writing JSONB values to the database.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// GetString returns the string value stored under key, or "" if absent or of
// a different type.
func (m Metadata) GetString(key string) string {
	s, _ := m[key].(string)
	return s
}

// GetInt64 returns the integer value stored under key. JSON round-trips
// numbers as float64, so both representations are accepted.
func (m Metadata) GetInt64(key string) (int64, bool) {
	switch v := m[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// GetBool returns the boolean value stored under key.
func (m Metadata) GetBool(key string) bool {
	b, _ := m[key].(bool)
	return b
}
