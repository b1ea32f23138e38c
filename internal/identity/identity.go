// Package identity defines the canonical user identifier used throughout the
// realtime layer. The web clients historically sent user ids both as JSON
// numbers and as numeric strings depending on which payload produced them;
// every id is normalized to an int64 at the deserialization boundary so that
// presence and routing comparisons never mix representations.
package identity

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is the canonical numeric user identifier.
type ID int64

// Parse converts a string form of a user id into an ID.
func Parse(s string) (ID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("identity: invalid user id %q: %w", s, err)
	}
	return ID(n), nil
}

// String returns the decimal form of the id.
func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// UnmarshalJSON accepts either a JSON number or a numeric string.
func (id *ID) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*id = ID(n)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("identity: user id must be a number or numeric string")
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// MarshalJSON always emits the numeric form.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(id))
}
