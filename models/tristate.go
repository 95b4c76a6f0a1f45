package models

import (
	"database/sql/driver"
	"fmt"
)

// TriState is a per-account override of a global notification default.
// Inherit means "no override"; it maps to SQL NULL so a stored Off can
// never be confused with "not set".
type TriState int8

const (
	Inherit TriState = iota
	On
	Off
)

// Resolve applies the override against the global default.
func (t TriState) Resolve(def bool) bool {
	switch t {
	case On:
		return true
	case Off:
		return false
	default:
		return def
	}
}

func (t TriState) String() string {
	switch t {
	case On:
		return "on"
	case Off:
		return "off"
	default:
		return "inherit"
	}
}

// FromBoolPtr converts the wire representation (null/true/false) used by
// the JSON API into a TriState.
func FromBoolPtr(v *bool) TriState {
	if v == nil {
		return Inherit
	}
	if *v {
		return On
	}
	return Off
}

// Value implements driver.Valuer; the column is a nullable boolean.
func (t TriState) Value() (driver.Value, error) {
	switch t {
	case On:
		return true, nil
	case Off:
		return false, nil
	default:
		return nil, nil
	}
}

// Scan implements sql.Scanner.
func (t *TriState) Scan(value interface{}) error {
	if value == nil {
		*t = Inherit
		return nil
	}
	switch v := value.(type) {
	case bool:
		if v {
			*t = On
		} else {
			*t = Off
		}
	case int64:
		if v != 0 {
			*t = On
		} else {
			*t = Off
		}
	default:
		return fmt.Errorf("cannot scan %T into TriState", value)
	}
	return nil
}
