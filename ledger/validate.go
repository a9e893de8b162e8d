package ledger

import "fmt"

const (
	maxFieldLen = 256
	maxValueLen = 64 * 1024
	maxIDLen    = 512
)

// validateObservation checks an observation's mutable inputs before insert.
// Existence of the entity is checked separately against the entities table.
func validateObservation(o *Observation) error {
	if o.EntityID == "" {
		return fmt.Errorf("%w: entity_id is required", ErrValidation)
	}
	if o.Field == "" {
		return fmt.Errorf("%w: field is required", ErrValidation)
	}
	if len(o.Field) > maxFieldLen {
		return fmt.Errorf("%w: field exceeds %d characters", ErrValidation, maxFieldLen)
	}
	if !wellFormedField(o.Field) {
		return fmt.Errorf("%w: malformed field name %q", ErrValidation, o.Field)
	}
	if len(o.Value) > maxValueLen {
		return fmt.Errorf("%w: value exceeds %d bytes", ErrValidation, maxValueLen)
	}
	if o.SourceID == "" {
		return fmt.Errorf("%w: source_id is required", ErrValidation)
	}
	if len(o.SourceID) > maxIDLen {
		return fmt.Errorf("%w: source_id exceeds %d characters", ErrValidation, maxIDLen)
	}
	if o.Priority <= 0 {
		return fmt.Errorf("%w: priority must be positive", ErrValidation)
	}
	return nil
}

// wellFormedField accepts snake_case field names with dotted sub-paths,
// e.g. "amount", "address.postal_code".
func wellFormedField(f string) bool {
	if f[0] == '.' || f[0] == '_' || f[len(f)-1] == '.' {
		return false
	}
	prevDot := false
	for _, c := range f {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_':
			prevDot = false
		case c == '.':
			if prevDot {
				return false
			}
			prevDot = true
		default:
			return false
		}
	}
	return true
}
