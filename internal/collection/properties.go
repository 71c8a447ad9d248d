package collection

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/dray-io/lsmttl/internal/expiry"
)

// Supported property keys.
const (
	PropExpiryEnabled    = "expiry.enabled"
	PropExpiryTTL        = "expiry.ttl"
	PropExpiryWholeFiles = "expiry.whole.files"
)

// Property validation errors.
var (
	ErrInvalidPropertyKey   = errors.New("collection: invalid property key")
	ErrInvalidPropertyValue = errors.New("collection: invalid property value")
)

// PropertyValidationError provides detailed error information for property
// validation failures.
type PropertyValidationError struct {
	Key     string
	Value   string
	Message string
}

func (e *PropertyValidationError) Error() string {
	return fmt.Sprintf("collection: property %q=%q: %s", e.Key, e.Value, e.Message)
}

// Unwrap lets callers match ErrInvalidPropertyKey or ErrInvalidPropertyValue.
func (e *PropertyValidationError) Unwrap() error {
	if !IsSupportedProperty(e.Key) {
		return ErrInvalidPropertyKey
	}
	return ErrInvalidPropertyValue
}

// SupportedProperties returns the property keys a collection record may set.
func SupportedProperties() []string {
	return []string{
		PropExpiryEnabled,
		PropExpiryTTL,
		PropExpiryWholeFiles,
	}
}

// IsSupportedProperty checks if a property key is supported.
func IsSupportedProperty(key string) bool {
	switch key {
	case PropExpiryEnabled, PropExpiryTTL, PropExpiryWholeFiles:
		return true
	default:
		return false
	}
}

// ValidateProperty validates a single property.
func ValidateProperty(key, value string) error {
	switch key {
	case PropExpiryEnabled, PropExpiryWholeFiles:
		if _, err := parseBool(value); err != nil {
			return &PropertyValidationError{Key: key, Value: value, Message: "must be true or false"}
		}
		return nil
	case PropExpiryTTL:
		if _, _, err := expiry.ParseTTL(value); err != nil {
			return &PropertyValidationError{
				Key:     key,
				Value:   value,
				Message: "must be unlimited, a number of minutes, or a duration like 1w2d",
			}
		}
		return nil
	default:
		return &PropertyValidationError{Key: key, Value: value, Message: "unknown property"}
	}
}

// ValidateProperties validates every property and reports all failures,
// ordered by key.
func ValidateProperties(props map[string]string) error {
	var result *multierror.Error
	for _, key := range sortedKeys(props) {
		if err := ValidateProperty(key, props[key]); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// NormalizeProperties validates props and returns a copy with canonical
// values: lower-case booleans and trimmed TTLs.
func NormalizeProperties(props map[string]string) (map[string]string, error) {
	if props == nil {
		return nil, nil
	}
	if err := ValidateProperties(props); err != nil {
		return nil, err
	}

	normalized := make(map[string]string, len(props))
	for key, value := range props {
		switch key {
		case PropExpiryEnabled, PropExpiryWholeFiles:
			b, _ := parseBool(value)
			normalized[key] = strconv.FormatBool(b)
		case PropExpiryTTL:
			normalized[key] = strings.ToLower(strings.TrimSpace(value))
		}
	}
	return normalized, nil
}

// DefaultProperties renders a policy as properties.
func DefaultProperties(def expiry.ExpiryPolicy) map[string]string {
	return map[string]string{
		PropExpiryEnabled:    strconv.FormatBool(def.Enabled),
		PropExpiryTTL:        expiry.FormatTTL(def),
		PropExpiryWholeFiles: strconv.FormatBool(def.WholeFileExpiry),
	}
}

// MergeWithDefaults merges collection properties over the default policy.
// Collection values override defaults.
func MergeWithDefaults(props map[string]string, def expiry.ExpiryPolicy) map[string]string {
	result := DefaultProperties(def)
	for key, value := range props {
		result[key] = value
	}
	return result
}

// ToPolicy resolves properties against the default policy. Keys the
// collection does not set keep the default's value.
func ToPolicy(props map[string]string, def expiry.ExpiryPolicy) (expiry.ExpiryPolicy, error) {
	if err := ValidateProperties(props); err != nil {
		return expiry.ExpiryPolicy{}, err
	}

	p := def
	if v, ok := props[PropExpiryEnabled]; ok {
		p.Enabled, _ = parseBool(v)
	}
	if v, ok := props[PropExpiryTTL]; ok {
		p.TTLMinutes, p.Unlimited, _ = expiry.ParseTTL(v)
	}
	if v, ok := props[PropExpiryWholeFiles]; ok {
		p.WholeFileExpiry, _ = parseBool(v)
	}
	return p, nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "on", "enabled":
		return true, nil
	case "false", "off", "disabled":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool %q", value)
	}
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
