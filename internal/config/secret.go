package config

const redacted = "[REDACTED]"

// Secret holds a credential loaded from config or the environment. Every
// printed or marshaled form is redacted; Reveal returns the raw value.
type Secret string

// IsSet reports whether a value was configured
func (s Secret) IsSet() bool { return s != "" }

// Reveal returns the raw value for the client that needs it
func (s Secret) Reveal() string { return string(s) }

func (s Secret) mask() string {
	if !s.IsSet() {
		return ""
	}
	return redacted
}

func (s Secret) String() string { return s.mask() }

// GoString covers %#v
func (s Secret) GoString() string { return `"` + s.mask() + `"` }

func (s Secret) MarshalYAML() (interface{}, error) { return s.mask(), nil }

func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.mask() + `"`), nil
}
