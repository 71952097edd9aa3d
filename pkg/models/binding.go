package models

import "fmt"

// BindingType is the policy a component attaches to a connection with.
type BindingType int

const (
	// BindingShared leaves the pool warm for other components on detach.
	BindingShared BindingType = iota
	// BindingExclusive clears every other binding on attach. When the
	// exclusive owner detaches the pool is closed.
	BindingExclusive
	// BindingSession lasts for the component's lifetime. Detaching tears the
	// binding down but the pool stays cached.
	BindingSession
)

var bindingTypeNames = map[BindingType]string{
	BindingShared:    "shared",
	BindingExclusive: "exclusive",
	BindingSession:   "session",
}

func (b BindingType) String() string {
	if s, ok := bindingTypeNames[b]; ok {
		return s
	}
	return fmt.Sprintf("binding(%d)", int(b))
}

// ParseBindingType accepts the String form.
func ParseBindingType(s string) (BindingType, error) {
	for b, name := range bindingTypeNames {
		if name == s {
			return b, nil
		}
	}
	return 0, fmt.Errorf("unknown binding type %q", s)
}

func (b BindingType) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

func (b *BindingType) UnmarshalText(data []byte) error {
	parsed, err := ParseBindingType(string(data))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}
