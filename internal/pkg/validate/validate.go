package validate

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// v is the package-level singleton validator. It is initialised once at
// package load time. Any custom type registrations must be made during init()
// before the first call to Struct.
var v = validator.New()

// Tags shared by the security services.
const (
	// KeyTag accepts store keys and identifiers: no whitespace or glob metacharacters.
	KeyTag   = "required,max=256,printascii,excludesall=*?[] "
	PhoneTag = "required,e164"
)

// Struct validates the given struct using its validate tags.
// Returns a human-readable error string or nil.
func Struct(s interface{}) error {
	if err := v.Struct(s); err != nil {
		ve, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		var msgs []string
		for _, fe := range ve {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return nil
}

// Var validates a single value against tag. name is used in the error message.
func Var(name string, value interface{}, tag string) error {
	if err := v.Var(value, tag); err != nil {
		ve, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		var msgs []string
		for _, fe := range ve {
			msgs = append(msgs, fmt.Sprintf("%s failed '%s'", name, fe.Tag()))
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return nil
}

// Key validates a store key or identifier.
func Key(name, value string) error {
	return Var(name, value, KeyTag)
}

// Digits validates a numeric code of exactly n digits.
func Digits(name, value string, n int) error {
	return Var(name, value, fmt.Sprintf("required,number,len=%d", n))
}
