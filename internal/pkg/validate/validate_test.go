package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"plain", "user:A", false},
		{"grievance id", "PGRS-1", false},
		{"empty", "", true},
		{"space", "user A", true},
		{"glob star", "user:*", true},
		{"glob bracket", "user[1]", true},
		{"non ascii", "usér", true},
		{"too long", strings.Repeat("a", 257), true},
		{"max length", strings.Repeat("a", 256), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Key("key", tt.value)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDigits(t *testing.T) {
	assert.NoError(t, Digits("otp", "123456", 6))
	assert.Error(t, Digits("otp", "12345", 6))
	assert.Error(t, Digits("otp", "12345a", 6))
	assert.Error(t, Digits("otp", "", 6))
	assert.Error(t, Digits("otp", "-12345", 6))
	assert.Error(t, Digits("otp", "+12345", 6))
	assert.Error(t, Digits("otp", "12.456", 6))
	assert.Error(t, Digits("otp", "12.45", 5))
}

type sample struct {
	Name  string `validate:"required"`
	Count int    `validate:"gt=0"`
}

func TestStruct(t *testing.T) {
	assert.NoError(t, Struct(sample{Name: "a", Count: 1}))

	err := Struct(sample{})
	assert.ErrorContains(t, err, "field 'Name' failed 'required'")
	assert.ErrorContains(t, err, "field 'Count' failed 'gt'")
}

func TestVar_Phone(t *testing.T) {
	assert.NoError(t, Var("phone", "+919876543210", PhoneTag))
	assert.Error(t, Var("phone", "9876543210", PhoneTag))
}
