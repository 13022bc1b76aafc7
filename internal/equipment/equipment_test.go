package equipment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"ras-1/kawasaki-ras-1/rec-1700000000000.wav", "kawasaki-ras-1"},
		{"a/b/c/d.wav", "c"},
		{"/leading//double/file.wav", "double"},
		{"equip/file.wav", "equip"},
		{"file.wav", ""},
		{"", ""},
		{"equip/", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FromKey(tt.key), "key %q", tt.key)
	}
}

func TestFromPrefix(t *testing.T) {
	assert.Equal(t, "ras-1", FromPrefix("recordings/ras-1/"))
	assert.Equal(t, "", FromPrefix(""))
}

func TestResolve(t *testing.T) {
	assert.Equal(t, "explicit", Resolve("explicit", "x/y/z.wav", nil))
	assert.Equal(t, "y", Resolve("", "x/y/z.wav", nil))

	upper := func(key string) string { return strings.ToUpper(FromKey(key)) }
	assert.Equal(t, "Y", Resolve("", "x/y/z.wav", upper))
}
