package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowlist_AllowsHost(t *testing.T) {
	a := NewAllowlist([]string{"fonts.example.com", "*.cdn.example.net", " ", "MEDIA.test"})

	tests := []struct {
		host string
		want bool
	}{
		{"fonts.example.com", true},
		{"FONTS.example.com", true},
		{"other.example.com", false},
		{"a.cdn.example.net", true},
		{"a.b.cdn.example.net", true},
		{"cdn.example.net", false},
		{"evilcdn.example.net", false},
		{"media.test", true},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, a.AllowsHost(tt.host))
		})
	}
}

func TestAllowlist_Filter(t *testing.T) {
	filter := NewAllowlist([]string{"*.assets.test"}).Filter("http://127.0.0.1:4000")

	assert.True(t, filter("http://127.0.0.1:4000/runtime/index.html"))
	assert.True(t, filter("ws://127.0.0.1:4000/socket?token=x"))
	assert.True(t, filter("data:image/png;base64,AAAA"))
	assert.True(t, filter("blob:http://127.0.0.1:4000/uuid"))
	assert.True(t, filter("https://img.assets.test/a.png"))

	assert.False(t, filter("http://127.0.0.1:4001/other"))
	assert.False(t, filter("https://tracker.example.com/pixel"))
	assert.False(t, filter("file:///etc/passwd"))
	assert.False(t, filter("://bad"))
}
