package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractQuote(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"wraps plain text", "It was a bright cold day", "«It was a bright cold day»"},
		{"drops page numbers", "  17 \nthe clocks were\n\n\nstriking thirteen.\n18", "«the clocks were striking thirteen.»"},
		{"collapses whitespace", "one\t two   three", "«one two three»"},
		{"keeps guillemets", "«Already quoted»", "«Already quoted»"},
		{"keeps straight quotes", "\"Already quoted\"", "\"Already quoted\""},
		{"only numbers", "12\n\n13", ""},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractQuote(tt.in))
		})
	}
}

func TestImageFormat(t *testing.T) {
	f, err := imageFormat("image/JPEG")
	assert.NoError(t, err)
	assert.Equal(t, "jpeg", f)

	f, err = imageFormat("image/png")
	assert.NoError(t, err)
	assert.Equal(t, "png", f)

	_, err = imageFormat("application/pdf")
	assert.Error(t, err)
}
