package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHighlightJSON(t *testing.T) {
	if !Enabled() {
		t.Skip("NO_COLOR set")
	}

	out := HighlightJSON(`{"model":"a/b","stream":true,"n":2,"x":null}`)

	assert.Contains(t, out, Blue+`"model"`+Reset+":")
	assert.Contains(t, out, Green+`"a/b"`+Reset)
	assert.Contains(t, out, Yellow+"true"+Reset)
	assert.Contains(t, out, Purple+"2"+Reset)
	assert.Contains(t, out, Dim+"null"+Reset)
}

func TestStylizeRespectsNoColor(t *testing.T) {
	prev := disableColor
	disableColor = true
	defer func() { disableColor = prev }()

	assert.Equal(t, "plain", Stylize("plain", Red))
	assert.Equal(t, `{"a":1}`, HighlightJSON(`{"a":1}`))
}
