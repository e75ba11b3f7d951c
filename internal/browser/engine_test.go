package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsXPath(t *testing.T) {
	tests := []struct {
		selector string
		want     bool
	}{
		{`//button[contains(text(), "Entrar")]`, true},
		{`(//input)[2]`, true},
		{`  //div`, true},
		{`input[name="username"]`, false},
		{`#login`, false},
		{`button[type="submit"], input[type="submit"]`, false},
	}
	for _, tt := range tests {
		t.Run(tt.selector, func(t *testing.T) {
			assert.Equal(t, tt.want, IsXPath(tt.selector))
		})
	}
}

func TestVisibilityScript(t *testing.T) {
	css := visibilityScript(`input[name="user"]`)
	assert.Contains(t, css, `document.querySelector("input[name=\"user\"]")`)

	xp := visibilityScript(`//button`)
	assert.Contains(t, xp, `document.evaluate("//button"`)
}

