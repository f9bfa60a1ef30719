package textnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "lowercase and trim", input: "  Fuerza Popular ", want: "fuerza popular"},
		{name: "collapse whitespace", input: "Renovación\t\tPopular", want: "renovación popular"},
		{name: "decomposed accent", input: "Peru\u0301 Libre", want: "perú libre"},
		{name: "uppercase accent", input: "ACCIÓN POPULAR", want: "acción popular"},
		{name: "empty", input: "   ", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Name(tt.input))
		})
	}
}

func TestWhitespaceKeepsCase(t *testing.T) {
	assert.Equal(t, "Keiko Fujimori", Whitespace("  Keiko \n Fujimori "))
}
