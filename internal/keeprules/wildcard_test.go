package keeprules

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConvertWildcardType(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{"java.lang.String", "Ljava/lang/String;"},
		{"void", "V"},
		{"boolean", "Z"},
		{"int", "I"},
		{"long", "J"},
		{"int[]", "[I"},
		{"java.lang.String[][]", "[[Ljava/lang/String;"},
		{"**", "L**;"},
		{"com.foo.*", "Lcom/foo/*;"},
		{"%", "%"},
		{"***", "***"},
		{"...", "..."},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, ConvertWildcardType(tt.pattern))
		})
	}
}
