package metadata

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLastDocument(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   string
		wantOk bool
	}{
		{"whole buffer", `{"a":1}`, `{"a":1}`, true},
		{"whole buffer pretty printed", "{\n  \"a\": 1\n}\n", "{\n  \"a\": 1\n}", true},
		{"trailing line", "progress\n{\"a\":2}\n", `{"a":2}`, true},
		{"indented line", "progress\n   {\"a\":3}   \n", `{"a":3}`, true},
		{"last valid wins", "{\"a\":1}\n{\"a\":2}\n{oops", `{"a":2}`, true},
		{"windows newlines", "noise\r\n{\"a\":4}\r\n", `{"a":4}`, true},
		{"array is not a document", `[1,2]`, "", false},
		{"null is not a document", `null`, "", false},
		{"garbage", "nothing\nto see", "", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := LastDocument([]byte(tt.input))
			assert.Equal(t, tt.wantOk, ok)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestLastDocumentLongLine(t *testing.T) {
	big := `{"title":"` + strings.Repeat("x", 1<<20) + `"}`

	got, ok := LastDocument([]byte("noise\n" + big + "\n"))
	assert.True(t, ok)
	assert.Len(t, got, len(big))
}
