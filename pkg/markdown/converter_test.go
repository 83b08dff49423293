package markdown

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToHTML(t *testing.T) {
	got := ToHTML("**Binary search** runs in `O(log n)`.")
	assert.Equal(t, "<p><strong>Binary search</strong> runs in <code>O(log n)</code>.</p>", got)

	assert.Empty(t, ToHTML("   \n"))
}

func TestToHTML_DropsRawHTML(t *testing.T) {
	got := ToHTML("hello <script>alert(1)</script> world")
	assert.NotContains(t, got, "<script>")
}

func TestToHTML_LinksOpenInNewTab(t *testing.T) {
	got := ToHTML("[docs](https://example.com)")
	assert.Contains(t, got, `target="_blank"`)
	assert.Contains(t, got, "noreferrer")
}

func TestToTelegramHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"bold and italic", "**bold** and *italic*", "<b>bold</b> and <i>italic</i>"},
		{"list", "- one\n- two", "• one\n• two"},
		{"code block", "```go\nfmt.Println(1)\n```", "<pre>fmt.Println(1)\n</pre>"},
		{"heading dropped", "# Title", "Title"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ToTelegramHTML(tt.in))
		})
	}
}

func TestToTelegramHTML_OnlyAllowedTags(t *testing.T) {
	got := ToTelegramHTML("| a | b |\n|---|---|\n| 1 | 2 |\n\n> quote")
	for _, tag := range []string{"<table", "<tr", "<td", "<blockquote", "<p>"} {
		assert.False(t, strings.Contains(got, tag), "unexpected %s in %q", tag, got)
	}
}
