package promptfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{"txt trims trailing newlines", write("a.txt", "Hello\nworld\n\n"), "Hello\nworld", false},
		{"markdown verbatim", write("b.MD", "# Title\n\n- item"), "# Title\n\n- item", false},
		{"unsupported", write("c.docx", "x"), "", true},
		{"missing", filepath.Join(dir, "nope.txt"), "", true},
		{"corrupt pdf", write("d.pdf", "not a pdf"), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Load(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChatML(t *testing.T) {
	assert.Equal(t,
		"<|im_start|>user\nhi<|im_end|>\n<|im_start|>assistant\n",
		ChatML("", "hi"))
	assert.Equal(t,
		"<|im_start|>system\nbe brief<|im_end|>\n<|im_start|>user\nhi<|im_end|>\n<|im_start|>assistant\n",
		ChatML("be brief", "hi"))
}

func TestConversation(t *testing.T) {
	got := Conversation("sys", []Turn{{User: "a", Assistant: "b"}}, "c")
	assert.Equal(t,
		"<|im_start|>system\nsys<|im_end|>\n"+
			"<|im_start|>user\na<|im_end|>\n<|im_start|>assistant\nb<|im_end|>\n"+
			"<|im_start|>user\nc<|im_end|>\n<|im_start|>assistant\n",
		got)
}
