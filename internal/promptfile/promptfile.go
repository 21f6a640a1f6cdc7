// Package promptfile loads prompts from text, markdown and PDF files and
// wraps them in the ChatML template.
package promptfile

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Extensions lists the supported file types.
var Extensions = []string{".txt", ".md", ".pdf"}

// Load returns the prompt text stored at path.
func Load(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".pdf":
		text, err := extractPDFText(path)
		if err != nil {
			return "", fmt.Errorf("promptfile: read pdf %q: %w", path, err)
		}
		return strings.TrimSpace(text), nil
	case ".txt", ".md", "":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("promptfile: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	default:
		return "", fmt.Errorf("promptfile: unsupported extension %q (want one of %s)", ext, strings.Join(Extensions, ", "))
	}
}

func extractPDFText(path string) (string, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = file.Close()
	}()
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Turn is one completed exchange of a conversation.
type Turn struct {
	User      string
	Assistant string
}

// ChatML wraps a user message, and an optional system message, in the ChatML
// template and opens the assistant turn. Tokenize the result with special
// token parsing on.
func ChatML(system, user string) string {
	return Conversation(system, nil, user)
}

// Conversation is ChatML with earlier turns replayed before the new user
// message.
func Conversation(system string, turns []Turn, user string) string {
	var sb strings.Builder
	if system != "" {
		writeTurn(&sb, "system", system)
	}
	for _, t := range turns {
		writeTurn(&sb, "user", t.User)
		writeTurn(&sb, "assistant", t.Assistant)
	}
	writeTurn(&sb, "user", user)
	sb.WriteString("<|im_start|>assistant\n")
	return sb.String()
}

func writeTurn(sb *strings.Builder, role, text string) {
	sb.WriteString("<|im_start|>")
	sb.WriteString(role)
	sb.WriteString("\n")
	sb.WriteString(text)
	sb.WriteString("<|im_end|>\n")
}
