package sim

import "strings"

// Byte-level vocabulary: ids 0..255 are raw bytes, followed by the special
// tokens below. TokenEOS is <|endoftext|>, TokenIMEnd is <|im_end|> and
// TokenIMStart is <|im_start|>.
const (
	TokenBOS     int32 = 256
	TokenEOS     int32 = 257
	TokenIMEnd   int32 = 258
	TokenIMStart int32 = 259
	VocabSize          = 260
	firstSpecial       = TokenBOS
)

var specials = []struct {
	text string
	id   int32
}{
	{"<|endoftext|>", TokenEOS},
	{"<|im_end|>", TokenIMEnd},
	{"<|im_start|>", TokenIMStart},
	{"<s>", TokenBOS},
}

func pieceOf(id int32) []byte {
	switch {
	case id >= 0 && id < firstSpecial:
		return []byte{byte(id)}
	case id == TokenBOS:
		return nil
	}
	for _, s := range specials {
		if s.id == id {
			return []byte(s.text)
		}
	}
	return nil
}

func tokenize(text string, addBOS, parseSpecial bool) []int32 {
	out := make([]int32, 0, len(text)+1)
	if addBOS {
		out = append(out, TokenBOS)
	}
	for i := 0; i < len(text); {
		if parseSpecial && text[i] == '<' {
			if id, n, ok := matchSpecial(text[i:]); ok {
				out = append(out, id)
				i += n
				continue
			}
		}
		out = append(out, int32(text[i]))
		i++
	}
	return out
}

func matchSpecial(s string) (int32, int, bool) {
	for _, sp := range specials {
		if strings.HasPrefix(s, sp.text) {
			return sp.id, len(sp.text), true
		}
	}
	return 0, 0, false
}

func detokenize(ids []int32) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.Write(pieceOf(id))
	}
	return sb.String()
}
