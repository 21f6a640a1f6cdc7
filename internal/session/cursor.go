package session

// Cursor is the caller-owned position counter. Step reads it as the position
// of the next token and increments it once per successful call.
type Cursor struct {
	v int
}

// NewCursor starts a cursor at v, normally the prompt token count.
func NewCursor(v int) *Cursor { return &Cursor{v: v} }

func (c *Cursor) Value() int { return c.v }

func (c *Cursor) Increment() { c.v++ }
