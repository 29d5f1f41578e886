package upnp

import "strings"

// cursor walks forward through a text buffer. It never panics on malformed
// input; a failed search leaves the position unchanged.
type cursor struct {
	buf string
	pos int
}

func newCursor(buf string) *cursor {
	return &cursor{buf: buf}
}

func (c *cursor) rest() string {
	return c.buf[c.pos:]
}

// skipPast moves the cursor right after the next occurrence of s.
func (c *cursor) skipPast(s string) bool {
	i := strings.Index(c.rest(), s)
	if i < 0 {
		return false
	}
	c.pos += i + len(s)
	return true
}

// upTo returns the text before the next occurrence of s and moves past s.
func (c *cursor) upTo(s string) (string, bool) {
	i := strings.Index(c.rest(), s)
	if i < 0 {
		return "", false
	}
	text := c.buf[c.pos : c.pos+i]
	c.pos += i + len(s)
	return text, true
}

// tag finds the next complete <name>...</name> element and returns its
// trimmed text content. Namespace prefixes (<u:name>) and attributes on the
// opening tag are accepted since IGDs emit all of these.
func (c *cursor) tag(name string) (string, bool) {
	start := c.pos
	open, ok := c.findName(name, false)
	if !ok {
		return "", false
	}
	c.pos = open
	head, ok := c.upTo(">")
	if !ok {
		c.pos = start
		return "", false
	}
	if strings.HasSuffix(head, "/") {
		return "", true
	}
	contentStart := c.pos
	end, ok := c.findName(name, true)
	if !ok {
		c.pos = start
		return "", false
	}
	// end points at the name; back up over "</" and any prefix.
	content := c.buf[contentStart:strings.LastIndex(c.buf[:end], "<")]
	c.pos = end
	c.skipPast(">")
	return strings.TrimSpace(content), true
}

// findName returns the offset of the next "<name", "<p:name", "</name" or
// "</p:name" token at or after the cursor.
func (c *cursor) findName(name string, closing bool) (int, bool) {
	from := c.pos
	for from <= len(c.buf) {
		i := strings.Index(c.buf[from:], name)
		if i < 0 {
			return 0, false
		}
		at := from + i
		from = at + len(name)
		if !nameEndsAt(c.buf, from) {
			continue
		}
		if opener, ok := tagOpener(c.buf, at); ok && opener == closing {
			return at, true
		}
	}
	return 0, false
}

func nameEndsAt(buf string, i int) bool {
	if i >= len(buf) {
		return false
	}
	switch buf[i] {
	case '>', ' ', '\t', '\r', '\n', '/':
		return true
	}
	return false
}

// tagOpener looks behind a tag name for "<" or "</", skipping one namespace
// prefix. It reports whether the tag is a closing one.
func tagOpener(buf string, at int) (closing bool, ok bool) {
	i := at - 1
	if i >= 0 && buf[i] == ':' {
		i--
		for i >= 0 && isNameByte(buf[i]) {
			i--
		}
	}
	if i < 0 {
		return false, false
	}
	switch {
	case buf[i] == '<':
		return false, true
	case buf[i] == '/' && i > 0 && buf[i-1] == '<':
		return true, true
	}
	return false, false
}

func isNameByte(b byte) bool {
	return b == '-' || b == '_' || b == '.' ||
		('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9')
}

// tagContent returns the content of the first <name> element in buf.
func tagContent(buf, name string) (string, bool) {
	return newCursor(buf).tag(name)
}
