// Package xmldecode implements the UPnP event XML decoder (component C1):
// a tolerant, DOM-like reader over a GENA propertyset that understands the
// "double encoding" convention where an inner property's text is itself an
// escaped XML document (LastChange, ZoneGroupState).
package xmldecode

import (
	"bytes"
	"encoding/xml"
	"io"

	"github.com/snarg/sonosevents/internal/streamerr"
)

// Limits bounds the resources a single decode may consume.
type Limits struct {
	MaxBytes      int
	MaxDepth      int
	MaxAttrs      int
}

// DefaultLimits are generous enough for any real device payload while still
// rejecting pathological input.
var DefaultLimits = Limits{
	MaxBytes: 1 << 20, // 1MiB
	MaxDepth: 64,
	MaxAttrs: 64,
}

// Element is a minimal DOM node addressed by local name only — namespace
// prefixes are stripped, matching the spec's "ignoring namespace prefixes"
// contract.
type Element struct {
	Name     string
	Attrs    map[string]string
	Children []*Element
	Text     string
}

// Attr returns the named attribute value, or "" if absent.
func (e *Element) Attr(name string) string {
	if e == nil {
		return ""
	}
	return e.Attrs[name]
}

// Child returns the first direct child with the given local name.
func (e *Element) Child(name string) *Element {
	if e == nil {
		return nil
	}
	for _, c := range e.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChildrenNamed returns all direct children with the given local name.
func (e *Element) ChildrenNamed(name string) []*Element {
	if e == nil {
		return nil
	}
	var out []*Element
	for _, c := range e.Children {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Find searches this element's subtree (depth-first, self included) for the
// first element with the given local name.
func (e *Element) Find(name string) *Element {
	if e == nil {
		return nil
	}
	if e.Name == name {
		return e
	}
	for _, c := range e.Children {
		if found := c.Find(name); found != nil {
			return found
		}
	}
	return nil
}

func category(cat, msg string) error {
	return streamerr.New(streamerr.KindXMLParseError, cat+": "+msg)
}

// Parse builds an Element tree from raw XML, enforcing the given limits.
// It never panics; structural problems are returned as a *streamerr.Error
// with Kind KindXMLParseError.
func Parse(data []byte, limits Limits) (el *Element, err error) {
	if len(data) == 0 {
		return nil, category("empty", "zero-length input")
	}
	if limits.MaxBytes > 0 && len(data) > limits.MaxBytes {
		return nil, category("too-large", "input exceeds byte cap")
	}

	defer func() {
		if r := recover(); r != nil {
			el = nil
			err = category("syntax", "panic while decoding")
		}
	}()

	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false

	root := &Element{Name: "#document"}
	stack := []*Element{root}

	for {
		tok, tokErr := dec.Token()
		if tokErr != nil {
			if tokErr == io.EOF {
				break
			}
			return nil, category("syntax", tokErr.Error())
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if limits.MaxDepth > 0 && len(stack) > limits.MaxDepth {
				return nil, category("too-deep", "element nesting exceeds cap")
			}
			if limits.MaxAttrs > 0 && len(t.Attr) > limits.MaxAttrs {
				return nil, category("syntax", "too many attributes on element")
			}
			child := &Element{
				Name:  t.Name.Local,
				Attrs: make(map[string]string, len(t.Attr)),
			}
			for _, a := range t.Attr {
				child.Attrs[a.Name.Local] = a.Value
			}
			parent := stack[len(stack)-1]
			parent.Children = append(parent.Children, child)
			stack = append(stack, child)

		case xml.EndElement:
			if len(stack) <= 1 {
				return nil, category("syntax", "unbalanced end element")
			}
			stack = stack[:len(stack)-1]

		case xml.CharData:
			cur := stack[len(stack)-1]
			cur.Text += string(t)
		}
	}

	if len(root.Children) == 0 {
		return nil, category("missing-required", "no root element")
	}
	return root.Children[0], nil
}

// stripCDATAWrapper removes literal CDATA markers from text that has already
// passed through one round of entity decoding, so a producer that encodes
// its inner document inside "<![CDATA[ ... ]]>" (rather than via entities)
// still yields a parseable inner document.
func stripCDATAWrapper(s string) string {
	const open = "<![CDATA["
	const close = "]]>"
	if i := bytes.Index([]byte(s), []byte(open)); i >= 0 {
		rest := s[i+len(open):]
		if j := bytes.Index([]byte(rest), []byte(close)); j >= 0 {
			return s[:i] + rest[:j] + rest[j+len(close):]
		}
		return s[:i] + rest
	}
	return s
}

// DecodeProperty extracts the named property from a GENA propertyset (or any
// document containing an element with that local name, to tolerate devices
// that omit the propertyset wrapper) and double-decodes its text as a nested
// XML document, returning the parsed root of that inner document. The outer
// parse has already decoded the text's entities once, so the text is
// re-parsed as it stands; entities one level deeper (such as DIDL-Lite
// metadata inside an attribute) are left for the inner parse to decode.
func DecodeProperty(data []byte, propertyName string, limits Limits) (*Element, error) {
	outer, err := Parse(data, limits)
	if err != nil {
		return nil, err
	}

	prop := outer.Find(propertyName)
	if prop == nil {
		return nil, category("missing-required", "property not found: "+propertyName)
	}

	inner := stripCDATAWrapper(prop.Text)
	if len(bytes.TrimSpace([]byte(inner))) == 0 {
		return nil, category("empty", "property has no inner document")
	}

	return Parse([]byte(inner), limits)
}
