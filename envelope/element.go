package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrAlreadyOwned is returned when attaching an element that is still parented
// elsewhere. Callers must Detach first; an element has at most one owner.
var ErrAlreadyOwned = errors.New("element is already attached to a parent")

// Element is a node in a request or response tree: a name, a flat attribute
// set, optional text content, and ordered children. Ownership is explicit —
// a child belongs to exactly one parent, and moving a subtree between
// envelopes requires detaching it first.
type Element struct {
	name     string
	attrs    map[string]string
	text     string
	children []*Element
	parent   *Element
}

// New creates an unattached element.
func New(name string) *Element {
	return &Element{name: name}
}

func (e *Element) Name() string { return e.name }

// Parent returns the owning element, or nil for a root.
func (e *Element) Parent() *Element { return e.parent }

// Attach adds child to e. The child must not currently have a parent.
func (e *Element) Attach(child *Element) error {
	if child.parent != nil {
		return fmt.Errorf("%w: %s inside %s", ErrAlreadyOwned, child.name, child.parent.name)
	}
	child.parent = e
	e.children = append(e.children, child)
	return nil
}

// NewChild creates an element named name and attaches it to e.
func (e *Element) NewChild(name string) *Element {
	child := New(name)
	child.parent = e
	e.children = append(e.children, child)
	return child
}

// Detach severs e from its parent and returns e. Detaching a root is a no-op.
func (e *Element) Detach() *Element {
	p := e.parent
	if p == nil {
		return e
	}
	for i, c := range p.children {
		if c == e {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	e.parent = nil
	return e
}

// Child returns the first child with the given name, or nil.
func (e *Element) Child(name string) *Element {
	for _, c := range e.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

// Children returns the ordered child list. The returned slice must not be
// mutated; use Attach/Detach to restructure.
func (e *Element) Children() []*Element {
	return e.children
}

// ChildCount returns the number of direct children.
func (e *Element) ChildCount() int { return len(e.children) }

func (e *Element) SetText(text string) *Element {
	e.text = text
	return e
}

func (e *Element) Text() string { return e.text }

// SetAttr sets a string attribute, replacing any previous value.
func (e *Element) SetAttr(key, value string) *Element {
	if e.attrs == nil {
		e.attrs = make(map[string]string)
	}
	e.attrs[key] = value
	return e
}

func (e *Element) SetAttrBool(key string, value bool) *Element {
	return e.SetAttr(key, strconv.FormatBool(value))
}

func (e *Element) SetAttrInt(key string, value int) *Element {
	return e.SetAttr(key, strconv.Itoa(value))
}

// Attr returns the attribute value, or def when absent.
func (e *Element) Attr(key, def string) string {
	if v, ok := e.attrs[key]; ok {
		return v
	}
	return def
}

func (e *Element) AttrBool(key string, def bool) bool {
	v, ok := e.attrs[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func (e *Element) AttrInt(key string, def int) int {
	v, ok := e.attrs[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// HasAttr reports whether the attribute is present, regardless of value.
func (e *Element) HasAttr(key string) bool {
	_, ok := e.attrs[key]
	return ok
}

// Clone returns a deep copy of e, unattached.
func (e *Element) Clone() *Element {
	out := &Element{name: e.name, text: e.text}
	if len(e.attrs) > 0 {
		out.attrs = make(map[string]string, len(e.attrs))
		for k, v := range e.attrs {
			out.attrs[k] = v
		}
	}
	for _, c := range e.children {
		cc := c.Clone()
		cc.parent = out
		out.children = append(out.children, cc)
	}
	return out
}

// elementJSON is the wire form of an Element.
type elementJSON struct {
	Name     string            `json:"name"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Text     string            `json:"text,omitempty"`
	Elements []*elementJSON    `json:"elements,omitempty"`
}

func (e *Element) toJSON() *elementJSON {
	out := &elementJSON{Name: e.name, Attrs: e.attrs, Text: e.text}
	for _, c := range e.children {
		out.Elements = append(out.Elements, c.toJSON())
	}
	return out
}

func fromJSON(in *elementJSON) (*Element, error) {
	if in.Name == "" {
		return nil, errors.New("element missing name")
	}
	e := &Element{name: in.Name, attrs: in.Attrs, text: in.Text}
	for _, c := range in.Elements {
		child, err := fromJSON(c)
		if err != nil {
			return nil, err
		}
		child.parent = e
		e.children = append(e.children, child)
	}
	return e, nil
}

func (e *Element) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.toJSON())
}

func (e *Element) UnmarshalJSON(data []byte) error {
	var raw elementJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := fromJSON(&raw)
	if err != nil {
		return err
	}
	*e = *parsed
	for _, c := range e.children {
		c.parent = e
	}
	return nil
}
