package form4parser

import (
	"encoding/xml"
	"io"
	"strings"
)

// node is a namespace-agnostic generic XML element, mirroring the
// traversal surface Python's xml.etree.ElementTree gives the original
// parser (child-by-local-name lookup, itertext, attribute map).
type node struct {
	tag      string
	attrs    map[string]string
	text     string
	children []*node
}

// child returns the first direct child whose local (namespace-stripped)
// tag matches name.
func (n *node) child(name string) *node {
	if n == nil {
		return nil
	}
	for _, c := range n.children {
		if c.tag == name {
			return c
		}
	}
	return nil
}

// find walks a path of local tag names, returning nil if any hop is
// missing.
func (n *node) find(path ...string) *node {
	cur := n
	for _, p := range path {
		cur = cur.child(p)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// findText returns trimmed text at the end of path, or "" if absent.
func (n *node) findText(path ...string) string {
	t := n.find(path...)
	if t == nil {
		return ""
	}
	return strings.TrimSpace(t.text)
}

// findValueText follows the common SEC <foo><value>TEXT</value></foo>
// shape.
func (n *node) findValueText(path ...string) string {
	return n.findText(append(append([]string{}, path...), "value")...)
}

// itertext concatenates all descendant text nodes depth-first, the Go
// analogue of ElementTree.itertext() used for footnote bodies that may
// contain nested markup.
func (n *node) itertext() string {
	var b strings.Builder
	var walk func(*node)
	walk = func(cur *node) {
		b.WriteString(cur.text)
		for _, c := range cur.children {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}

// allDescendants returns every node in the subtree, pre-order.
func (n *node) allDescendants() []*node {
	var out []*node
	var walk func(*node)
	walk = func(cur *node) {
		out = append(out, cur)
		for _, c := range cur.children {
			walk(c)
		}
	}
	walk(n)
	return out
}

func stripNS(name xml.Name) string {
	return name.Local
}

// parseXMLTree builds a generic node tree from raw XML, tolerating the
// mixed-namespace documents EDGAR emits across filer-software versions.
func parseXMLTree(r io.Reader) (*node, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = false

	var root *node
	var stack []*node

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{tag: stripNS(t.Name), attrs: map[string]string{}}
			for _, a := range t.Attr {
				n.attrs[stripNS(a.Name)] = a.Value
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			} else {
				root = n
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text += string(t)
			}
		}
	}

	return root, nil
}
