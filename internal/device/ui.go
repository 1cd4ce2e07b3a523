package device

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var boundsPattern = regexp.MustCompile(`^\[(\d+),(\d+)\]\[(\d+),(\d+)\]$`)

// uiNode mirrors one <node> of a uiautomator hierarchy dump.
type uiNode struct {
	Text        string   `xml:"text,attr"`
	ContentDesc string   `xml:"content-desc,attr"`
	Bounds      string   `xml:"bounds,attr"`
	Nodes       []uiNode `xml:"node"`
}

type uiHierarchy struct {
	Nodes []uiNode `xml:"node"`
}

// point is a screen coordinate.
type point struct {
	X, Y int
}

// extractHierarchy strips the trailer uiautomator prints after the XML when
// dumping to /dev/tty.
func extractHierarchy(out string) (string, bool) {
	out = strings.TrimSpace(out)
	if i := strings.Index(out, "UI hierarchy dumped to:"); i >= 0 {
		out = strings.TrimSpace(out[:i])
	}
	end := strings.LastIndex(out, "</hierarchy>")
	if end < 0 {
		return "", false
	}
	start := strings.Index(out, "<?xml")
	if start < 0 {
		start = strings.Index(out, "<hierarchy")
	}
	if start < 0 || start > end {
		return "", false
	}
	return out[start : end+len("</hierarchy>")], true
}

// findElementCenter returns the centre of the first node whose text or
// content-desc equals label, falling back to the first node containing it.
func findElementCenter(dump, label string) (point, error) {
	var h uiHierarchy
	if err := xml.Unmarshal([]byte(dump), &h); err != nil {
		return point{}, fmt.Errorf("parse ui dump: %w", err)
	}

	want := strings.ToLower(label)
	var exact, partial *uiNode
	var walk func(nodes []uiNode)
	walk = func(nodes []uiNode) {
		for i := range nodes {
			n := &nodes[i]
			text, desc := strings.ToLower(n.Text), strings.ToLower(n.ContentDesc)
			if exact == nil && (text == want || desc == want) {
				exact = n
			}
			if partial == nil && strings.Contains(text+desc, want) {
				partial = n
			}
			walk(n.Nodes)
		}
	}
	walk(h.Nodes)

	n := exact
	if n == nil {
		n = partial
	}
	if n == nil {
		return point{}, fmt.Errorf("element %q not found", label)
	}
	return boundsCenter(n.Bounds)
}

func boundsCenter(bounds string) (point, error) {
	m := boundsPattern.FindStringSubmatch(bounds)
	if m == nil {
		return point{}, fmt.Errorf("malformed bounds %q", bounds)
	}
	var v [4]int
	for i := range v {
		v[i], _ = strconv.Atoi(m[i+1])
	}
	return point{X: (v[0] + v[2]) / 2, Y: (v[1] + v[3]) / 2}, nil
}
