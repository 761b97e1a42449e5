package app

import (
	"fmt"
	"sort"
	"strings"
)

// Element is one interactive UI node as reported by the driver.
type Element struct {
	Index      int               `json:"index"`
	Type       string            `json:"type"`
	Text       string            `json:"text,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ElementList is a flat ElementTree, the shape most drivers report.
type ElementList []Element

func (l ElementList) Len() int { return len(l) }

// InteractiveElementsString renders "[index]<type attr='v'>text />" lines.
func (l ElementList) InteractiveElementsString(includeAttributes []string) string {
	lines := make([]string, 0, len(l))
	for _, e := range l {
		var attrs []string
		for _, name := range includeAttributes {
			if v, ok := e.Attributes[name]; ok && v != "" && v != e.Text {
				attrs = append(attrs, fmt.Sprintf("%s='%s'", name, v))
			}
		}
		if len(includeAttributes) == 0 {
			keys := make([]string, 0, len(e.Attributes))
			for k := range e.Attributes {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				attrs = append(attrs, fmt.Sprintf("%s='%s'", k, e.Attributes[k]))
			}
		}
		tag := e.Type
		if len(attrs) > 0 {
			tag += " " + strings.Join(attrs, " ")
		}
		lines = append(lines, fmt.Sprintf("[%d]<%s>%s />", e.Index, tag, e.Text))
	}
	return strings.Join(lines, "\n")
}
