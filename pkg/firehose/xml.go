package firehose

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// Attr is one attribute of a firehose command element. Order is preserved
// on the wire; some programmers (and the VIP digest flow) care.
type Attr struct {
	Key   string
	Value string
}

// BuildPacket renders one command document exactly as it goes onto the
// wire: an XML prolog and a <data> element wrapping a single self-closing
// command element.
func BuildPacket(tag string, attrs []Attr) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="UTF-8" ?>` + "\n")
	b.WriteString("<data>\n<")
	b.WriteString(tag)
	for _, a := range attrs {
		b.WriteString(" ")
		b.WriteString(a.Key)
		b.WriteString(`="`)
		xml.EscapeText(&b, []byte(a.Value))
		b.WriteString(`"`)
	}
	b.WriteString(" /></data>")
	return b.Bytes()
}

// responseDoc mirrors one received <data> document. The target batches any
// number of <log> elements with at most one <response>.
type responseDoc struct {
	XMLName xml.Name   `xml:"data"`
	Nodes   []respNode `xml:",any"`
}

type respNode struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
}

func (n *respNode) attr(key string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == key {
			return a.Value, true
		}
	}
	return "", false
}

func (n *respNode) attrMap() map[string]string {
	m := make(map[string]string, len(n.Attrs))
	for _, a := range n.Attrs {
		m[a.Name.Local] = a.Value
	}
	return m
}

func parseResponseDoc(raw []byte) (*responseDoc, error) {
	var doc responseDoc
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("undecodable response document: %w", err)
	}
	return &doc, nil
}
