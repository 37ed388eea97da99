package domain

import (
	"encoding/json"
	"fmt"
	"maps"
)

// BBox is a rectangle normalized to [0,1] page coordinates.
type BBox struct {
	X0   float64 `json:"x0"`
	Y0   float64 `json:"y0"`
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	Page int     `json:"page,omitempty"`
}

// UnmarshalJSON accepts either the object form or a bare [x0, y0, x1, y1] array.
func (b *BBox) UnmarshalJSON(data []byte) error {
	var arr []float64
	if err := json.Unmarshal(data, &arr); err == nil {
		if len(arr) != 4 {
			return fmt.Errorf("bbox: want 4 coordinates, got %d", len(arr))
		}
		*b = BBox{X0: arr[0], Y0: arr[1], X1: arr[2], Y1: arr[3]}
		return nil
	}
	type plain BBox
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("bbox: %w", err)
	}
	*b = BBox(p)
	return nil
}

// Citation points from generated text to a location in a source document.
type Citation struct {
	Number   int    `json:"number"`
	DocID    string `json:"doc_id,omitempty"`
	Page     int    `json:"page,omitempty"`
	BBox     *BBox  `json:"bbox,omitempty"`
	Method   string `json:"method,omitempty"`
	BlockID  string `json:"block_id,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Merge overlays the non-zero fields of next onto c.
func (c Citation) Merge(next Citation) Citation {
	if next.Number != 0 {
		c.Number = next.Number
	}
	if next.DocID != "" {
		c.DocID = next.DocID
	}
	if next.Page != 0 {
		c.Page = next.Page
	}
	if next.BBox != nil {
		bb := *next.BBox
		c.BBox = &bb
	}
	if next.Method != "" {
		c.Method = next.Method
	}
	if next.BlockID != "" {
		c.BlockID = next.BlockID
	}
	if next.Filename != "" {
		c.Filename = next.Filename
	}
	return c
}

// MergeCitation merges c into dst under key and returns dst, allocating it if nil.
// Existing keys are never removed.
func MergeCitation(dst map[string]Citation, key string, c Citation) map[string]Citation {
	if dst == nil {
		dst = make(map[string]Citation)
	}
	dst[key] = dst[key].Merge(c)
	return dst
}

// MergeCitations merges every entry of src into dst.
func MergeCitations(dst, src map[string]Citation) map[string]Citation {
	for k, c := range src {
		dst = MergeCitation(dst, k, c)
	}
	return dst
}

// CloneCitations copies a citation map, including bbox pointers.
func CloneCitations(src map[string]Citation) map[string]Citation {
	if src == nil {
		return nil
	}
	out := maps.Clone(src)
	for k, c := range out {
		if c.BBox != nil {
			bb := *c.BBox
			c.BBox = &bb
			out[k] = c
		}
	}
	return out
}
