package domain

// DocumentPreview is the document page the user is looking at alongside a response.
type DocumentPreview struct {
	DocID    string `json:"doc_id"`
	Page     int    `json:"page,omitempty"`
	BBox     *BBox  `json:"bbox,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Clone returns a deep copy of p. A nil preview clones to nil.
func (p *DocumentPreview) Clone() *DocumentPreview {
	if p == nil {
		return nil
	}
	out := *p
	if p.BBox != nil {
		bb := *p.BBox
		out.BBox = &bb
	}
	return &out
}

// PreviewState records whether a preview was captured for a buffered session.
type PreviewState int

const (
	// PreviewNeverCaptured leaves the live preview alone on restore.
	PreviewNeverCaptured PreviewState = iota
	// PreviewCapturedPresent restores the captured preview.
	PreviewCapturedPresent
	// PreviewCapturedAbsent clears the live preview on restore.
	PreviewCapturedAbsent
)

func (s PreviewState) String() string {
	switch s {
	case PreviewCapturedPresent:
		return "present"
	case PreviewCapturedAbsent:
		return "absent"
	default:
		return "never"
	}
}

// MarshalText renders the state by name.
func (s PreviewState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PreviewCapture pairs a PreviewState with the captured value.
type PreviewCapture struct {
	State   PreviewState     `json:"state"`
	Preview *DocumentPreview `json:"preview,omitempty"`
}

// CapturePreview records p as present, or as absent when nil.
func CapturePreview(p *DocumentPreview) PreviewCapture {
	if p == nil {
		return PreviewCapture{State: PreviewCapturedAbsent}
	}
	return PreviewCapture{State: PreviewCapturedPresent, Preview: p.Clone()}
}

// Restore applies the capture to the current preview and returns the result.
func (c PreviewCapture) Restore(current *DocumentPreview) *DocumentPreview {
	switch c.State {
	case PreviewCapturedPresent:
		return c.Preview.Clone()
	case PreviewCapturedAbsent:
		return nil
	default:
		return current
	}
}
