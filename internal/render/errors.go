package render

import (
	"errors"
	"fmt"
	"strings"
)

// Render errors.
var (
	ErrUnauthorized   = errors.New("Unauthorized")
	ErrNoSegments     = errors.New("no segments to render")
	ErrUnknownSegment = errors.New("unknown segment")
	ErrAlreadyBound   = errors.New("segment already has a socket connection")
	ErrNoFrames       = errors.New("segment produced no frame stream")
	ErrPoolClosed     = errors.New("context pool closed")
)

const trailInError = 5

// SegmentError is one segment's failure with its recent page diagnostics.
type SegmentError struct {
	Index   int
	Message string
	Trail   []string
	Err     error
}

func (e *SegmentError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "segment %d failed", e.Index)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil && e.Err.Error() != e.Message {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if n := len(e.Trail); n > 0 {
		lines := e.Trail
		if n > trailInError {
			lines = lines[n-trailInError:]
		}
		b.WriteString(" (recent: ")
		b.WriteString(strings.Join(lines, " | "))
		b.WriteString(")")
	}
	return b.String()
}

func (e *SegmentError) Unwrap() error {
	return e.Err
}

// AggregateError reports every failed segment of a job, led by the first.
type AggregateError struct {
	Total  int
	Errors []*SegmentError
}

func (e *AggregateError) Error() string {
	if len(e.Errors) == 0 {
		return "render failed"
	}
	return fmt.Sprintf("%d of %d segment(s) failed; first: %s", len(e.Errors), e.Total, e.Errors[0].Error())
}

// Unwrap exposes the first failure as the cause.
func (e *AggregateError) Unwrap() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e.Errors[0]
}

// Failed returns the number of failed segments.
func (e *AggregateError) Failed() int {
	return len(e.Errors)
}
