// Package lang holds the per-language source conventions shared by the
// emitters: statement terminators, comment markers and array references.
package lang

import (
	"errors"
	"fmt"
	"strings"
)

// Lang identifies a target source language.
type Lang string

const (
	C       Lang = "c"
	CUDA    Lang = "cuda"
	Fortran Lang = "fortran"
	Matlab  Lang = "matlab"
)

// ErrUnknownLang is returned by Parse for an unsupported language tag.
var ErrUnknownLang = errors.New("unknown language")

// All lists the supported languages in a fixed order.
var All = []Lang{C, CUDA, Fortran, Matlab}

// Parse converts a tag such as "cuda" or "CUDA" to a Lang.
func Parse(s string) (Lang, error) {
	l := Lang(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range All {
		if l == known {
			return l, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownLang, s)
}

// LineEnd returns the statement terminator, including the newline.
func (l Lang) LineEnd() string {
	if l == Fortran {
		return "\n"
	}
	return ";\n"
}

// Comment returns the line comment marker.
func (l Lang) Comment() string {
	switch l {
	case Fortran:
		return "!"
	case Matlab:
		return "%"
	default:
		return "//"
	}
}

// OneBased reports whether arrays are indexed from one.
func (l Lang) OneBased() bool {
	return l == Fortran || l == Matlab
}

// Array renders a reference to element index of base.
// A negative index means a scalar and renders the bare name.
func (l Lang) Array(base string, index int) string {
	if index < 0 {
		return base
	}
	if l.OneBased() {
		return fmt.Sprintf("%s(%d)", base, index+1)
	}
	return fmt.Sprintf("%s[%d]", base, index)
}

// Indent returns n spaces.
func Indent(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat(" ", n)
}
