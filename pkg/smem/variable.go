package smem

import "github.com/raymyers/smemgen/pkg/lang"

// NoIndex marks a scalar reference.
const NoIndex = -1

// Variable identifies one generated-source reference: a base name and an
// optional element index. Lang only affects rendering.
type Variable struct {
	Base  string
	Index int
	Lang  lang.Lang
}

// Scalar returns a reference to a bare name.
func Scalar(l lang.Lang, base string) Variable {
	return Variable{Base: base, Index: NoIndex, Lang: l}
}

// Element returns a reference to base[index].
func Element(l lang.Lang, base string, index int) Variable {
	return Variable{Base: base, Index: index, Lang: l}
}

// HasIndex reports whether v names an array element.
func (v Variable) HasIndex() bool {
	return v.Index >= 0
}

// Equal reports whether v and o refer to the same storage.
// A missing index on either side matches any index of the same base, so a
// scalar aliases every element of an array with its name.
func (v Variable) Equal(o Variable) bool {
	if v.Base != o.Base {
		return false
	}
	if !v.HasIndex() || !o.HasIndex() {
		return true
	}
	return v.Index == o.Index
}

// Render returns the backing-storage expression for v.
func (v Variable) Render() string {
	return v.Lang.Array(v.Base, v.Index)
}

func (v Variable) String() string {
	return v.Render()
}

func contains(vars []Variable, v Variable) bool {
	for _, o := range vars {
		if o.Equal(v) {
			return true
		}
	}
	return false
}
