// Package plan describes the kernels to generate: for each kernel, the
// launch parameters and the ordered load points with the variables each
// point uses and the source lines it emits.
//
// Plans are written in YAML or JSONC:
//
//	kernels:
//	  - name: eval_rates
//	    writeback: [fwd_rates]
//	    points:
//	      - name: reaction 0
//	        vars:
//	          - {base: conc, index: 0, usage: 3}
//	        code:
//	          - "{fwd_rates[0]} = {conc[0]} * {conc[0]} * {conc[0]}"
package plan

import (
	"errors"
	"fmt"

	"github.com/raymyers/smemgen/pkg/lang"
	"github.com/raymyers/smemgen/pkg/smem"
)

var (
	ErrNoKernels       = errors.New("plan has no kernels")
	ErrEmptyName       = errors.New("kernel has no name")
	ErrEmptyBase       = errors.New("variable has no base name")
	ErrNegativeIndex   = errors.New("negative variable index")
	ErrPartialUsage    = errors.New("usage given for some variables but not all")
	ErrUnsupportedLang = errors.New("kernels can only be generated for c or cuda")
	ErrUnknownFormat   = errors.New("unknown plan format")
)

// Plan is a sequence of independent kernels.
type Plan struct {
	Kernels []Kernel `yaml:"kernels" json:"kernels"`
}

// Kernel is one generated function.
type Kernel struct {
	Name      string `yaml:"name" json:"name"`
	Signature string `yaml:"signature,omitempty" json:"signature,omitempty"`
	Lang      string `yaml:"lang,omitempty" json:"lang,omitempty"`

	BlocksPerSM     int   `yaml:"blocks_per_sm,omitempty" json:"blocks_per_sm,omitempty"`
	ThreadsPerBlock int   `yaml:"threads_per_block,omitempty" json:"threads_per_block,omitempty"`
	L1Preferred     *bool `yaml:"l1_preferred,omitempty" json:"l1_preferred,omitempty"`

	// Shared disables the shared memory manager when false. Only cuda
	// kernels use shared memory.
	Shared    *bool    `yaml:"shared,omitempty" json:"shared,omitempty"`
	Lookahead bool     `yaml:"lookahead,omitempty" json:"lookahead,omitempty"`
	Writeback []string `yaml:"writeback,omitempty" json:"writeback,omitempty"`

	Points []Point `yaml:"points" json:"points"`
}

// Point is one load point inside a kernel.
type Point struct {
	Name   string   `yaml:"name,omitempty" json:"name,omitempty"`
	Vars   []Var    `yaml:"vars,omitempty" json:"vars,omitempty"`
	Code   []string `yaml:"code,omitempty" json:"code,omitempty"`
	Flush  bool     `yaml:"flush,omitempty" json:"flush,omitempty"`
	NoLoad bool     `yaml:"no_load,omitempty" json:"no_load,omitempty"`
}

// Var is a variable reference with an optional usage estimate.
type Var struct {
	Base  string `yaml:"base" json:"base"`
	Index *int   `yaml:"index,omitempty" json:"index,omitempty"`
	Usage *int   `yaml:"usage,omitempty" json:"usage,omitempty"`
}

// Language returns the kernel's target language, cuda when unset.
func (k *Kernel) Language() lang.Lang {
	if k.Lang == "" {
		return lang.CUDA
	}
	l, err := lang.Parse(k.Lang)
	if err != nil {
		return lang.CUDA
	}
	return l
}

// UsesShared reports whether the kernel places variables in shared memory.
func (k *Kernel) UsesShared() bool {
	return k.Language() == lang.CUDA && (k.Shared == nil || *k.Shared)
}

// Config returns the manager configuration for the kernel.
func (k *Kernel) Config() smem.Config {
	cfg := smem.Config{
		BlocksPerSM:     k.BlocksPerSM,
		ThreadsPerBlock: k.ThreadsPerBlock,
		L1Preferred:     true,
	}
	if k.L1Preferred != nil {
		cfg.L1Preferred = *k.L1Preferred
	}
	return cfg
}

// FunctionSignature returns the declared signature or a parameterless
// device function named after the kernel.
func (k *Kernel) FunctionSignature() string {
	if k.Signature != "" {
		return k.Signature
	}
	if k.Language() == lang.C {
		return "void " + k.Name + "()"
	}
	return "__device__ void " + k.Name + "()"
}

// Variables converts the point's vars to manager keys.
func (p *Point) Variables(l lang.Lang) []smem.Variable {
	out := make([]smem.Variable, len(p.Vars))
	for i, v := range p.Vars {
		if v.Index == nil {
			out[i] = smem.Scalar(l, v.Base)
		} else {
			out[i] = smem.Element(l, v.Base, *v.Index)
		}
	}
	return out
}

// Usage returns the usage estimates, or nil when the point has none.
func (p *Point) Usage() []int {
	if len(p.Vars) == 0 || p.Vars[0].Usage == nil {
		return nil
	}
	out := make([]int, len(p.Vars))
	for i, v := range p.Vars {
		if v.Usage != nil {
			out[i] = *v.Usage
		}
	}
	return out
}

// Validate checks the plan for errors the generator cannot recover from.
func (p *Plan) Validate() error {
	if len(p.Kernels) == 0 {
		return ErrNoKernels
	}
	for i := range p.Kernels {
		if err := p.Kernels[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func (k *Kernel) validate() error {
	if k.Name == "" {
		return ErrEmptyName
	}
	if k.Lang != "" {
		l, err := lang.Parse(k.Lang)
		if err != nil {
			return fmt.Errorf("kernel %s: %w", k.Name, err)
		}
		if l != lang.C && l != lang.CUDA {
			return fmt.Errorf("kernel %s: %w: %s", k.Name, ErrUnsupportedLang, l)
		}
	}
	for i := range k.Points {
		if err := k.Points[i].validate(); err != nil {
			return fmt.Errorf("kernel %s, point %s: %w", k.Name, k.Points[i].label(i), err)
		}
	}
	return nil
}

func (p *Point) validate() error {
	withUsage := 0
	for _, v := range p.Vars {
		if v.Base == "" {
			return ErrEmptyBase
		}
		if v.Index != nil && *v.Index < 0 {
			return fmt.Errorf("%w: %s[%d]", ErrNegativeIndex, v.Base, *v.Index)
		}
		if v.Usage != nil {
			withUsage++
		}
	}
	if withUsage != 0 && withUsage != len(p.Vars) {
		return fmt.Errorf("%w: %d of %d", ErrPartialUsage, withUsage, len(p.Vars))
	}
	return nil
}

func (p *Point) label(i int) string {
	if p.Name != "" {
		return p.Name
	}
	return fmt.Sprintf("#%d", i)
}

// Label returns the point's name, or its position when unnamed.
func (k *Kernel) Label(i int) string {
	return k.Points[i].label(i)
}
