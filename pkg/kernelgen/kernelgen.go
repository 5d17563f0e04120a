// Package kernelgen emits kernel source from a plan, routing every variable
// reference through a shared memory manager.
package kernelgen

import (
	"fmt"
	"io"
	"regexp"
	"strconv"

	"github.com/raymyers/smemgen/pkg/cudaparams"
	"github.com/raymyers/smemgen/pkg/lang"
	"github.com/raymyers/smemgen/pkg/plan"
	"github.com/raymyers/smemgen/pkg/smem"
)

const defaultIndent = 2

// refPattern matches {name} and {name[i]} placeholders in code lines.
var refPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)(?:\[(\d+)\])?\}`)

// Options configures a Generator.
type Options struct {
	Sizer  cudaparams.SharedSizer // defaults to cudaparams.Fermi
	Trace  io.Writer              // residency dump after each load, if set
	Indent int                    // body indentation, defaults to 2
}

// Generator writes kernels to w.
type Generator struct {
	w    io.Writer
	opts Options
	err  error

	// Reused across kernels with the same configuration.
	mgr    *smem.Manager
	mgrCfg smem.Config
}

// New creates a generator writing to w.
func New(w io.Writer, opts Options) *Generator {
	if opts.Sizer == nil {
		opts.Sizer = cudaparams.Fermi
	}
	if opts.Indent <= 0 {
		opts.Indent = defaultIndent
	}
	return &Generator{w: w, opts: opts}
}

func (g *Generator) printf(format string, args ...any) {
	if g.err != nil {
		return
	}
	_, g.err = fmt.Fprintf(g.w, format, args...)
}

func (g *Generator) check(err error) {
	if g.err == nil {
		g.err = err
	}
}

// Generate emits every kernel of p in order, separated by blank lines.
func (g *Generator) Generate(p *plan.Plan) error {
	for i := range p.Kernels {
		if i > 0 {
			g.printf("\n")
		}
		k := &p.Kernels[i]
		if err := g.kernel(k); err != nil {
			return fmt.Errorf("kernel %s: %w", k.Name, err)
		}
		if g.err != nil {
			return g.err
		}
	}
	return g.err
}

// manager returns a reset manager for cfg.
func (g *Generator) manager(cfg smem.Config) (*smem.Manager, error) {
	if g.mgr != nil && g.mgrCfg == cfg {
		g.mgr.Reset()
		return g.mgr, nil
	}
	m, err := smem.NewManager(g.opts.Sizer, cfg)
	if err != nil {
		return nil, err
	}
	g.mgr, g.mgrCfg = m, cfg
	return m, nil
}

func (g *Generator) kernel(k *plan.Kernel) error {
	l := k.Language()
	ind := lang.Indent(g.opts.Indent)

	var m *smem.Manager
	if k.UsesShared() {
		var err error
		if m, err = g.manager(k.Config()); err != nil {
			return err
		}
		if len(k.Writeback) > 0 {
			m.SetOnEviction(g.writeback(k.Writeback, l, ind))
		}
	}

	g.printf("%s {\n", k.FunctionSignature())
	if m != nil {
		g.check(m.EmitInit(g.w, g.opts.Indent))
	}

	for i := range k.Points {
		pt := &k.Points[i]
		label := k.Label(i)
		g.printf("%s%s %s\n", ind, l.Comment(), label)

		if m != nil {
			if pt.Flush {
				m.ForceEvictAll()
			}
			fresh, err := m.LoadWorkingSet(g.w, pt.Variables(l), pt.Usage(), g.opts.Indent, !pt.NoLoad)
			if err != nil {
				return fmt.Errorf("point %s: %w", label, err)
			}
			g.trace(k.Name, label, m, fresh)
		}

		for _, line := range pt.Code {
			g.printf("%s%s%s", ind, expand(line, l, m), l.LineEnd())
		}

		if m != nil && k.Lookahead && i+1 < len(k.Points) {
			m.MarkForEviction(k.Points[i+1].Variables(l))
		}
	}

	if m != nil {
		m.ForceEvictAll()
		m.Reset()
	}
	g.printf("}\n")
	return nil
}

// writeback stores evicted variables whose base is listed back to global memory.
func (g *Generator) writeback(bases []string, l lang.Lang, ind string) smem.EvictionFunc {
	set := make(map[string]bool, len(bases))
	for _, b := range bases {
		set[b] = true
	}
	return func(v smem.Variable, addr string, _ int) {
		if set[v.Base] {
			g.printf("%s%s = %s%s", ind, v.Render(), addr, l.LineEnd())
		}
	}
}

func (g *Generator) trace(kernel, point string, m *smem.Manager, fresh map[int]bool) {
	if g.opts.Trace == nil {
		return
	}
	res := m.Residents()
	if len(res) == 0 {
		fmt.Fprintf(g.opts.Trace, "%s/%s: empty\n", kernel, point)
		return
	}
	for _, r := range res {
		fmt.Fprintf(g.opts.Trace, "%s/%s: slot %d = %s uses=%d", kernel, point, r.Slot, r.Var.Render(), r.Uses)
		if fresh[r.Slot] {
			fmt.Fprint(g.opts.Trace, " new")
		}
		if r.Marked {
			fmt.Fprint(g.opts.Trace, " marked")
		}
		fmt.Fprintln(g.opts.Trace)
	}
}

// expand replaces placeholders with their resolved expressions. Without a
// manager every reference renders as plain backing storage.
func expand(line string, l lang.Lang, m *smem.Manager) string {
	return refPattern.ReplaceAllStringFunc(line, func(ref string) string {
		sub := refPattern.FindStringSubmatch(ref)
		base, index := sub[1], smem.NoIndex
		if sub[2] != "" {
			n, err := strconv.Atoi(sub[2])
			if err != nil {
				return ref
			}
			index = n
		}
		if m == nil {
			return l.Array(base, index)
		}
		return m.ResolveReference(l, base, index)
	})
}
