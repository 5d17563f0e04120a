package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/raymyers/smemgen/pkg/lang"
	"github.com/raymyers/smemgen/pkg/smem"
)

const yamlPlan = `
kernels:
  - name: eval_rates
    blocks_per_sm: 4
    threads_per_block: 128
    l1_preferred: false
    lookahead: true
    writeback: [fwd_rates]
    points:
      - name: reaction 0
        vars:
          - {base: conc, index: 0, usage: 3}
          - {base: T, usage: 1}
        code:
          - "{fwd_rates[0]} = {conc[0]} * {T}"
      - flush: true
        no_load: true
`

const jsoncPlan = `{
  // comments and trailing commas are allowed
  "kernels": [
    {
      "name": "eval_rates",
      "blocks_per_sm": 4,
      "threads_per_block": 128,
      "l1_preferred": false,
      "lookahead": true,
      "writeback": ["fwd_rates"],
      "points": [
        {
          "name": "reaction 0",
          "vars": [
            {"base": "conc", "index": 0, "usage": 3},
            {"base": "T", "usage": 1},
          ],
          "code": ["{fwd_rates[0]} = {conc[0]} * {T}"],
        },
        {"flush": true, "no_load": true},
      ],
    },
  ],
}`

func TestParseFormatsAgree(t *testing.T) {
	fromYAML, err := Parse([]byte(yamlPlan), YAML)
	require.NoError(t, err)
	fromJSONC, err := Parse([]byte(jsoncPlan), JSONC)
	require.NoError(t, err)

	if diff := cmp.Diff(fromYAML, fromJSONC); diff != "" {
		t.Errorf("YAML and JSONC plans differ (-yaml +jsonc):\n%s", diff)
	}

	k := fromYAML.Kernels[0]
	require.Len(t, k.Points, 2)
	require.True(t, k.Points[1].Flush)
	require.True(t, k.Points[1].NoLoad)
	require.Equal(t, "#1", k.Label(1))
	require.Equal(t, "reaction 0", k.Label(0))
}

func TestKernelDefaults(t *testing.T) {
	k := Kernel{Name: "k"}
	if k.Language() != lang.CUDA {
		t.Errorf("Language = %s, want cuda", k.Language())
	}
	if !k.UsesShared() {
		t.Error("cuda kernels use shared memory by default")
	}
	if got := k.FunctionSignature(); got != "__device__ void k()" {
		t.Errorf("FunctionSignature = %q", got)
	}
	want := smem.Config{L1Preferred: true}
	if diff := cmp.Diff(want, k.Config()); diff != "" {
		t.Errorf("Config (-want +got):\n%s", diff)
	}

	off := false
	k.Shared = &off
	if k.UsesShared() {
		t.Error("shared: false should disable shared memory")
	}

	c := Kernel{Name: "k", Lang: "c"}
	if c.UsesShared() {
		t.Error("c kernels never use shared memory")
	}
	if got := c.FunctionSignature(); got != "void k()" {
		t.Errorf("FunctionSignature = %q", got)
	}
}

func TestKernelConfig(t *testing.T) {
	p, err := Parse([]byte(yamlPlan), YAML)
	require.NoError(t, err)
	want := smem.Config{BlocksPerSM: 4, ThreadsPerBlock: 128, L1Preferred: false}
	if diff := cmp.Diff(want, p.Kernels[0].Config()); diff != "" {
		t.Errorf("Config (-want +got):\n%s", diff)
	}
}

func TestPointVariablesAndUsage(t *testing.T) {
	p, err := Parse([]byte(yamlPlan), YAML)
	require.NoError(t, err)
	pt := p.Kernels[0].Points[0]

	want := []smem.Variable{
		smem.Element(lang.CUDA, "conc", 0),
		smem.Scalar(lang.CUDA, "T"),
	}
	if diff := cmp.Diff(want, pt.Variables(lang.CUDA)); diff != "" {
		t.Errorf("Variables (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{3, 1}, pt.Usage()); diff != "" {
		t.Errorf("Usage (-want +got):\n%s", diff)
	}
	require.Nil(t, p.Kernels[0].Points[1].Usage())
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want error
	}{
		{"no kernels", "kernels: []", ErrNoKernels},
		{"no name", "kernels: [{points: []}]", ErrEmptyName},
		{"unknown lang", "kernels: [{name: k, lang: opencl}]", lang.ErrUnknownLang},
		{"fortran", "kernels: [{name: k, lang: fortran}]", ErrUnsupportedLang},
		{"empty base", "kernels: [{name: k, points: [{vars: [{index: 1}]}]}]", ErrEmptyBase},
		{"negative index", "kernels: [{name: k, points: [{vars: [{base: y, index: -2}]}]}]", ErrNegativeIndex},
		{
			"partial usage",
			"kernels: [{name: k, points: [{name: p, vars: [{base: y, usage: 2}, {base: z}]}]}]",
			ErrPartialUsage,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src), YAML)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("kernels: [{name: k, bogus: 1}]"), YAML)
	require.Error(t, err)

	_, err = Parse([]byte(`{"kernels": [{"name": "k", "bogus": 1}]}`), JSONC)
	require.Error(t, err)
}

func TestFormatFor(t *testing.T) {
	tests := []struct {
		path string
		want Format
	}{
		{"plan.yaml", YAML},
		{"plan.YML", YAML},
		{"plan.json", JSONC},
		{"dir/plan.jsonc", JSONC},
	}
	for _, tt := range tests {
		got, err := FormatFor(tt.path)
		require.NoError(t, err, tt.path)
		require.Equal(t, tt.want, got, tt.path)
	}

	_, err := FormatFor("plan.toml")
	require.ErrorIs(t, err, ErrUnknownFormat)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(jsoncPlan), 0644))

	p, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "eval_rates", p.Kernels[0].Name)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
