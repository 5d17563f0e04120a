// Package smem decides which kernel variables are kept in CUDA shared memory
// while a kernel is generated, and emits the loads that fill the slots.
//
// Each thread owns Capacity() slots. Slot n of a thread lives at
// threadIdx.x + n*blockDim.x, so the threads of a block touch consecutive
// words for the same slot.
package smem

import (
	"fmt"
	"io"
	"sort"

	"github.com/raymyers/smemgen/pkg/cudaparams"
	"github.com/raymyers/smemgen/pkg/lang"
)

const (
	DefaultBlocksPerSM     = 8
	DefaultThreadsPerBlock = 64

	sharedArray = "shared_temp"
)

// Config holds the launch parameters that size the per-thread slot pool.
// Zero fields take the defaults.
type Config struct {
	BlocksPerSM     int
	ThreadsPerBlock int
	L1Preferred     bool
}

// DefaultConfig returns 8 blocks of 64 threads with L1 preferred.
func DefaultConfig() Config {
	return Config{
		BlocksPerSM:     DefaultBlocksPerSM,
		ThreadsPerBlock: DefaultThreadsPerBlock,
		L1Preferred:     true,
	}
}

func (c Config) withDefaults() Config {
	if c.BlocksPerSM == 0 {
		c.BlocksPerSM = DefaultBlocksPerSM
	}
	if c.ThreadsPerBlock == 0 {
		c.ThreadsPerBlock = DefaultThreadsPerBlock
	}
	return c
}

// EvictionFunc is called after a variable leaves its slot. addr is the
// shared memory expression the variable occupied.
type EvictionFunc func(v Variable, addr string, slot int)

// Option configures a Manager.
type Option func(*Manager)

// WithSelfEviction replaces the rule that makes an idle resident an
// eviction candidate. A nil rule disables idle marking.
func WithSelfEviction(rule func(uses int) bool) Option {
	return func(m *Manager) { m.selfEvict = rule }
}

// WithLang sets the language whose line ends terminate emitted lines.
func WithLang(l lang.Lang) Option {
	return func(m *Manager) { m.lang = l }
}

// defaultSelfEviction marks residents that sat through two load points
// without a reference.
func defaultSelfEviction(uses int) bool {
	return uses >= 2
}

// Manager owns the shared memory slots of one kernel generation stream.
// It is not safe for concurrent use.
type Manager struct {
	capacity int
	lang     lang.Lang

	// Per-slot state, indexed by slot.
	resident []Variable
	occupied []bool
	uses     []int // load points since last reference
	marked   []bool

	free []int // free slot stack, top is the last element

	onEviction EvictionFunc
	selfEvict  func(uses int) bool
}

// Resident describes one occupied slot.
type Resident struct {
	Slot   int
	Var    Variable
	Uses   int
	Marked bool
}

// NewManager sizes the slot pool from the device's shared memory:
// floor(floor(size / blocks) / threads) slots per thread.
func NewManager(dev cudaparams.SharedSizer, cfg Config, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()
	if cfg.BlocksPerSM < 0 || cfg.ThreadsPerBlock < 0 {
		return nil, fmt.Errorf("%w: %d blocks of %d threads", ErrNoCapacity, cfg.BlocksPerSM, cfg.ThreadsPerBlock)
	}
	size := dev.SharedSize(cfg.L1Preferred)
	perBlock := size / cfg.BlocksPerSM
	perThread := perBlock / cfg.ThreadsPerBlock
	if perThread <= 0 {
		return nil, fmt.Errorf("%w: %d bytes over %d blocks of %d threads",
			ErrNoCapacity, size, cfg.BlocksPerSM, cfg.ThreadsPerBlock)
	}

	m := &Manager{
		capacity:  perThread,
		lang:      lang.CUDA,
		selfEvict: defaultSelfEviction,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.Reset()
	return m, nil
}

// Capacity returns the number of slots per thread.
func (m *Manager) Capacity() int {
	return m.capacity
}

// FreeSlots returns the number of unoccupied slots.
func (m *Manager) FreeSlots() int {
	return len(m.free)
}

// Residents lists the occupied slots in ascending slot order.
func (m *Manager) Residents() []Resident {
	var out []Resident
	for s := 0; s < m.capacity; s++ {
		if m.occupied[s] {
			out = append(out, Resident{Slot: s, Var: m.resident[s], Uses: m.uses[s], Marked: m.marked[s]})
		}
	}
	return out
}

// SetOnEviction registers fn to run on every eviction. nil clears it.
func (m *Manager) SetOnEviction(fn EvictionFunc) {
	m.onEviction = fn
}

// Reset empties every slot and drops the eviction callback.
func (m *Manager) Reset() {
	m.resident = make([]Variable, m.capacity)
	m.occupied = make([]bool, m.capacity)
	m.uses = make([]int, m.capacity)
	m.marked = make([]bool, m.capacity)
	// Stacked high to low so slots are handed out from 0.
	m.free = make([]int, 0, m.capacity)
	for s := m.capacity - 1; s >= 0; s-- {
		m.free = append(m.free, s)
	}
	m.onEviction = nil
}

// EmitInit writes the shared array declaration.
func (m *Manager) EmitInit(w io.Writer, indent int) error {
	_, err := fmt.Fprintf(w, "%sextern __shared__ double %s[]%s",
		lang.Indent(indent), sharedArray, m.lang.LineEnd())
	return err
}

// SlotAddress renders the shared memory expression for slot.
func (m *Manager) SlotAddress(slot int) string {
	if slot == 0 {
		return sharedArray + "[threadIdx.x]"
	}
	return fmt.Sprintf("%s[threadIdx.x + %d * blockDim.x]", sharedArray, slot)
}

// ForceEvictAll evicts every resident in ascending slot order.
func (m *Manager) ForceEvictAll() {
	for s := 0; s < m.capacity; s++ {
		if m.occupied[s] {
			m.evict(s)
		}
	}
}

// Evict frees slot, which must be occupied.
func (m *Manager) Evict(slot int) error {
	if slot < 0 || slot >= m.capacity || !m.occupied[slot] {
		return fmt.Errorf("%w: slot %d", ErrNotResident, slot)
	}
	m.evict(slot)
	return nil
}

func (m *Manager) evict(slot int) {
	v := m.resident[slot]
	addr := m.SlotAddress(slot)

	m.resident[slot] = Variable{}
	m.occupied[slot] = false
	m.uses[slot] = 0
	m.marked[slot] = false
	m.free = append(m.free, slot)

	if m.onEviction != nil {
		m.onEviction(v, addr, slot)
	}
}

// EvictLongestIdle evicts the marked resident with the highest usage
// count, preferring the lowest slot on ties. It returns the evicted slot,
// or false when no resident is marked.
func (m *Manager) EvictLongestIdle() (int, bool) {
	best := -1
	for s := 0; s < m.capacity; s++ {
		if !m.occupied[s] || !m.marked[s] {
			continue
		}
		if best < 0 || m.uses[s] > m.uses[best] {
			best = s
		}
	}
	if best < 0 {
		return 0, false
	}
	m.evict(best)
	return best, true
}

// Admit places v in the next free slot.
func (m *Manager) Admit(v Variable) error {
	if len(m.free) == 0 {
		return fmt.Errorf("%w for %s", ErrNoFreeSlot, v)
	}
	m.admit(v)
	return nil
}

func (m *Manager) admit(v Variable) int {
	slot := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]
	m.resident[slot] = v
	m.occupied[slot] = true
	m.uses[slot] = 0
	m.marked[slot] = false
	return slot
}

// MarkForEviction marks exactly the residents that vars does not use, so
// the next load may reclaim them.
func (m *Manager) MarkForEviction(vars []Variable) {
	for s := 0; s < m.capacity; s++ {
		m.marked[s] = m.occupied[s] && !contains(vars, m.resident[s])
	}
}

// Lookup finds the first slot, in ascending order, holding a variable equal to v.
func (m *Manager) Lookup(v Variable) (int, Variable, bool) {
	for s := 0; s < m.capacity; s++ {
		if m.occupied[s] && m.resident[s].Equal(v) {
			return s, m.resident[s], true
		}
	}
	return 0, Variable{}, false
}

func (m *Manager) hasCandidate() bool {
	for s := 0; s < m.capacity; s++ {
		if m.occupied[s] && m.marked[s] {
			return true
		}
	}
	return false
}

// LoadWorkingSet updates residency for the variables of the next load
// point and, when emitLoads is set, writes a load for every variable that
// became resident. usage, when non-nil, holds one estimated reference count
// per variable; variables estimated at one use or less are admitted only if
// room is left over.
//
// The result maps every occupied slot to whether it was filled by this call.
func (m *Manager) LoadWorkingSet(w io.Writer, vars []Variable, usage []int, indent int, emitLoads bool) (map[int]bool, error) {
	if usage != nil && len(usage) != len(vars) {
		return nil, fmt.Errorf("%w: %d variables, %d estimates", ErrUsageMismatch, len(vars), len(usage))
	}

	var old []Variable
	for s := 0; s < m.capacity; s++ {
		if m.occupied[s] {
			old = append(old, m.resident[s])
			m.uses[s]++
		}
	}

	for s := 0; s < m.capacity; s++ {
		if !m.occupied[s] {
			continue
		}
		if contains(vars, m.resident[s]) {
			m.marked[s] = false
		} else if m.selfEvict != nil && m.selfEvict(m.uses[s]) {
			m.marked[s] = true
		}
	}

	order := make([]int, len(vars))
	for i := range order {
		order[i] = i
	}
	if usage != nil {
		sort.SliceStable(order, func(a, b int) bool {
			return usage[order[a]] > usage[order[b]]
		})
	}

	for _, i := range order {
		v := vars[i]
		if _, _, ok := m.Lookup(v); ok {
			continue
		}
		if usage != nil && usage[i] <= 1 {
			continue
		}
		if len(m.free) == 0 && m.hasCandidate() {
			m.EvictLongestIdle()
		}
		if len(m.free) > 0 {
			m.admit(v)
		}
	}

	if usage != nil {
		for _, i := range order {
			if len(m.free) == 0 {
				break
			}
			if _, _, ok := m.Lookup(vars[i]); !ok {
				m.admit(vars[i])
			}
		}
	}

	fresh := make(map[int]bool)
	for s := 0; s < m.capacity; s++ {
		if m.occupied[s] {
			fresh[s] = !contains(old, m.resident[s])
		}
	}

	if emitLoads {
		for s := 0; s < m.capacity; s++ {
			if !m.occupied[s] || !fresh[s] {
				continue
			}
			_, err := fmt.Fprintf(w, "%s%s = %s%s",
				lang.Indent(indent), m.SlotAddress(s), m.resident[s].Render(), m.lang.LineEnd())
			if err != nil {
				return fresh, err
			}
		}
	}
	return fresh, nil
}

// ResolveReference returns the expression the generator should emit for a
// reference to base[index] (index NoIndex for a scalar). A resident
// variable renders as its slot and has its idle count restarted.
func (m *Manager) ResolveReference(l lang.Lang, base string, index int) string {
	v := Variable{Base: base, Index: index, Lang: l}
	if slot, _, ok := m.Lookup(v); ok {
		m.uses[slot] = 0
		return m.SlotAddress(slot)
	}
	return v.Render()
}
