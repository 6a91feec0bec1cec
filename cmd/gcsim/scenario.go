package main

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/pavanmanishd/gcarena"
	"github.com/pavanmanishd/gcarena/descriptor"
)

// Scenario is a scripted workload: the arena to create, the payload shapes
// it knows about and the steps to run against it.
type Scenario struct {
	Name   string         `yaml:"name"`
	Arena  gcarena.Config `yaml:"arena"`
	Shapes []Shape        `yaml:"shapes"`
	Steps  []Step         `yaml:"steps"`
}

// Shape defines one descriptor table entry.
type Shape struct {
	Kind    string   `yaml:"kind"` // strong or weak
	Tag     uint32   `yaml:"tag"`
	Offsets []uint32 `yaml:"offsets"`
}

// Step operations.
const (
	OpAlloc    = "alloc"
	OpLink     = "link"
	OpWeakLink = "weak_link"
	OpUnlink   = "unlink"
	OpRoot     = "root"
	OpUnroot   = "unroot"
	OpCollect  = "collect"
	OpExpect   = "expect"
)

// Step is one scenario operation. Which fields apply depends on Op.
type Step struct {
	Op string `yaml:"op"`

	// alloc, root, unroot
	Name  string `yaml:"name,omitempty"`
	Size  int    `yaml:"size,omitempty"`
	Type  uint32 `yaml:"type,omitempty"`
	Weak  uint32 `yaml:"weak,omitempty"`
	Array bool   `yaml:"array,omitempty"`
	Root  bool   `yaml:"root,omitempty"`

	// link, weak_link, unlink
	From   string `yaml:"from,omitempty"`
	Offset int    `yaml:"offset,omitempty"`
	To     string `yaml:"to,omitempty"`

	// expect
	Live        []string          `yaml:"live,omitempty"`
	Dead        []string          `yaml:"dead,omitempty"`
	Nulled      []Slot            `yaml:"nulled,omitempty"`
	Released    *int              `yaml:"released,omitempty"`
	WeakCleared *int              `yaml:"weak_cleared,omitempty"`
	Blocks      *int              `yaml:"blocks,omitempty"`
	InUse       *gcarena.ByteSize `yaml:"in_use,omitempty"`
}

// Slot names a reference slot of a named block.
type Slot struct {
	From   string `yaml:"from"`
	Offset int    `yaml:"offset"`
}

// LoadScenario reads and decodes a scenario file. Unknown fields are errors.
func LoadScenario(path string) (*Scenario, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read scenario file")
	}
	return ParseScenario(content)
}

// ParseScenario decodes a scenario from YAML.
func ParseScenario(content []byte) (*Scenario, error) {
	s := &Scenario{Arena: gcarena.DefaultConfig()}
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil {
		return nil, errors.Wrap(err, "unable to unmarshal scenario")
	}
	return s, nil
}

// Registry builds the descriptor registry described by the shapes.
func (s *Scenario) Registry() (*descriptor.Registry, error) {
	reg := descriptor.NewRegistry()
	for i, sh := range s.Shapes {
		var kind descriptor.Kind
		switch sh.Kind {
		case "strong":
			kind = descriptor.Strong
		case "weak":
			kind = descriptor.Weak
		default:
			return nil, errors.Errorf("shape %d: unknown kind %q", i+1, sh.Kind)
		}
		if err := reg.Define(kind, descriptor.Tag(sh.Tag), sh.Offsets...); err != nil {
			return nil, errors.Wrapf(err, "shape %d", i+1)
		}
	}
	return reg, nil
}

// ScenarioResult summarizes a completed run.
type ScenarioResult struct {
	Steps       int
	Collections int
	Metrics     gcarena.ArenaMetrics
}

type scenarioRunner struct {
	arena  *gcarena.Arena
	reg    *descriptor.Registry
	names  map[string]gcarena.Ref
	last   *gcarena.CycleStats
	result ScenarioResult
	logger log.Logger
}

// Run executes the scenario on a fresh arena and stops at the first step that
// fails or whose expectation does not hold.
func (s *Scenario) Run(logger log.Logger, opts ...gcarena.Option) (ScenarioResult, error) {
	reg, err := s.Registry()
	if err != nil {
		return ScenarioResult{}, err
	}
	a, err := gcarena.New(s.Arena, reg, append([]gcarena.Option{gcarena.WithLogger(logger)}, opts...)...)
	if err != nil {
		return ScenarioResult{}, errors.Wrap(err, "unable to create arena")
	}
	defer a.Close()

	r := &scenarioRunner{
		arena:  a,
		reg:    reg,
		names:  map[string]gcarena.Ref{},
		logger: logger,
	}
	for i, step := range s.Steps {
		if err := r.step(step); err != nil {
			return r.result, errors.Wrapf(err, "step %d (%s)", i+1, step.Op)
		}
		r.result.Steps++
	}
	r.result.Metrics = a.Metrics()
	return r.result, nil
}

func (r *scenarioRunner) step(s Step) error {
	switch s.Op {
	case OpAlloc:
		return r.alloc(s)
	case OpLink:
		return r.link(s, descriptor.Strong)
	case OpWeakLink:
		return r.link(s, descriptor.Weak)
	case OpUnlink:
		from, err := r.ref(s.From)
		if err != nil {
			return err
		}
		return r.arena.StoreRef(from, s.Offset, gcarena.Nil)
	case OpRoot:
		ref, err := r.ref(s.Name)
		if err != nil {
			return err
		}
		return r.arena.AddRoot(ref)
	case OpUnroot:
		ref, err := r.ref(s.Name)
		if err != nil {
			return err
		}
		return r.arena.RemoveRoot(ref)
	case OpCollect:
		stats := r.arena.Collect()
		r.last = &stats
		r.result.Collections++
		level.Debug(r.logger).Log("msg", "scenario collection", "released", stats.Released, "released_refs", stats.ReleasedRefs.String())
		return r.arena.Verify()
	case OpExpect:
		return r.expect(s)
	default:
		return errors.Errorf("unknown op %q", s.Op)
	}
}

func (r *scenarioRunner) alloc(s Step) error {
	if s.Name == "" {
		return errors.New("alloc needs a name")
	}
	if old, ok := r.names[s.Name]; ok && r.arena.IsLive(old) {
		return errors.Errorf("name %q is already bound to a live block", s.Name)
	}
	var flags gcarena.Flags
	if s.Root {
		flags |= gcarena.FlagRoot
	}
	if s.Array {
		flags |= gcarena.FlagRefArray
	}
	ref, err := r.arena.Allocate(s.Size, descriptor.Tag(s.Type), descriptor.Tag(s.Weak), flags)
	if err != nil {
		return err
	}
	r.names[s.Name] = ref
	return nil
}

// link stores To into a slot of From that the block's descriptors declare as
// kind, so a scenario cannot silently write into plain data.
func (r *scenarioRunner) link(s Step, kind descriptor.Kind) error {
	from, err := r.ref(s.From)
	if err != nil {
		return err
	}
	to, err := r.ref(s.To)
	if err != nil {
		return err
	}
	info, ok := r.arena.Info(from)
	if !ok {
		return errors.Wrapf(gcarena.ErrStaleRef, "block %q", s.From)
	}

	declared := false
	switch {
	case kind == descriptor.Strong && info.RefArray:
		declared = true
	case kind == descriptor.Strong:
		offsets, err := r.reg.Lookup(kind, info.TypeTag)
		if err != nil {
			return err
		}
		declared = slices.Contains(offsets, uint32(s.Offset))
	default:
		offsets, err := r.reg.Lookup(kind, info.WeakTag)
		if err != nil {
			return err
		}
		declared = slices.Contains(offsets, uint32(s.Offset))
	}
	if !declared {
		return errors.Errorf("offset %d of %q is not a %s slot", s.Offset, s.From, kind)
	}
	return r.arena.StoreRef(from, s.Offset, to)
}

func (r *scenarioRunner) expect(s Step) error {
	for _, name := range s.Live {
		ref, ok := r.names[name]
		if !ok || !r.arena.IsLive(ref) {
			return errors.Errorf("expected %q to be live", name)
		}
	}
	for _, name := range s.Dead {
		ref, ok := r.names[name]
		if !ok {
			return errors.Errorf("unknown block %q", name)
		}
		if r.arena.IsLive(ref) {
			return errors.Errorf("expected %q to be destroyed", name)
		}
	}
	for _, slot := range s.Nulled {
		from, err := r.ref(slot.From)
		if err != nil {
			return err
		}
		got, err := r.arena.LoadRef(from, slot.Offset)
		if err != nil {
			return err
		}
		if !got.IsNil() {
			return errors.Errorf("expected slot %d of %q to be nil, found %v", slot.Offset, slot.From, got)
		}
	}
	if s.Released != nil || s.WeakCleared != nil {
		if r.last == nil {
			return errors.New("no collection has run")
		}
		if s.Released != nil && *s.Released != r.last.Released {
			return errors.Errorf("expected %d blocks released, got %d", *s.Released, r.last.Released)
		}
		if s.WeakCleared != nil && *s.WeakCleared != r.last.WeakCleared {
			return errors.Errorf("expected %d weak slots cleared, got %d", *s.WeakCleared, r.last.WeakCleared)
		}
	}
	if s.Blocks != nil && *s.Blocks != r.arena.NumBlocks() {
		return errors.Errorf("expected %d live blocks, got %d", *s.Blocks, r.arena.NumBlocks())
	}
	if s.InUse != nil && int(*s.InUse) != r.arena.SizeInUse() {
		return errors.Errorf("expected %s in use, got %s", *s.InUse, gcarena.ByteSize(r.arena.SizeInUse()))
	}
	return nil
}

func (r *scenarioRunner) ref(name string) (gcarena.Ref, error) {
	ref, ok := r.names[name]
	if !ok {
		return gcarena.Nil, errors.Errorf("unknown block %q", name)
	}
	return ref, nil
}

func formatResult(name string, res ScenarioResult) string {
	m := res.Metrics
	return fmt.Sprintf("scenario %q passed: %d steps, %d collections, %d live blocks, %s in use",
		name, res.Steps, res.Collections, m.NumBlocks, gcarena.ByteSize(m.SizeInUse))
}
