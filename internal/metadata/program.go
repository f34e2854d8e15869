package metadata

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownDBD        = errors.New("unknown dbd")
	ErrUnknownPSB        = errors.New("unknown psb")
	ErrUnknownPCB        = errors.New("unknown pcb")
	ErrDuplicatePCB      = errors.New("duplicate pcb")
	ErrNotSensitive      = errors.New("segment type not sensitive")
	ErrInsensitiveParent = errors.New("sensitive segment under insensitive parent")
	ErrBadProcOpt        = errors.New("bad processing option")
)

// ProcOpt IMS processing option letters: G get, I insert, R replace, D delete, A all
type ProcOpt string

func (p ProcOpt) validate() error {
	for _, c := range p {
		if !strings.ContainsRune("GIRDA", c) {
			return fmt.Errorf("%w: %q", ErrBadProcOpt, string(p))
		}
	}
	return nil
}

func (p ProcOpt) has(c string) bool {
	return strings.Contains(string(p), c) || strings.Contains(string(p), "A")
}

func (p ProcOpt) CanInsert() bool  { return p.has("I") }
func (p ProcOpt) CanReplace() bool { return p.has("R") }
func (p ProcOpt) CanDelete() bool  { return p.has("D") }

// ReadOnly no update letter present
func (p ProcOpt) ReadOnly() bool {
	return !p.CanInsert() && !p.CanReplace() && !p.CanDelete()
}

// PCB resolved program view of one hierarchy
type PCB struct {
	Name      string
	Index     int // 1-based position in the PSB
	Hierarchy *Hierarchy
	ProcOpt   ProcOpt

	sensitive map[string]ProcOpt
	children  map[string][]*SegmentType // "" -> root level
}

// Sensitive reports whether the PCB may see segment type name
func (p *PCB) Sensitive(name string) bool {
	_, ok := p.sensitive[name]
	return ok
}

// ProcOptFor processing option effective for one segment type
func (p *PCB) ProcOptFor(name string) ProcOpt {
	return p.sensitive[name]
}

// Segment returns a sensitive segment type.
// Errors: ErrUnknownSegmentType (not in the DBD), ErrNotSensitive.
func (p *PCB) Segment(name string) (*SegmentType, error) {
	st, err := p.Hierarchy.Segment(name)
	if err != nil {
		return nil, err
	}
	if !p.Sensitive(name) {
		return nil, fmt.Errorf("pcb %s: %w: %s", p.Name, ErrNotSensitive, name)
	}
	return st, nil
}

// ChildTypes sensitive child types of parent in DBD order; parent nil means root level
func (p *PCB) ChildTypes(parent *SegmentType) []*SegmentType {
	if parent == nil {
		return p.children[""]
	}
	return p.children[parent.Name]
}

// Program resolved PSB
type Program struct {
	Name string
	PCBs []*PCB

	byName map[string]*PCB
}

// PCB returns a PCB by label or by 1-based position written as "#n"
func (p *Program) PCB(name string) (*PCB, error) {
	if pcb, ok := p.byName[name]; ok {
		return pcb, nil
	}
	var n int
	if _, err := fmt.Sscanf(name, "#%d", &n); err == nil && n >= 1 && n <= len(p.PCBs) {
		return p.PCBs[n-1], nil
	}
	return nil, fmt.Errorf("psb %s: %w: %s", p.Name, ErrUnknownPCB, name)
}

// Resolve binds every PCB of psb to its hierarchy
func Resolve(psb *PSB, hierarchies map[string]*Hierarchy) (*Program, error) {
	prog := &Program{
		Name:   psb.Name,
		byName: make(map[string]*PCB, len(psb.PCBs)),
	}
	for i, pd := range psb.PCBs {
		pcb, err := resolvePCB(psb.Name, i+1, pd, hierarchies)
		if err != nil {
			return nil, err
		}
		if _, ok := prog.byName[pcb.Name]; ok {
			return nil, fmt.Errorf("psb %s: %w: %s", psb.Name, ErrDuplicatePCB, pcb.Name)
		}
		prog.byName[pcb.Name] = pcb
		prog.PCBs = append(prog.PCBs, pcb)
	}
	return prog, nil
}

func resolvePCB(psb string, index int, pd PCBDef, hierarchies map[string]*Hierarchy) (*PCB, error) {
	h, ok := hierarchies[pd.DBD]
	if !ok {
		return nil, fmt.Errorf("psb %s: %w: %s", psb, ErrUnknownDBD, pd.DBD)
	}

	pcb := &PCB{
		Name:      pd.Name,
		Index:     index,
		Hierarchy: h,
		ProcOpt:   pd.ProcOpt,
		sensitive: make(map[string]ProcOpt),
		children:  make(map[string][]*SegmentType),
	}
	if pcb.Name == "" {
		pcb.Name = fmt.Sprintf("PCB%d", index)
	}
	if pcb.ProcOpt == "" {
		pcb.ProcOpt = "A"
	}
	if err := pcb.ProcOpt.validate(); err != nil {
		return nil, fmt.Errorf("psb %s pcb %s: %w", psb, pcb.Name, err)
	}

	if len(pd.Senseg) == 0 {
		for _, st := range h.Types() {
			pcb.sensitive[st.Name] = pcb.ProcOpt
		}
	}
	for _, sd := range pd.Senseg {
		st, err := h.Segment(sd.Name)
		if err != nil {
			return nil, fmt.Errorf("psb %s pcb %s: %w", psb, pcb.Name, err)
		}
		opt := sd.ProcOpt
		if opt == "" {
			opt = pcb.ProcOpt
		}
		if err := opt.validate(); err != nil {
			return nil, fmt.Errorf("psb %s pcb %s senseg %s: %w", psb, pcb.Name, sd.Name, err)
		}
		pcb.sensitive[st.Name] = opt
	}

	for _, st := range h.Types() {
		if !pcb.Sensitive(st.Name) {
			continue
		}
		if st.Parent == nil {
			pcb.children[""] = append(pcb.children[""], st)
			continue
		}
		if !pcb.Sensitive(st.Parent.Name) {
			return nil, fmt.Errorf("psb %s pcb %s: %w: %s under %s", psb, pcb.Name, ErrInsensitiveParent, st.Name, st.Parent.Name)
		}
	}
	// h.Types is pre-order, so walk children lists to keep sibling order
	for _, st := range h.Types() {
		if !pcb.Sensitive(st.Name) {
			continue
		}
		for _, child := range st.Children {
			if pcb.Sensitive(child.Name) {
				pcb.children[st.Name] = append(pcb.children[st.Name], child)
			}
		}
	}
	return pcb, nil
}
