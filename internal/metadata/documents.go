package metadata

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// DeleteRule what DLET does with dependents
type DeleteRule string

const (
	Cascade DeleteRule = "cascade"
	Reject  DeleteRule = "reject"
)

// Sequence how twins of different types are ordered under one parent
type Sequence string

const (
	// Declared children grouped by DBD type order, then by seq_no
	Declared Sequence = "declared"
	// Physical children ordered by seq_no alone, types interleaved
	Physical Sequence = "physical"
)

// SegmentDef one SEGM statement
type SegmentDef struct {
	Name       string
	Parent     string
	Bytes      int
	Key        []string
	Children   []string
	DeleteRule DeleteRule
	Layout     string
}

// DBD database definition as written
type DBD struct {
	Name       string
	Sequence   Sequence
	DeleteRule DeleteRule
	Segments   []SegmentDef
}

// SensegDef one SENSEG statement
type SensegDef struct {
	Name    string
	ProcOpt ProcOpt
}

// PCBDef one database PCB
type PCBDef struct {
	Name    string
	DBD     string
	ProcOpt ProcOpt
	Senseg  []SensegDef
}

// PSB program specification block as written
type PSB struct {
	Name string
	PCBs []PCBDef
}

// orderedNames rejects YAML mappings where declaration order matters
type orderedNames []string

func (l *orderedNames) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: %w", n.Line, ErrUnorderedChildren)
	}
	var names []string
	if err := n.Decode(&names); err != nil {
		return err
	}
	*l = names
	return nil
}

type segmentDoc struct {
	Name       string       `yaml:"name"`
	Parent     string       `yaml:"parent"`
	Bytes      int          `yaml:"bytes"`
	Key        []string     `yaml:"key"`
	Children   orderedNames `yaml:"children"`
	DeleteRule string       `yaml:"delete_rule"`
	Layout     string       `yaml:"layout"`
}

type segmentList []segmentDoc

func (l *segmentList) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: segments: %w", n.Line, ErrUnorderedChildren)
	}
	var segs []segmentDoc
	if err := n.Decode(&segs); err != nil {
		return err
	}
	*l = segs
	return nil
}

type dbdDoc struct {
	DBD        string      `yaml:"dbd"`
	Sequence   string      `yaml:"sequence"`
	DeleteRule string      `yaml:"delete_rule"`
	Segments   segmentList `yaml:"segments"`
}

type sensegDoc struct {
	Name    string `yaml:"name"`
	ProcOpt string `yaml:"procopt"`
}

type pcbDoc struct {
	Name    string      `yaml:"name"`
	DBD     string      `yaml:"dbd"`
	ProcOpt string      `yaml:"procopt"`
	Senseg  []sensegDoc `yaml:"senseg"`
}

type psbDoc struct {
	PSB  string   `yaml:"psb"`
	PCBs []pcbDoc `yaml:"pcbs"`
}

func decodeStrict(r io.Reader, out any) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	err := decoder.Decode(out)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// ParseDBD reads a DBD document
func ParseDBD(r io.Reader) (*DBD, error) {
	var doc dbdDoc
	if err := decodeStrict(r, &doc); err != nil {
		return nil, fmt.Errorf("dbd document: %w", err)
	}
	if doc.DBD == "" {
		return nil, fmt.Errorf("dbd document: %w: missing dbd name", ErrBadDefinition)
	}

	d := &DBD{
		Name:       doc.DBD,
		Sequence:   Sequence(doc.Sequence),
		DeleteRule: DeleteRule(doc.DeleteRule),
	}
	for _, sd := range doc.Segments {
		d.Segments = append(d.Segments, SegmentDef{
			Name:       sd.Name,
			Parent:     sd.Parent,
			Bytes:      sd.Bytes,
			Key:        sd.Key,
			Children:   sd.Children,
			DeleteRule: DeleteRule(sd.DeleteRule),
			Layout:     sd.Layout,
		})
	}
	return d, nil
}

// ParsePSB reads a PSB document
func ParsePSB(r io.Reader) (*PSB, error) {
	var doc psbDoc
	if err := decodeStrict(r, &doc); err != nil {
		return nil, fmt.Errorf("psb document: %w", err)
	}
	if doc.PSB == "" {
		return nil, fmt.Errorf("psb document: %w: missing psb name", ErrBadDefinition)
	}

	p := &PSB{Name: doc.PSB}
	for _, pd := range doc.PCBs {
		pcb := PCBDef{Name: pd.Name, DBD: pd.DBD, ProcOpt: ProcOpt(pd.ProcOpt)}
		for _, sd := range pd.Senseg {
			pcb.Senseg = append(pcb.Senseg, SensegDef{Name: sd.Name, ProcOpt: ProcOpt(sd.ProcOpt)})
		}
		p.PCBs = append(p.PCBs, pcb)
	}
	return p, nil
}
