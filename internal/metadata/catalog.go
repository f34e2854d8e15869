package metadata

import (
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/S0me0neR0man/dlistash/internal/layout"
)

const (
	layoutPattern = "*.layout.yaml"
	dbdPattern    = "*.dbd.yaml"
	psbPattern    = "*.psb.yaml"
)

// Catalog process wide metadata: layouts, hierarchies and PSBs.
// Built once, never mutated, shared by reference.
type Catalog struct {
	Layouts *layout.Registry

	hierarchies map[string]*Hierarchy
	psbs        map[string]*PSB
}

// NewCatalog resolves every DBD and checks every PSB against them
func NewCatalog(reg *layout.Registry, dbds []*DBD, psbs []*PSB) (*Catalog, error) {
	c := &Catalog{
		Layouts:     reg,
		hierarchies: make(map[string]*Hierarchy, len(dbds)),
		psbs:        make(map[string]*PSB, len(psbs)),
	}
	for _, d := range dbds {
		if _, ok := c.hierarchies[d.Name]; ok {
			return nil, fmt.Errorf("catalog: %w: dbd %s", ErrBadDefinition, d.Name)
		}
		h, err := NewHierarchy(d, reg)
		if err != nil {
			return nil, err
		}
		c.hierarchies[d.Name] = h
	}
	for _, p := range psbs {
		if _, ok := c.psbs[p.Name]; ok {
			return nil, fmt.Errorf("catalog: %w: psb %s", ErrBadDefinition, p.Name)
		}
		if _, err := Resolve(p, c.hierarchies); err != nil {
			return nil, err
		}
		c.psbs[p.Name] = p
	}
	return c, nil
}

// Hierarchy returns a resolved DBD
func (c *Catalog) Hierarchy(name string) (*Hierarchy, error) {
	h, ok := c.hierarchies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDBD, name)
	}
	return h, nil
}

// Hierarchies returns DBD names sorted
func (c *Catalog) Hierarchies() []string {
	names := make([]string, 0, len(c.hierarchies))
	for name := range c.hierarchies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Program resolves a PSB by name
func (c *Catalog) Program(psb string) (*Program, error) {
	p, ok := c.psbs[psb]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPSB, psb)
	}
	return Resolve(p, c.hierarchies)
}

// LoadCatalog reads layout, DBD and PSB documents from the root of fsys
func LoadCatalog(fsys fs.FS) (*Catalog, error) {
	var segs []*layout.Segment
	err := eachFile(fsys, layoutPattern, func(f fs.File) error {
		s, err := layout.Parse(f)
		segs = append(segs, s...)
		return err
	})
	if err != nil {
		return nil, err
	}
	reg, err := layout.NewRegistry(segs...)
	if err != nil {
		return nil, err
	}

	var dbds []*DBD
	err = eachFile(fsys, dbdPattern, func(f fs.File) error {
		d, err := ParseDBD(f)
		if err == nil {
			dbds = append(dbds, d)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	var psbs []*PSB
	err = eachFile(fsys, psbPattern, func(f fs.File) error {
		p, err := ParsePSB(f)
		if err == nil {
			psbs = append(psbs, p)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	return NewCatalog(reg, dbds, psbs)
}

func eachFile(fsys fs.FS, pattern string, fn func(fs.File) error) error {
	names, err := fs.Glob(fsys, pattern)
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		f, err := fsys.Open(name)
		if err != nil {
			return err
		}
		err = fn(f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", path.Base(name), err)
		}
	}
	return nil
}

// Loader hands out resolved programs. Concurrent first loads of one PSB are
// collapsed with singleflight and results are kept in a bounded cache.
type Loader struct {
	catalog *Catalog
	sfg     singleflight.Group
	cache   *ristretto.Cache[string, *Program]

	sugar *zap.SugaredLogger
}

// NewLoader cacheSize is the number of resolved PSBs kept
func NewLoader(catalog *Catalog, cacheSize int64, logger *zap.Logger) (*Loader, error) {
	if cacheSize <= 0 {
		cacheSize = 64
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *Program]{
		NumCounters: cacheSize * 10,
		MaxCost:     cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Loader{
		catalog: catalog,
		cache:   cache,
		sugar:   logger.Sugar(),
	}, nil
}

// Catalog returns the shared catalog
func (l *Loader) Catalog() *Catalog {
	return l.catalog
}

// Program returns resolved PSB psb
func (l *Loader) Program(psb string) (*Program, error) {
	if p, ok := l.cache.Get(psb); ok {
		return p, nil
	}

	res, err, shared := l.sfg.Do(psb, func() (interface{}, error) {
		p, err := l.catalog.Program(psb)
		if err != nil {
			return nil, err
		}
		l.cache.Set(psb, p, 1)
		return p, nil
	})
	if err != nil {
		l.sugar.Errorw("resolve psb", "psb", psb, "err", err, "shared", shared)
		return nil, err
	}
	l.sugar.Debugw("resolve psb", "psb", psb, "shared", shared)
	return res.(*Program), nil
}

// Close releases the cache
func (l *Loader) Close() {
	l.cache.Close()
}
