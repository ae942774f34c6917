package command

import "sort"

// Chain orders command groups for dispatch.
type Chain struct {
	groups []*Group
}

func NewChain(groups ...*Group) *Chain {
	c := &Chain{}
	c.Add(groups...)
	return c
}

// Add appends groups and re-sorts by Order. Ties keep insertion order.
func (c *Chain) Add(groups ...*Group) {
	for _, g := range groups {
		if g != nil {
			c.groups = append(c.groups, g)
		}
	}
	sort.SliceStable(c.groups, func(i, j int) bool { return c.groups[i].Order < c.groups[j].Order })
}

func (c *Chain) Groups() []*Group {
	return append([]*Group(nil), c.groups...)
}

// Group returns the named group or nil.
func (c *Chain) Group(name string) *Group {
	for _, g := range c.groups {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// Active returns the groups usable by src, in dispatch order.
func (c *Chain) Active(src Source) []*Group {
	var out []*Group
	for _, g := range c.groups {
		if g.ValidateOnInit || src.Active(g.Name) {
			out = append(out, g)
		}
	}
	return out
}

// Find returns the first active command registered under a normalized token.
func (c *Chain) Find(src Source, token string) (Command, bool) {
	for _, g := range c.Active(src) {
		if cmd, ok := g.Lookup(token); ok {
			return cmd, true
		}
	}
	return Command{}, false
}
