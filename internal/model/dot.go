package model

import (
	"io"

	"github.com/awalterschulze/gographviz"
	"github.com/pkg/errors"
)

// WriteDot renders the training graph for the given batch size in Graphviz
// format, laid out left to right.
func (c *CNN) WriteDot(w io.Writer, batch int) error {
	if batch <= 0 {
		return errors.Errorf("dot: batch size must be > 0 (got %d)", batch)
	}
	c.mu.Lock()
	n, err := c.net(batch, true)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	ast, err := gographviz.ParseString(n.g.ToDot())
	if err != nil {
		return errors.Wrap(err, "dot: parse")
	}
	graph := gographviz.NewGraph()
	if err := gographviz.Analyse(ast, graph); err != nil {
		return errors.Wrap(err, "dot: analyse")
	}
	if err := graph.AddAttr(graph.Name, "rankdir", "LR"); err != nil {
		return errors.Wrap(err, "dot: rankdir")
	}
	_, err = io.WriteString(w, graph.String())
	return err
}
