package model

import (
	"strings"
	"text/tabwriter"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Params counts the scalars in every weight tensor.
func (m *Model[V, W]) Params() int {
	n := 0
	for _, l := range m.layers {
		if l.Input() == nil {
			continue
		}
		for _, s := range l.WeightShapes() {
			n += s.Numel()
		}
	}
	return n
}

// Summary renders one row per layer with its output shape and parameter
// count.
func (m *Model[V, W]) Summary() string {
	p := message.NewPrinter(language.English)
	var sb strings.Builder
	tw := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)

	p.Fprintf(tw, "Model %s\t\t\t\n", m.name)
	p.Fprintf(tw, "layer\tkind\toutput\tparams\n")
	p.Fprintf(tw, "input\t\t%s\t0\n", m.input.Shape())
	for _, l := range m.layers {
		n := 0
		for _, s := range l.WeightShapes() {
			n += s.Numel()
		}
		p.Fprintf(tw, "%s\t%s\t%s\t%d\n", l.Name(), l.Kind(), l.OutputShape(), n)
	}
	p.Fprintf(tw, "total\t\t\t%d\n", m.Params())
	tw.Flush()
	return sb.String()
}
