package agent

import "mcpchat/internal/domain"

// ToolFilter narrows the catalog a turn may use. The deny list always
// wins; a non-empty allow list admits only the tools it names.
type ToolFilter struct {
	allowed map[string]bool
	denied  map[string]bool
}

func NewToolFilter(allowed, denied []string) *ToolFilter {
	if len(allowed) == 0 && len(denied) == 0 {
		return nil
	}
	tf := &ToolFilter{
		allowed: make(map[string]bool, len(allowed)),
		denied:  make(map[string]bool, len(denied)),
	}
	for _, t := range allowed {
		tf.allowed[t] = true
	}
	for _, t := range denied {
		tf.denied[t] = true
	}
	return tf
}

// Allows reports whether the tool may be offered and dispatched. A nil
// filter allows everything.
func (tf *ToolFilter) Allows(name string) bool {
	if tf == nil {
		return true
	}
	if tf.denied[name] {
		return false
	}
	if len(tf.allowed) > 0 {
		return tf.allowed[name]
	}
	return true
}

// Apply returns the descriptors that pass the filter, keeping their order.
func (tf *ToolFilter) Apply(defs []domain.ToolDescriptor) []domain.ToolDescriptor {
	if tf == nil {
		return defs
	}
	out := make([]domain.ToolDescriptor, 0, len(defs))
	for _, d := range defs {
		if tf.Allows(d.Name) {
			out = append(out, d)
		}
	}
	return out
}
