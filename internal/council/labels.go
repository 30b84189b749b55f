package council

import (
	"encoding/json"
	"sort"
	"strings"
)

// LabelPrefix precedes every anonymized label
const LabelPrefix = "Response "

// LabelMapping is the bijection between anonymized labels and model identifiers.
// It is built once per request, right after stage 1, and never regenerated.
type LabelMapping struct {
	labels  []string
	toModel map[string]string
	toLabel map[string]string
}

// NewLabelMapping assigns Response A, Response B, ... in the order responses were collected
func NewLabelMapping(responses []ModelResponse) LabelMapping {
	m := LabelMapping{
		labels:  make([]string, 0, len(responses)),
		toModel: make(map[string]string, len(responses)),
		toLabel: make(map[string]string, len(responses)),
	}
	for i, r := range responses {
		label := LabelFor(i)
		m.labels = append(m.labels, label)
		m.toModel[label] = r.Model
		m.toLabel[r.Model] = label
	}
	return m
}

// LabelFor returns the label for the i-th (0-indexed) response.
// After Z it continues AA, AB, ... like spreadsheet columns.
func LabelFor(i int) string {
	return LabelPrefix + letters(i)
}

func letters(i int) string {
	var sb []byte
	for n := i + 1; n > 0; n = (n - 1) / 26 {
		sb = append([]byte{byte('A' + (n-1)%26)}, sb...)
	}
	return string(sb)
}

// Labels returns labels in assignment order
func (m LabelMapping) Labels() []string {
	out := make([]string, len(m.labels))
	copy(out, m.labels)
	return out
}

// Len returns the number of labelled responses
func (m LabelMapping) Len() int {
	return len(m.labels)
}

// Model resolves a label to its model identifier
func (m LabelMapping) Model(label string) (string, bool) {
	model, ok := m.toModel[label]
	return model, ok
}

// Label resolves a model identifier to its label
func (m LabelMapping) Label(model string) (string, bool) {
	label, ok := m.toLabel[model]
	return label, ok
}

// NormalizeLabel canonicalizes a label token such as "response b" or "RESPONSE  B"
func NormalizeLabel(token string) string {
	fields := strings.Fields(token)
	if len(fields) != 2 || !strings.EqualFold(fields[0], strings.TrimSpace(LabelPrefix)) {
		return ""
	}
	return LabelPrefix + strings.ToUpper(fields[1])
}

func (m LabelMapping) MarshalJSON() ([]byte, error) {
	if m.toModel == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m.toModel)
}

func (m *LabelMapping) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	labels := make([]string, 0, len(raw))
	for l := range raw {
		labels = append(labels, l)
	}
	// Shorter labels first so Response Z sorts before Response AA.
	sort.Slice(labels, func(i, j int) bool {
		if len(labels[i]) != len(labels[j]) {
			return len(labels[i]) < len(labels[j])
		}
		return labels[i] < labels[j]
	})
	m.labels = labels
	m.toModel = make(map[string]string, len(raw))
	m.toLabel = make(map[string]string, len(raw))
	for _, l := range labels {
		m.toModel[l] = raw[l]
		m.toLabel[raw[l]] = l
	}
	return nil
}
