// Package present formats an estimation result for display. It never
// computes emissions itself.
package present

import (
	"fmt"
	"iter"
	"strings"

	"carbonlog/estimator"
)

type Entry struct {
	Label    string
	Quantity string
	CO2e     string
	CO2eKg   float64
}

type Summary struct {
	res *estimator.Result
}

func New(res *estimator.Result) Summary {
	return Summary{res: res}
}

func (s Summary) Empty() bool { return s.res == nil }

func (s Summary) TotalKg() float64 {
	if s.res == nil {
		return 0
	}
	return s.res.TotalCO2eKg
}

func (s Summary) Total() string {
	return FormatKg(s.TotalKg())
}

func (s Summary) Len() int {
	if s.res == nil {
		return 0
	}
	return len(s.res.Items)
}

// Items yields one entry per recognized activity. Each call starts over.
func (s Summary) Items() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		if s.res == nil {
			return
		}
		for _, it := range s.res.Items {
			if !yield(entry(it)) {
				return
			}
		}
	}
}

func (s Summary) Unrecognized() []string {
	if s.res == nil {
		return nil
	}
	out := make([]string, 0, len(s.res.Unrecognized))
	for _, u := range s.res.Unrecognized {
		out = append(out, strings.TrimSpace(strings.TrimSuffix(u, "(Not Recognized)")))
	}
	return out
}

func (s Summary) Message() string {
	if s.res == nil {
		return ""
	}
	return s.res.Message
}

// String is the plain-text form used for the clipboard.
func (s Summary) String() string {
	if s.res == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Total: %s\n", s.Total())
	for e := range s.Items() {
		fmt.Fprintf(&b, "- %s (%s): %s\n", e.Label, e.Quantity, e.CO2e)
	}
	for _, u := range s.Unrecognized() {
		fmt.Fprintf(&b, "- not recognized: %s\n", u)
	}
	return b.String()
}

func FormatKg(kg float64) string {
	return fmt.Sprintf("%.2f kg CO2e", kg)
}

func entry(it estimator.Item) Entry {
	label := it.ActivityType
	if it.Key != "" {
		label = strings.ReplaceAll(it.Key, "_", " ")
	}
	qty := strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", it.Quantity), "0"), ".")
	if it.Unit != "" {
		qty += " " + it.Unit
	}
	return Entry{
		Label:    label,
		Quantity: qty,
		CO2e:     FormatKg(it.CO2eKg),
		CO2eKg:   it.CO2eKg,
	}
}
