// Package nav names the outcomes of a navigation request.
package nav

type Outcome int

const (
	Arrived Outcome = iota + 1
	Unreachable
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case Arrived:
		return "arrived"
	case Unreachable:
		return "unreachable"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}
