package workflow

import "fmt"

// EdgeKind identifies an edge's routing strategy.
type EdgeKind int

const (
	// EdgeDirect connects one source to one sink, optionally guarded by a
	// predicate.
	EdgeDirect EdgeKind = iota
	// EdgeFanOut connects one source to several sinks.
	EdgeFanOut
	// EdgeFanIn connects several sources to one sink through a barrier.
	EdgeFanIn
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeDirect:
		return "direct"
	case EdgeFanOut:
		return "fan-out"
	case EdgeFanIn:
		return "fan-in"
	}
	return fmt.Sprintf("EdgeKind(%d)", int(k))
}

// Predicate decides whether a message travels along a direct edge. The
// message may be a PortableValue when it was restored from a checkpoint; use
// Condition to receive it decoded.
type Predicate func(msg any) bool

// Condition adapts a typed predicate. Messages that cannot be converted to T
// do not pass.
func Condition[T any](fn func(msg T) bool) Predicate {
	return func(msg any) bool {
		v, err := As[T](msg)
		if err != nil {
			return false
		}
		return fn(v)
	}
}

// Assigner selects fan-out targets. It returns indices into the edge's sink
// list; out of range indices are ignored.
type Assigner func(msg any, sinkCount int) []int

// Assign adapts a typed assigner. Messages that cannot be converted to T go
// to no sink.
func Assign[T any](fn func(msg T, sinkCount int) []int) Assigner {
	return func(msg any, sinkCount int) []int {
		v, err := As[T](msg)
		if err != nil {
			return nil
		}
		return fn(v, sinkCount)
	}
}

// Edge is a connection in the workflow graph. Edges refer to executors by id.
type Edge interface {
	// ID is unique within a workflow.
	ID() string
	Kind() EdgeKind
	// SourceIDs lists the executors whose messages enter the edge.
	SourceIDs() []string
	// SinkIDs lists the executors the edge may deliver to.
	SinkIDs() []string
}

// DirectEdge delivers every message from Source to Sink when Predicate (if
// set) accepts it.
type DirectEdge struct {
	id        string
	Source    string
	Sink      string
	Predicate Predicate
}

func (e *DirectEdge) ID() string          { return e.id }
func (e *DirectEdge) Kind() EdgeKind      { return EdgeDirect }
func (e *DirectEdge) SourceIDs() []string { return []string{e.Source} }
func (e *DirectEdge) SinkIDs() []string   { return []string{e.Sink} }

// FanOutEdge delivers messages from Source to all Sinks, or to the subset
// chosen by Assigner.
type FanOutEdge struct {
	id       string
	Source   string
	Sinks    []string
	Assigner Assigner
}

func (e *FanOutEdge) ID() string          { return e.id }
func (e *FanOutEdge) Kind() EdgeKind      { return EdgeFanOut }
func (e *FanOutEdge) SourceIDs() []string { return []string{e.Source} }
func (e *FanOutEdge) SinkIDs() []string   { return append([]string(nil), e.Sinks...) }

// FanInEdge holds messages from Sources until each has contributed one, then
// delivers them to Sink as a single Batch.
type FanInEdge struct {
	id      string
	Sources []string
	Sink    string
}

func (e *FanInEdge) ID() string          { return e.id }
func (e *FanInEdge) Kind() EdgeKind      { return EdgeFanIn }
func (e *FanInEdge) SourceIDs() []string { return append([]string(nil), e.Sources...) }
func (e *FanInEdge) SinkIDs() []string   { return []string{e.Sink} }

// Batch is the payload a fan-in edge releases. Items are ordered by the
// edge's declared sources.
type Batch struct {
	Items []BatchItem `json:"items"`
}

// BatchItem is one source's contribution to a Batch.
type BatchItem struct {
	SourceID string `json:"source_id"`
	Type     TypeID `json:"type"`
	Payload  any    `json:"payload"`
}

// Payloads returns the item payloads in source order.
func (b Batch) Payloads() []any {
	out := make([]any, len(b.Items))
	for i, item := range b.Items {
		out[i] = item.Payload
	}
	return out
}
