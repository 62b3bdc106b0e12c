package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// TypeID is the declared type of a message.
//
// Routes are matched on TypeID rather than on the payload's concrete Go type so
// that payloads restored from a checkpoint (PortableValue) still reach the
// handler that was registered for the original type.
type TypeID string

// typeRegistry maps Go types to their declared TypeID.
type typeRegistry struct {
	mu     sync.RWMutex
	byType map[reflect.Type]TypeID
}

var registry = &typeRegistry{byType: make(map[reflect.Type]TypeID)}

// RegisterType binds a stable TypeID to the Go type T.
//
// Registration is optional. Unregistered types use their fully qualified Go
// name ("import/path.Name"). Register a type when its identity must survive a
// rename or must match a name used by a non-Go producer.
func RegisterType[T any](id TypeID) TypeID {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.byType[reflect.TypeFor[T]()] = id
	return id
}

// TypeOf returns the declared TypeID for T.
func TypeOf[T any]() TypeID {
	return registry.lookup(reflect.TypeFor[T]())
}

// TypeOfValue returns the declared TypeID for a runtime value. PortableValues
// report the type they were captured with.
func TypeOfValue(v any) TypeID {
	switch p := v.(type) {
	case PortableValue:
		return p.Type
	case *PortableValue:
		return p.Type
	case nil:
		return ""
	}
	return registry.lookup(reflect.TypeOf(v))
}

func (r *typeRegistry) lookup(t reflect.Type) TypeID {
	r.mu.RLock()
	id, ok := r.byType[t]
	r.mu.RUnlock()
	if ok {
		return id
	}
	return defaultTypeID(t)
}

func defaultTypeID(t reflect.Type) TypeID {
	if t.Name() != "" && t.PkgPath() != "" {
		return TypeID(t.PkgPath() + "." + t.Name())
	}
	return TypeID(t.String())
}

// Envelope wraps a payload with its declared type and routing identity.
type Envelope struct {
	Payload  any
	Type     TypeID
	SourceID string
	// TargetID restricts delivery to one executor. Empty means every edge
	// target that accepts the type.
	TargetID string
}

// NewEnvelope wraps payload, deriving its declared type.
func NewEnvelope(payload any, sourceID, targetID string) Envelope {
	return Envelope{
		Payload:  payload,
		Type:     TypeOfValue(payload),
		SourceID: sourceID,
		TargetID: targetID,
	}
}

// PortableValue is the serialized ("boxed") form of a payload: its declared
// type and its JSON encoding. Payloads restored from checkpoints are delivered
// as PortableValues and decoded lazily by typed handlers.
type PortableValue struct {
	Type TypeID          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ToPortable encodes v into its portable form. A PortableValue is returned as is.
func ToPortable(v any) (PortableValue, error) {
	switch p := v.(type) {
	case PortableValue:
		return p, nil
	case *PortableValue:
		return *p, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return PortableValue{}, fmt.Errorf("encode %s: %w", TypeOfValue(v), err)
	}
	return PortableValue{Type: TypeOfValue(v), Data: data}, nil
}

// As converts a payload to T. Values already of type T are returned directly;
// PortableValues are decoded from JSON.
func As[T any](v any) (T, error) {
	var zero T
	switch p := v.(type) {
	case T:
		return p, nil
	case PortableValue:
		return decodePortable[T](p)
	case *PortableValue:
		if p == nil {
			return zero, fmt.Errorf("nil portable value for %s", TypeOf[T]())
		}
		return decodePortable[T](*p)
	case nil:
		return zero, nil
	}
	return zero, fmt.Errorf("cannot convert %T to %s", v, TypeOf[T]())
}

func decodePortable[T any](p PortableValue) (T, error) {
	var out T
	if len(p.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(p.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", p.Type, err)
	}
	return out, nil
}

// PortableEnvelope is the checkpointed form of an Envelope.
type PortableEnvelope struct {
	Value    PortableValue `json:"value"`
	SourceID string        `json:"source_id,omitempty"`
	TargetID string        `json:"target_id,omitempty"`
}

func toPortableEnvelope(env Envelope) (PortableEnvelope, error) {
	pv, err := ToPortable(env.Payload)
	if err != nil {
		return PortableEnvelope{}, err
	}
	// The declared type wins over the derived one; a payload may be routed as
	// a type it was explicitly declared as.
	if env.Type != "" {
		pv.Type = env.Type
	}
	return PortableEnvelope{Value: pv, SourceID: env.SourceID, TargetID: env.TargetID}, nil
}

// Envelope returns the routable form. The payload stays portable until a
// handler decodes it.
func (p PortableEnvelope) Envelope() Envelope {
	return Envelope{
		Payload:  p.Value,
		Type:     p.Value.Type,
		SourceID: p.SourceID,
		TargetID: p.TargetID,
	}
}
