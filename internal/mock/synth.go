// Package mock synthesizes example request values from message descriptors.
//
// Values are plain Go trees (map[string]any, []any and scalars) keyed by
// protobuf field name, so they render as JSON that protojson accepts.
package mock

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// DefaultMaxDepth is how many times one message type may be entered while
// synthesizing a single value.
const DefaultMaxDepth = 3

// StreamKey wraps the chunks of a synthesized client-streaming request.
const StreamKey = "stream"

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithMaxDepth overrides DefaultMaxDepth. Values below one are ignored.
func WithMaxDepth(n int) Option {
	return func(s *Synthesizer) {
		if n > 0 {
			s.maxDepth = n
		}
	}
}

// WithIDGenerator replaces the generator used for identifier-like strings.
func WithIDGenerator(fn func() string) Option {
	return func(s *Synthesizer) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// Synthesizer builds mock values. It holds no per-call state and is safe
// for concurrent use.
type Synthesizer struct {
	maxDepth int
	newID    func() string
}

// New creates a Synthesizer.
func New(opts ...Option) *Synthesizer {
	s := &Synthesizer{
		maxDepth: DefaultMaxDepth,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// visits counts how often each message type was entered during one call.
// Counts only go up, so a type is capped across the whole value rather
// than per path.
type visits map[protoreflect.MessageDescriptor]int

// Message returns an example value for md.
func (s *Synthesizer) Message(md protoreflect.MessageDescriptor) map[string]any {
	return s.message(md, make(visits))
}

// Method returns an example request for md. Client-streaming requests are
// wrapped as {"stream": [chunk]}.
func (s *Synthesizer) Method(md protoreflect.MethodDescriptor) map[string]any {
	msg := s.Message(md.Input())
	if md.IsStreamingClient() {
		return map[string]any{StreamKey: []any{msg}}
	}
	return msg
}

func (s *Synthesizer) message(md protoreflect.MessageDescriptor, seen visits) map[string]any {
	seen[md]++
	if seen[md] > s.maxDepth {
		return map[string]any{}
	}

	out := make(map[string]any)
	oneofs := make(map[protoreflect.FullName]bool)

	fields := md.Fields()
	for i := range fields.Len() {
		fd := fields.Get(i)

		if od := fd.ContainingOneof(); od != nil && !od.IsSynthetic() {
			if oneofs[od.FullName()] {
				continue
			}
			oneofs[od.FullName()] = true
			// Keyed by the member's field name, not the group name: protojson rejects the latter.
			fd = od.Fields().Get(0)
		}

		if v, ok := s.field(fd, seen); ok {
			out[string(fd.Name())] = v
		}
	}
	return out
}

func (s *Synthesizer) field(fd protoreflect.FieldDescriptor, seen visits) (any, bool) {
	name := string(fd.Name())

	if fd.IsMap() {
		key := scalar(fd.MapKey().Kind(), name, s.newID)
		value, ok := s.single(fd.MapValue(), name, seen)
		if !ok {
			return nil, false
		}
		return map[string]any{fmt.Sprint(key): value}, true
	}

	v, ok := s.single(fd, name, seen)
	if !ok {
		return nil, false
	}
	if fd.IsList() {
		return []any{v}, true
	}
	return v, true
}

// single synthesizes one value of fd's type. name is the field name used
// for identifier detection; for map values it is the map field's name.
func (s *Synthesizer) single(fd protoreflect.FieldDescriptor, name string, seen visits) (any, bool) {
	switch fd.Kind() {
	case protoreflect.MessageKind, protoreflect.GroupKind:
		md := fd.Message()
		if md == nil || md.IsPlaceholder() {
			return nil, false
		}
		return s.message(md, seen), true
	case protoreflect.EnumKind:
		ed := fd.Enum()
		if ed == nil || ed.IsPlaceholder() || ed.Values().Len() == 0 {
			return nil, false
		}
		return int32(ed.Values().Get(0).Number()), true
	default:
		v := scalar(fd.Kind(), name, s.newID)
		return v, v != nil
	}
}

func scalar(kind protoreflect.Kind, name string, newID func() string) any {
	switch kind {
	case protoreflect.StringKind:
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "id") || strings.HasSuffix(lower, "id") {
			return newID()
		}
		return "Hello"
	case protoreflect.BoolKind:
		return true
	case protoreflect.Int32Kind:
		return int32(10)
	case protoreflect.Int64Kind:
		return int64(20)
	case protoreflect.Uint32Kind:
		return uint32(100)
	case protoreflect.Uint64Kind:
		return uint64(100)
	case protoreflect.Sint32Kind:
		return int32(100)
	case protoreflect.Sint64Kind:
		return int64(1200)
	case protoreflect.Fixed32Kind:
		return uint32(1400)
	case protoreflect.Fixed64Kind:
		return uint64(1500)
	case protoreflect.Sfixed32Kind:
		return int32(1600)
	case protoreflect.Sfixed64Kind:
		return int64(1700)
	case protoreflect.FloatKind:
		return float32(1.1)
	case protoreflect.DoubleKind:
		return 1.4
	case protoreflect.BytesKind:
		return []byte("Hello")
	}
	return nil
}

// Marshal renders a synthesized value as indented JSON for editing.
func Marshal(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
