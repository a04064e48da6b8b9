package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"fyne.io/fyne/v2/data/binding"
	"github.com/shhac/quill/internal/call"
	"github.com/shhac/quill/internal/domain"
)

// ApplicationState is the presentation state of one operator session, held
// in Fyne data bindings so any front end can observe it.
type ApplicationState struct {
	// Connection state
	CurrentServer binding.String
	Web           binding.Bool

	// Selection state
	SelectedService binding.String
	SelectedMethod  binding.String

	// Request/Response state
	Request  *RequestState
	Response *ResponseState

	// Services discovered from the loaded schema
	Services    binding.UntypedList // []domain.Service
	Diagnostics binding.StringList
}

// NewApplicationState creates a new ApplicationState with initialized bindings.
func NewApplicationState() *ApplicationState {
	return &ApplicationState{
		CurrentServer:   binding.NewString(),
		Web:             binding.NewBool(),
		SelectedService: binding.NewString(),
		SelectedMethod:  binding.NewString(),
		Request:         NewRequestState(),
		Response:        NewResponseState(),
		Services:        binding.NewUntypedList(),
		Diagnostics:     binding.NewStringList(),
	}
}

// SetCatalog replaces the service list and the schema diagnostics.
func (s *ApplicationState) SetCatalog(services []domain.Service, diagnostics []string) error {
	items := make([]any, 0, len(services))
	for _, svc := range services {
		items = append(items, svc)
	}
	if err := s.Services.Set(items); err != nil {
		return err
	}
	return s.Diagnostics.Set(diagnostics)
}

// Select records the chosen method and loads its example payload into the
// request editor.
func (s *ApplicationState) Select(service, method, payload string) error {
	if err := s.SelectedService.Set(service); err != nil {
		return err
	}
	if err := s.SelectedMethod.Set(method); err != nil {
		return err
	}
	return s.Request.TextData.Set(payload)
}

// RequestState represents the state of the request panel.
type RequestState struct {
	TextData    binding.String     // JSON representation
	Metadata    binding.StringList // Request metadata headers, "key: value"
	Interactive binding.Bool       // Keep client streams open until committed
}

// NewRequestState creates a new RequestState with initialized bindings.
func NewRequestState() *RequestState {
	return &RequestState{
		TextData:    binding.NewString(),
		Metadata:    binding.NewStringList(),
		Interactive: binding.NewBool(),
	}
}

// ResponseState represents the state of the response panel.
type ResponseState struct {
	TextData binding.String     // Last response message, indented
	Items    binding.StringList // Every streamed message, in arrival order
	Loading  binding.Bool       // Whether the call is in flight
	Error    binding.String     // Error message if the call failed
	Duration binding.String     // Call duration (e.g., "Duration: 123ms")
	Size     binding.String     // Received body size (e.g., "1.2 KB")

	bytes int
}

// NewResponseState creates a new ResponseState with initialized bindings.
func NewResponseState() *ResponseState {
	return &ResponseState{
		TextData: binding.NewString(),
		Items:    binding.NewStringList(),
		Loading:  binding.NewBool(),
		Error:    binding.NewString(),
		Duration: binding.NewString(),
		Size:     binding.NewString(),
	}
}

// Begin clears the previous response and marks a call as in flight.
func (r *ResponseState) Begin() {
	r.bytes = 0
	_ = r.TextData.Set("")
	_ = r.Items.Set(nil)
	_ = r.Error.Set("")
	_ = r.Duration.Set("")
	_ = r.Size.Set("")
	_ = r.Loading.Set(true)
}

// Apply folds one session event into the response state. Events must be
// applied in the order the session emits them.
func (r *ResponseState) Apply(ev call.Event) error {
	switch ev.Kind {
	case call.EventData:
		text := indent(ev.Payload)
		r.bytes += len(ev.Payload)
		if err := r.TextData.Set(text); err != nil {
			return err
		}
		if err := r.Items.Append(text); err != nil {
			return err
		}
		return r.Size.Set(FormatSize(r.bytes))

	case call.EventError:
		msg := ev.Message
		if msg == "" && ev.Err != nil {
			msg = ev.Err.Error()
		}
		return r.Error.Set(msg)

	case call.EventEnd:
		if err := r.Duration.Set("Duration: " + ev.Elapsed.Round(time.Millisecond).String()); err != nil {
			return err
		}
		return r.Loading.Set(false)
	}
	return nil
}

// FormatSize renders a byte count for display.
func FormatSize(n int) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	}
}

func indent(payload []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		return string(payload)
	}
	return buf.String()
}
