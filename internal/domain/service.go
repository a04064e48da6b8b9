package domain

// Service represents a service declared by a loaded schema
type Service struct {
	Name     string
	FullName string // Fully qualified name, without a leading dot
	Methods  []Method
	Error    string // non-empty when descriptor resolution failed
}

// Method represents a single RPC method of a Service
type Method struct {
	Name           string
	FullName       string
	InputType      string // Request message type name
	OutputType     string
	IsClientStream bool
	IsServerStream bool
}

// Path returns the method in "package.Service/Method" form.
func (m Method) Path(service string) string {
	return service + "/" + m.Name
}

// MethodType returns the RPC type (Unary, ServerStream, ClientStream, or BidiStream)
func (m Method) MethodType() string {
	if m.IsClientStream && m.IsServerStream {
		return "BidiStream"
	}
	if m.IsServerStream {
		return "ServerStream"
	}
	if m.IsClientStream {
		return "ClientStream"
	}
	return "Unary"
}

// UsesStream reports whether either side of the method streams.
func (m Method) UsesStream() bool {
	return m.IsClientStream || m.IsServerStream
}
