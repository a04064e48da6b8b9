package schema

import (
	"fmt"
	"strings"

	"github.com/shhac/quill/internal/domain"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// ServiceEntry is one service found by Walk.
type ServiceEntry struct {
	QualifiedName string
	Service       protoreflect.ServiceDescriptor
}

// Diagnostic reports a malformed part of the tree that Walk skipped.
type Diagnostic struct {
	Namespace string
	Key       string
	Message   string
}

func (d Diagnostic) String() string {
	ns := d.Namespace
	if ns == "" {
		ns = "<root>"
	}
	return fmt.Sprintf("%s: %s: %s", ns, d.Key, d.Message)
}

// Walk traverses the tree depth-first and returns every service in
// declaration order. Namespaces reachable through several keys are
// visited once. Keys that resolve to nothing are reported as diagnostics
// and the walk carries on with their siblings.
func Walk(t *Tree) ([]ServiceEntry, []Diagnostic) {
	var (
		entries []ServiceEntry
		diags   []Diagnostic
		visited = make(map[*Namespace]bool)
	)

	var walk func(ns *Namespace)
	walk = func(ns *Namespace) {
		if visited[ns] {
			return
		}
		visited[ns] = true

		for _, key := range ns.nested {
			path := ns.fullName + "." + key
			switch node := t.nodes[path].(type) {
			case *Namespace:
				walk(node)
			case *Service:
				entries = append(entries, ServiceEntry{
					QualifiedName: strings.TrimPrefix(path, "."),
					Service:       node.desc,
				})
			case nil:
				diags = append(diags, Diagnostic{
					Namespace: ns.FullName(),
					Key:       key,
					Message:   "declared but not resolvable",
				})
			}
		}
	}

	walk(t.root)
	return entries, diags
}

// Catalog flattens the tree into the service list shown to the operator.
func Catalog(t *Tree) ([]domain.Service, []Diagnostic) {
	entries, diags := Walk(t)

	services := make([]domain.Service, 0, len(entries))
	for _, e := range entries {
		services = append(services, convertService(e))
	}
	return services, diags
}

// convertService converts a walked service into domain.Service
func convertService(e ServiceEntry) domain.Service {
	methods := e.Service.Methods()
	service := domain.Service{
		Name:     string(e.Service.Name()),
		FullName: e.QualifiedName,
		Methods:  make([]domain.Method, 0, methods.Len()),
	}

	for i := range methods.Len() {
		md := methods.Get(i)
		service.Methods = append(service.Methods, domain.Method{
			Name:           string(md.Name()),
			FullName:       string(md.FullName()),
			InputType:      string(md.Input().FullName()),
			OutputType:     string(md.Output().FullName()),
			IsClientStream: md.IsStreamingClient(),
			IsServerStream: md.IsStreamingServer(),
		})
	}

	if methods.Len() == 0 {
		service.Error = "service declares no methods"
	}
	return service
}
