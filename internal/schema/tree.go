// Package schema holds the descriptor tree consumed by the rest of the
// application: a namespace hierarchy over resolved protobuf files.
package schema

import (
	"fmt"
	"strings"

	qerrors "github.com/shhac/quill/internal/errors"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Node is an entry of the namespace hierarchy.
type Node interface {
	FullName() string
}

// Namespace groups nested namespaces and services. The root namespace has
// an empty name.
type Namespace struct {
	name     string
	fullName string // dot-prefixed path, "" for the root
	nested   []string
}

// Name returns the last path segment.
func (n *Namespace) Name() string { return n.name }

// FullName returns the dot-separated path from the root, without a leading dot.
func (n *Namespace) FullName() string { return strings.TrimPrefix(n.fullName, ".") }

// Nested returns the keys declared directly under n, in declaration order.
func (n *Namespace) Nested() []string { return append([]string(nil), n.nested...) }

// Service is a service declaration inside a namespace.
type Service struct {
	desc protoreflect.ServiceDescriptor
}

// FullName returns the fully qualified service name.
func (s *Service) FullName() string { return string(s.desc.FullName()) }

// Descriptor returns the underlying service descriptor.
func (s *Service) Descriptor() protoreflect.ServiceDescriptor { return s.desc }

// Tree is an immutable namespace hierarchy. Nodes are addressed by their
// dot-prefixed full name, the way Lookup resolves them.
type Tree struct {
	root  *Namespace
	nodes map[string]Node
	files []protoreflect.FileDescriptor
}

// NewTree builds a tree from files and everything they import.
func NewTree(files ...protoreflect.FileDescriptor) *Tree {
	t := newTree()
	seen := make(map[string]bool)

	var add func(fd protoreflect.FileDescriptor)
	add = func(fd protoreflect.FileDescriptor) {
		if seen[fd.Path()] {
			return
		}
		seen[fd.Path()] = true
		t.files = append(t.files, fd)

		imports := fd.Imports()
		for i := range imports.Len() {
			if imp := imports.Get(i).FileDescriptor; imp != nil && !imp.IsPlaceholder() {
				add(imp)
			}
		}

		ns := t.ensureNamespace(string(fd.Package()))
		services := fd.Services()
		for i := range services.Len() {
			sd := services.Get(i)
			t.insert(ns, string(sd.Name()), &Service{desc: sd})
		}
	}

	for _, fd := range files {
		add(fd)
	}
	return t
}

func newTree() *Tree {
	root := &Namespace{}
	return &Tree{
		root:  root,
		nodes: map[string]Node{"": root},
	}
}

// ensureNamespace returns the namespace for a package, creating the chain
// of parents as needed.
func (t *Tree) ensureNamespace(pkg string) *Namespace {
	ns := t.root
	if pkg == "" {
		return ns
	}
	for _, segment := range strings.Split(pkg, ".") {
		key := ns.fullName + "." + segment
		if existing, ok := t.nodes[key].(*Namespace); ok {
			ns = existing
			continue
		}
		child := &Namespace{name: segment, fullName: key}
		t.insert(ns, segment, child)
		ns = child
	}
	return ns
}

func (t *Tree) insert(parent *Namespace, key string, node Node) {
	full := parent.fullName + "." + key
	if _, exists := t.nodes[full]; !exists {
		parent.nested = append(parent.nested, key)
	}
	t.nodes[full] = node
}

// Root returns the root namespace.
func (t *Tree) Root() *Namespace { return t.root }

// Files returns every file in the tree, imports included.
func (t *Tree) Files() []protoreflect.FileDescriptor {
	return append([]protoreflect.FileDescriptor(nil), t.files...)
}

// Lookup resolves a full name, with or without a leading dot.
// It returns nil when nothing is declared under that name.
func (t *Tree) Lookup(fullName string) Node {
	if fullName != "" && !strings.HasPrefix(fullName, ".") {
		fullName = "." + fullName
	}
	return t.nodes[fullName]
}

// FindMethod resolves a method from "pkg.Service/Method",
// "/pkg.Service/Method" or "pkg.Service.Method".
func (t *Tree) FindMethod(path string) (protoreflect.MethodDescriptor, error) {
	path = strings.TrimPrefix(path, "/")
	sep := strings.LastIndex(path, "/")
	if sep < 0 {
		sep = strings.LastIndex(path, ".")
	}
	if sep <= 0 || sep == len(path)-1 {
		return nil, fmt.Errorf("%w: malformed method name %q", qerrors.ErrMethodNotFound, path)
	}

	serviceName, methodName := path[:sep], path[sep+1:]
	svc, ok := t.Lookup(serviceName).(*Service)
	if !ok {
		return nil, fmt.Errorf("%w: service %s is not declared", qerrors.ErrMethodNotFound, serviceName)
	}

	md := svc.desc.Methods().ByName(protoreflect.Name(methodName))
	if md == nil {
		return nil, fmt.Errorf("%w: method %s not found in service %s", qerrors.ErrMethodNotFound, methodName, serviceName)
	}
	return md, nil
}

// FindMessage resolves a message declared in any file of the tree.
func (t *Tree) FindMessage(fullName string) (protoreflect.MessageDescriptor, error) {
	name := protoreflect.FullName(strings.TrimPrefix(fullName, "."))
	for _, fd := range t.files {
		if md := findMessage(fd.Messages(), name); md != nil {
			return md, nil
		}
	}
	return nil, fmt.Errorf("%w: message %s not found", qerrors.ErrInvalidDescriptor, name)
}

func findMessage(msgs protoreflect.MessageDescriptors, name protoreflect.FullName) protoreflect.MessageDescriptor {
	for i := range msgs.Len() {
		md := msgs.Get(i)
		if md.FullName() == name {
			return md
		}
		if strings.HasPrefix(string(name), string(md.FullName())+".") {
			if nested := findMessage(md.Messages(), name); nested != nil {
				return nested
			}
		}
	}
	return nil
}
