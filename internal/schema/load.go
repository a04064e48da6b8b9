package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jhump/protoreflect/desc/protoparse"
	qerrors "github.com/shhac/quill/internal/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// LoadFiles parses .proto sources from disk. Files outside every import
// path are resolved relative to their own directory.
func LoadFiles(importPaths []string, files ...string) (*Tree, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no proto files given", qerrors.ErrInvalidDescriptor)
	}

	paths := slices.Clone(importPaths)
	names := make([]string, 0, len(files))
	for _, f := range files {
		name, ok := relativeTo(importPaths, f)
		if !ok {
			dir := filepath.Dir(f)
			if !slices.Contains(paths, dir) {
				paths = append(paths, dir)
			}
			name = filepath.Base(f)
		}
		names = append(names, name)
	}

	return parse(protoparse.Parser{ImportPaths: paths}, names)
}

// LoadSources parses in-memory .proto sources keyed by file name.
func LoadSources(sources map[string]string) (*Tree, error) {
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	slices.Sort(names)

	return parse(protoparse.Parser{Accessor: protoparse.FileContentsFromMap(sources)}, names)
}

func parse(parser protoparse.Parser, names []string) (*Tree, error) {
	fds, err := parser.ParseFiles(names...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", qerrors.ErrInvalidDescriptor, err)
	}

	files := make([]protoreflect.FileDescriptor, 0, len(fds))
	for _, fd := range fds {
		files = append(files, fd.UnwrapFile())
	}
	return NewTree(files...), nil
}

func relativeTo(importPaths []string, file string) (string, bool) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return "", false
	}
	for _, p := range importPaths {
		root, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, rel)); err == nil {
			return filepath.ToSlash(rel), true
		}
	}
	return "", false
}

// LoadDescriptorSet builds a tree from a serialized FileDescriptorSet such
// as the output of protoc --descriptor_set_out. Missing imports and
// unknown types become placeholders instead of failing the load.
func LoadDescriptorSet(data []byte) (*Tree, error) {
	var set descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("%w: %w", qerrors.ErrInvalidDescriptor, err)
	}

	files, err := BuildFiles(set.GetFile())
	if err != nil {
		return nil, err
	}
	return NewTree(files...), nil
}

// BuildFiles turns raw file descriptor protos into resolved files.
// Dependencies present in protos are built before their dependents;
// anything else is looked up in the global registry and otherwise left
// as a placeholder.
func BuildFiles(protos []*descriptorpb.FileDescriptorProto) ([]protoreflect.FileDescriptor, error) {
	byName := make(map[string]*descriptorpb.FileDescriptorProto, len(protos))
	var order []string
	for _, fdp := range protos {
		if _, dup := byName[fdp.GetName()]; dup {
			continue
		}
		byName[fdp.GetName()] = fdp
		order = append(order, fdp.GetName())
	}

	opts := protodesc.FileOptions{AllowUnresolvable: true}
	local := new(protoregistry.Files)
	resolver := &combinedResolver{local: local, global: protoregistry.GlobalFiles}

	built := make(map[string]protoreflect.FileDescriptor, len(byName))
	inProgress := make(map[string]bool)

	var build func(name string) error
	build = func(name string) error {
		if _, ok := built[name]; ok || inProgress[name] {
			return nil
		}
		fdp := byName[name]
		if fdp == nil {
			return nil
		}
		inProgress[name] = true
		defer delete(inProgress, name)

		for _, dep := range fdp.GetDependency() {
			if err := build(dep); err != nil {
				return err
			}
		}

		// Prefer the compiled-in copy of files the binary already knows.
		if fd, err := protoregistry.GlobalFiles.FindFileByPath(name); err == nil {
			built[name] = fd
			return nil
		}

		fd, err := opts.New(fdp, resolver)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", qerrors.ErrInvalidDescriptor, name, err)
		}
		if err := local.RegisterFile(fd); err != nil {
			return fmt.Errorf("%w: %s: %w", qerrors.ErrInvalidDescriptor, name, err)
		}
		built[name] = fd
		return nil
	}

	files := make([]protoreflect.FileDescriptor, 0, len(order))
	for _, name := range order {
		if err := build(name); err != nil {
			return nil, err
		}
		files = append(files, built[name])
	}
	return files, nil
}

// combinedResolver tries local files first, then falls back to the global registry.
type combinedResolver struct {
	local  *protoregistry.Files
	global *protoregistry.Files
}

func (r *combinedResolver) FindFileByPath(path string) (protoreflect.FileDescriptor, error) {
	if fd, err := r.local.FindFileByPath(path); err == nil {
		return fd, nil
	}
	return r.global.FindFileByPath(path)
}

func (r *combinedResolver) FindDescriptorByName(name protoreflect.FullName) (protoreflect.Descriptor, error) {
	if d, err := r.local.FindDescriptorByName(name); err == nil {
		return d, nil
	}
	return r.global.FindDescriptorByName(name)
}
