package schema

import (
	"testing"

	qerrors "github.com/shhac/quill/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTree_Namespaces(t *testing.T) {
	tree, err := LoadSources(acmeSources)
	require.NoError(t, err)

	assert.Equal(t, []string{"acme", "Ping"}, tree.Root().Nested())

	acme, ok := tree.Lookup("acme").(*Namespace)
	require.True(t, ok)
	assert.Equal(t, "acme", acme.Name())
	assert.Equal(t, "acme", acme.FullName())
	assert.Equal(t, []string{"billing", "orders"}, acme.Nested())

	v1, ok := tree.Lookup(".acme.orders.v1").(*Namespace)
	require.True(t, ok)
	assert.Equal(t, "acme.orders.v1", v1.FullName())

	assert.Nil(t, tree.Lookup("acme.nope"))
}

func TestTree_FindMethod(t *testing.T) {
	tree, err := LoadSources(acmeSources)
	require.NoError(t, err)

	for _, path := range []string{
		"acme.orders.v1.Orders/Watch",
		"/acme.orders.v1.Orders/Watch",
		"acme.orders.v1.Orders.Watch",
	} {
		t.Run(path, func(t *testing.T) {
			md, err := tree.FindMethod(path)
			require.NoError(t, err)
			assert.Equal(t, "acme.orders.v1.Orders.Watch", string(md.FullName()))
			assert.True(t, md.IsStreamingServer())
		})
	}
}

func TestTree_FindMethodErrors(t *testing.T) {
	tree, err := LoadSources(acmeSources)
	require.NoError(t, err)

	for _, path := range []string{
		"acme.orders.v1.Orders/Missing",
		"acme.orders.v1.Nope/Get",
		"acme.orders",
		"Watch",
		"acme.orders.v1.Orders/",
	} {
		t.Run(path, func(t *testing.T) {
			_, err := tree.FindMethod(path)
			assert.ErrorIs(t, err, qerrors.ErrMethodNotFound)
		})
	}
}

func TestTree_FindMessage(t *testing.T) {
	tree, err := LoadSources(map[string]string{
		"nested.proto": `syntax = "proto3";
package n;
message Outer {
  message Inner { string id = 1; }
  Inner inner = 1;
}
`,
	})
	require.NoError(t, err)

	md, err := tree.FindMessage(".n.Outer.Inner")
	require.NoError(t, err)
	assert.Equal(t, "n.Outer.Inner", string(md.FullName()))

	_, err = tree.FindMessage("n.Missing")
	assert.ErrorIs(t, err, qerrors.ErrInvalidDescriptor)
}
