package task

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryLastRegistrationWins(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Definition{Name: "course.generate", Description: "first"})
	reg.Register(Definition{Name: "course.generate", Description: "second"})

	def, ok := reg.Lookup("course.generate")
	require.True(t, ok)
	require.Equal(t, "second", def.Description)
	require.Len(t, reg.List(), 1)
}

func TestRegistryLookupUnknown(t *testing.T) {
	reg := NewRegistry()
	_, ok := reg.Lookup("nope")
	require.False(t, ok)
}

func TestRegistryListSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Definition{Name: "b"})
	reg.Register(Definition{Name: "a"})
	reg.Register(Definition{Name: "c"})

	defs := reg.List()
	require.Equal(t, []string{"a", "b", "c"}, []string{defs[0].Name, defs[1].Name, defs[2].Name})
}

var errBoom = errors.New("boom")

func TestPermanentErrorCarriesUserMessage(t *testing.T) {
	err := PermanentData(errBoom, "Schedule creation failed.", []int{1, 2})
	perm, ok := AsPermanent(err)
	require.True(t, ok)
	require.Equal(t, "Schedule creation failed.", perm.UserMessage())
	require.Equal(t, []int{1, 2}, perm.Data())
	require.ErrorIs(t, err, errBoom)

	_, ok = AsPermanent(errBoom)
	require.False(t, ok)
}
