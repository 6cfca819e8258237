package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := Stale("cache.checkReorg", fmt.Errorf("boom"))
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindStale, kind)
}

func TestKindOfWrapped(t *testing.T) {
	inner := Fatal("cache.checkReorg", fmt.Errorf("disagreement"))
	wrapped := fmt.Errorf("cache.advanceLocked: %w", inner)
	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	require.Equal(t, KindFatal, kind)
}

func TestKindOfUnclassified(t *testing.T) {
	_, ok := KindOf(errors.New("plain error"))
	require.False(t, ok)
}

func TestKindString(t *testing.T) {
	require.Equal(t, "transient", KindTransient.String())
	require.Equal(t, "fatal", KindFatal.String())
	require.Equal(t, "unknown", Kind(99).String())
}
