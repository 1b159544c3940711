package observer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddIsUniqueByDefault(t *testing.T) {
	l := New[string](nil)
	require.True(t, l.Add("a", true))
	require.False(t, l.Add("a", true))
	require.Equal(t, 1, l.Size())
	require.True(t, l.Add("a", false))
	require.Equal(t, 2, l.Size())
}

func TestIterateVisitsEveryObserver(t *testing.T) {
	l := New[string](nil)
	l.Add("a", true)
	l.Add("b", true)
	l.Add("c", true)

	var seen []string
	l.Iterate(func(s string) { seen = append(seen, s) })
	require.ElementsMatch(t, []string{"a", "b", "c"}, seen)
}

func TestRemoveDuringIterationIsSafeAndSkipsRemoved(t *testing.T) {
	l := New[string](nil)
	l.Add("a", true)
	l.Add("b", true)
	l.Add("c", true)

	var seen []string
	l.Iterate(func(s string) {
		seen = append(seen, s)
		if s == "b" {
			l.Remove("b")
		}
	})
	require.Contains(t, seen, "a")
	require.Contains(t, seen, "c")
	require.False(t, l.Remove("b")) // already gone
	require.Equal(t, 2, l.Size())
}

func TestAddDuringIterationIsNotVisitedThisPass(t *testing.T) {
	l := New[string](nil)
	l.Add("a", true)

	var seen []string
	l.Iterate(func(s string) {
		seen = append(seen, s)
		l.Add("late", true)
	})
	require.Equal(t, []string{"a"}, seen)
	require.Equal(t, 2, l.Size())
}

func TestReentrantIteratePanics(t *testing.T) {
	l := New[string](nil)
	l.Add("a", true)

	require.Panics(t, func() {
		l.Iterate(func(s string) {
			l.Iterate(func(string) {})
		})
	})
}

func TestPanicInCallbackDoesNotAbortIteration(t *testing.T) {
	l := New[string](nil)
	l.Add("a", true)
	l.Add("b", true)

	var seen []string
	l.Iterate(func(s string) {
		seen = append(seen, s)
		if s == "a" {
			panic("boom")
		}
	})
	require.ElementsMatch(t, []string{"a", "b"}, seen)
}
