package procedure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStart_RejectsSecondChildOfSameKind(t *testing.T) {
	root := NewSpecific(KindAttach)
	_, err := root.Start(KindIdentification, nil, nil, nil)
	require.NoError(t, err)

	_, err = root.Start(KindIdentification, nil, nil, nil)
	assert.Error(t, err, "invariant 4: only one common procedure of a given kind per specific procedure")
}

func TestStart_RejectsNonCommonKind(t *testing.T) {
	root := NewSpecific(KindAttach)
	_, err := root.Start(KindAttach, nil, nil, nil)
	assert.Error(t, err)
}

func TestStart_AllowsDifferentKindsConcurrently(t *testing.T) {
	root := NewSpecific(KindAttach)
	_, err := root.Start(KindIdentification, nil, nil, nil)
	require.NoError(t, err)
	_, err = root.Start(KindAuthentication, nil, nil, nil)
	assert.NoError(t, err)
}

func TestComplete_SuccessInvokesOnSuccessAndDetaches(t *testing.T) {
	root := NewSpecific(KindAttach)
	var succeeded, failed bool
	child, err := root.Start(KindIdentification, nil, func() { succeeded = true }, func() { failed = true })
	require.NoError(t, err)

	root.Complete(child, true)

	assert.True(t, succeeded)
	assert.False(t, failed)
	assert.False(t, root.IsRunning(KindIdentification))
}

func TestComplete_FailureInvokesOnFailure(t *testing.T) {
	root := NewSpecific(KindAttach)
	var failed bool
	child, err := root.Start(KindAuthentication, nil, nil, func() { failed = true })
	require.NoError(t, err)

	root.Complete(child, false)
	assert.True(t, failed)
}

func TestComplete_AllowsRestartAfterDetach(t *testing.T) {
	root := NewSpecific(KindAttach)
	child, err := root.Start(KindIdentification, nil, nil, nil)
	require.NoError(t, err)
	root.Complete(child, true)

	_, err = root.Start(KindIdentification, nil, nil, nil)
	assert.NoError(t, err)
}

func TestAbort_TearsDownChildrenThenSelf(t *testing.T) {
	root := NewSpecific(KindAttach)
	var order []string
	root.OnAbort = func() { order = append(order, "root") }
	_, err := root.Start(KindIdentification, nil, nil, nil)
	require.NoError(t, err)
	child := root.GetRunning(KindIdentification)
	child.OnAbort = func() { order = append(order, "child") }

	err = root.Abort()
	assert.NoError(t, err)
	assert.Equal(t, []string{"child", "root"}, order)
	assert.False(t, root.IsRunning(KindIdentification))
}

func TestAbort_AggregatesPanicsWithoutStoppingTeardown(t *testing.T) {
	root := NewSpecific(KindAttach)
	var rootAborted bool
	root.OnAbort = func() { rootAborted = true }
	_, err := root.Start(KindIdentification, nil, nil, nil)
	require.NoError(t, err)
	child := root.GetRunning(KindIdentification)
	child.OnAbort = func() { panic("boom") }

	err = root.Abort()
	assert.Error(t, err)
	assert.True(t, rootAborted, "root's abort handler must still run after a child handler panics")
}

func TestKind_IsCommon(t *testing.T) {
	assert.True(t, KindSecurityMode.IsCommon())
	assert.False(t, KindAttach.IsCommon())
}
