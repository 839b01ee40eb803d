package future

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettlesOnce(t *testing.T) {
	f := New[int]()
	assert.False(t, f.Settled())

	assert.True(t, f.Resolve(1))
	assert.False(t, f.Resolve(2))
	assert.False(t, f.Reject(errors.New("late")))

	v, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestThenBeforeAndAfterSettle(t *testing.T) {
	f := New[string]()

	var got []string
	f.Then(func(v string, err error) { got = append(got, "early:"+v) })
	assert.Empty(t, got)

	f.Resolve("x")
	f.Then(func(v string, err error) { got = append(got, "late:"+v) })

	assert.Equal(t, []string{"early:x", "late:x"}, got)
}

func TestWait(t *testing.T) {
	f := New[int]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Reject(errors.New("boom"))
	}()

	_, err := f.Wait(context.Background())
	assert.EqualError(t, err, "boom")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = New[int]().Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAll(t *testing.T) {
	a, b := New[int](), New[int]()
	all := All([]*Future[int]{a, b})

	b.Resolve(2)
	assert.False(t, all.Settled())
	a.Resolve(1)

	v, err := all.Result()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, v)
}

func TestAllRejectsAndEmpty(t *testing.T) {
	boom := errors.New("boom")
	all := All([]*Future[int]{New[int](), Rejected[int](boom)})
	_, err := all.Result()
	assert.ErrorIs(t, err, boom)

	empty := All[int](nil)
	v, err := empty.Result()
	require.NoError(t, err)
	assert.Empty(t, v)
	assert.True(t, empty.Settled())
}

func TestAllNeverSettlesWithPendingInput(t *testing.T) {
	all := All([]*Future[int]{Resolved(1), New[int]()})
	assert.False(t, all.Settled())
}
