package asyncmix

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllFulfillsInInputOrder(t *testing.T) {
	loop := newTestLoop(t)

	a, resolveA, _ := loop.NewPromise()
	b, resolveB, _ := loop.NewPromise()
	c, resolveC, _ := loop.NewPromise()

	result := loop.All([]*Promise{a, b, c})

	// Settle in reverse to prove positions come from the input, not from
	// settlement order.
	resolveC("third")
	resolveB("second")
	resolveA("first")

	v, err := result.Await(context.Background())
	require.NoError(t, err)
	values, ok := v.([]Result)
	require.True(t, ok, "All should fulfill with []Result, got %T", v)
	assert.Equal(t, []Result{"first", "second", "third"}, values)
}

func TestAllEmptyInput(t *testing.T) {
	loop := newTestLoop(t)

	v, err := loop.All(nil).Await(context.Background())
	require.NoError(t, err)
	values, ok := v.([]Result)
	require.True(t, ok)
	assert.Empty(t, values)
}

func TestAllRejectsOnFirstFailure(t *testing.T) {
	loop := newTestLoop(t)

	a, resolveA, _ := loop.NewPromise()
	b, _, rejectB := loop.NewPromise()
	c, resolveC, _ := loop.NewPromise()

	result := loop.All([]*Promise{a, b, c})
	result.Catch(func(reason error) (Result, error) { return nil, nil })

	boom := errors.New("b failed")
	rejectB(boom)

	_, err := result.Await(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, Rejected, result.State())

	// Late fulfillments must not flip the outcome.
	resolveA("late a")
	resolveC("late c")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Rejected, result.State())
	assert.ErrorIs(t, result.Reason(), boom)
}

func TestAllSettledReportsEveryOutcome(t *testing.T) {
	loop := newTestLoop(t)

	a, resolveA, _ := loop.NewPromise()
	b, _, rejectB := loop.NewPromise()
	c, resolveC, _ := loop.NewPromise()

	result := loop.AllSettled([]*Promise{a, b, c})

	boom := errors.New("b failed")
	rejectB(boom)
	resolveC(3)
	resolveA(1)

	v, err := result.Await(context.Background())
	require.NoError(t, err, "AllSettled should never reject")
	outcomes, ok := v.([]Settlement)
	require.True(t, ok, "AllSettled should fulfill with []Settlement, got %T", v)
	require.Len(t, outcomes, 3)

	assert.Equal(t, Fulfilled, outcomes[0].State)
	assert.Equal(t, 1, outcomes[0].Value)
	assert.Equal(t, Rejected, outcomes[1].State)
	assert.ErrorIs(t, outcomes[1].Err, boom)
	assert.Equal(t, Fulfilled, outcomes[2].State)
	assert.Equal(t, 3, outcomes[2].Value)
}

func TestAllSettledEmptyInput(t *testing.T) {
	loop := newTestLoop(t)

	v, err := loop.AllSettled(nil).Await(context.Background())
	require.NoError(t, err)
	outcomes, ok := v.([]Settlement)
	require.True(t, ok)
	assert.Empty(t, outcomes)
}

func TestAnyFirstFulfillmentWins(t *testing.T) {
	loop := newTestLoop(t)

	a, _, rejectA := loop.NewPromise()
	b, resolveB, _ := loop.NewPromise()
	c, resolveC, _ := loop.NewPromise()

	result := loop.Any([]*Promise{a, b, c})

	rejectA(errors.New("a failed"))
	resolveB("b wins")
	resolveC("c too slow")

	v, err := result.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b wins", v)
}

func TestAnyAllRejected(t *testing.T) {
	loop := newTestLoop(t)

	a, _, rejectA := loop.NewPromise()
	b, _, rejectB := loop.NewPromise()

	result := loop.Any([]*Promise{a, b})
	result.Catch(func(reason error) (Result, error) { return nil, nil })

	errA := errors.New("a failed")
	errB := errors.New("b failed")
	// Reject out of order; reasons must still land in input order.
	rejectB(errB)
	rejectA(errA)

	_, err := result.Await(context.Background())
	require.Error(t, err)

	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	assert.Equal(t, "asyncmix: all promises were rejected", agg.Message)
	require.Len(t, agg.Errors, 2)
	assert.ErrorIs(t, agg.Errors[0], errA)
	assert.ErrorIs(t, agg.Errors[1], errB)

	// Multi-error unwrapping reaches every contained reason.
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
}

func TestAnyEmptyInput(t *testing.T) {
	loop := newTestLoop(t)

	result := loop.Any(nil)
	result.Catch(func(reason error) (Result, error) { return nil, nil })

	_, err := result.Await(context.Background())
	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	assert.Empty(t, agg.Errors)
}

func TestRaceFirstSettlementWins(t *testing.T) {
	loop := newTestLoop(t)

	a, resolveA, _ := loop.NewPromise()
	b, _, rejectB := loop.NewPromise()

	result := loop.Race([]*Promise{a, b})
	resolveA("a first")
	rejectB(errors.New("b late"))

	v, err := result.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a first", v)

	c, resolveC, _ := loop.NewPromise()
	d, _, rejectD := loop.NewPromise()

	lost := loop.Race([]*Promise{c, d})
	lost.Catch(func(reason error) (Result, error) { return nil, nil })
	boom := errors.New("d first")
	rejectD(boom)
	resolveC("c late")

	_, err = lost.Await(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestRaceEmptyInputNeverSettles(t *testing.T) {
	loop := newTestLoop(t)

	result := loop.Race(nil)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, Pending, result.State())
}

func TestTryCapturesOutcomes(t *testing.T) {
	loop := newTestLoop(t)

	v, err := loop.Try(func() (Result, error) { return "ok", nil }).Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	boom := errors.New("returned failure")
	p := loop.Try(func() (Result, error) { return nil, boom })
	p.Catch(func(reason error) (Result, error) { return nil, nil })
	_, err = p.Await(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestTryCapturesPanic(t *testing.T) {
	loop := newTestLoop(t)

	p := loop.Try(func() (Result, error) { panic("try exploded") })
	p.Catch(func(reason error) (Result, error) { return nil, nil })

	_, err := p.Await(context.Background())
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "try exploded", pe.Value)
}

func TestTryNilFunction(t *testing.T) {
	loop := newTestLoop(t)

	p := loop.Try(nil)
	p.Catch(func(reason error) (Result, error) { return nil, nil })

	_, err := p.Await(context.Background())
	var typeErr *TypeError
	assert.ErrorAs(t, err, &typeErr)
}

func TestWithResolvers(t *testing.T) {
	loop := newTestLoop(t)

	pr := loop.WithResolvers()
	require.NotNil(t, pr.Promise)
	require.NotNil(t, pr.Resolve)
	require.NotNil(t, pr.Reject)
	assert.Equal(t, Pending, pr.Promise.State())

	pr.Resolve("bundled")
	v, err := pr.Promise.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bundled", v)
}
