package arbitration_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aretw0/orchestra/pkg/arbitration"
	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func req(wf, node, class string) arbitration.Request {
	return arbitration.Request{Workflow: domain.WorkflowID(wf), Node: domain.NodeID(node), Class: class}
}

func granted(t *arbitration.Ticket) bool {
	select {
	case <-t.Ready():
		return true
	default:
		return false
	}
}

func TestArbiter_SecondWorkflowQueuedUntilRelease(t *testing.T) {
	a := arbitration.New()

	first := a.Request(req("wf-1", "n", "gpu"))
	require.Equal(t, arbitration.Granted, first.Outcome)

	second := a.Request(req("wf-2", "n", "gpu"))
	require.Equal(t, arbitration.Queued, second.Outcome)
	assert.Equal(t, 1, second.Position)
	assert.False(t, granted(second.Ticket))

	done := make(chan error, 1)
	go func() { done <- a.Wait(context.Background(), second.Ticket) }()

	select {
	case <-done:
		t.Fatal("queued request granted while the first holds the class")
	case <-time.After(30 * time.Millisecond):
	}

	a.Release(first.Ticket)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("queued request not granted after release")
	}

	g, q := a.Outstanding("wf-2")
	assert.Equal(t, 1, g)
	assert.Equal(t, 0, q)
	g, _ = a.Outstanding("wf-1")
	assert.Equal(t, 0, g)
}

func TestArbiter_QueueIsFIFOWithinQuota(t *testing.T) {
	a := arbitration.New(arbitration.WithQuota(1))

	holder := a.Request(req("h", "n", "c"))
	r1 := a.Request(req("a", "n", "c"))
	r2 := a.Request(req("b", "n", "c"))
	assert.Equal(t, 2, r2.Position)

	a.Release(holder.Ticket)
	assert.True(t, granted(r1.Ticket))
	assert.False(t, granted(r2.Ticket))

	a.Release(r1.Ticket)
	assert.True(t, granted(r2.Ticket))
}

func TestArbiter_FairnessBumpsWorkflowOverQuota(t *testing.T) {
	a := arbitration.New(
		arbitration.WithQuota(1),
		arbitration.WithClass("llm", arbitration.ClassConfig{Capacity: 2}),
	)

	bigHeld := a.Request(req("big", "b1", "llm"))
	smallHeld := a.Request(req("small", "s1", "llm"))
	require.Equal(t, arbitration.Granted, bigHeld.Outcome)
	require.Equal(t, arbitration.Granted, smallHeld.Outcome)

	bigNext := a.Request(req("big", "b2", "llm"))
	smallNext := a.Request(req("small", "s2", "llm"))
	require.Equal(t, arbitration.Queued, bigNext.Outcome)
	require.Equal(t, arbitration.Queued, smallNext.Outcome)

	// big already holds its quota, so the younger small request goes first
	a.Release(smallHeld.Ticket)
	assert.True(t, granted(smallNext.Ticket))
	assert.False(t, granted(bigNext.Ticket))

	// big has been passed once; it cannot be passed again
	smallLater := a.Request(req("small", "s3", "llm"))
	require.Equal(t, arbitration.Queued, smallLater.Outcome)
	a.Release(smallNext.Ticket)
	assert.True(t, granted(bigNext.Ticket))
	assert.False(t, granted(smallLater.Ticket))
}

func TestArbiter_DenyQueueFull(t *testing.T) {
	a := arbitration.New(arbitration.WithDefaultClass(arbitration.ClassConfig{Capacity: 1, MaxQueue: 1}))

	a.Request(req("a", "n", "c"))
	a.Request(req("b", "n", "c"))
	res := a.Request(req("c", "n", "c"))

	require.Equal(t, arbitration.Denied, res.Outcome)
	assert.Equal(t, arbitration.ReasonQueueFull, res.Reason)

	var denied *domain.ArbitrationDenied
	require.True(t, errors.As(res.Err(), &denied))
	assert.Equal(t, "c", denied.Class)
	assert.Equal(t, domain.KindArbitration, domain.KindOf(res.Err()))
}

func TestArbiter_StrictDeniesUnknownClass(t *testing.T) {
	a := arbitration.New(arbitration.WithStrictClasses(), arbitration.WithClass("known", arbitration.ClassConfig{}))

	assert.Equal(t, arbitration.Granted, a.Request(req("a", "n", "known")).Outcome)
	res := a.Request(req("a", "n", "unknown"))
	assert.Equal(t, arbitration.Denied, res.Outcome)
	assert.Equal(t, arbitration.ReasonUnknownClass, res.Reason)
}

func TestArbiter_WaitCancelLeavesQueue(t *testing.T) {
	a := arbitration.New()
	holder := a.Request(req("a", "n", "c"))
	queued := a.Request(req("b", "n", "c"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := a.Wait(ctx, queued.Ticket)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, q := a.Outstanding("b")
	assert.Equal(t, 0, q)

	a.Release(holder.Ticket)
	g, _ := a.Outstanding("b")
	assert.Equal(t, 0, g)
}

func TestArbiter_CloseWorkflowKeepsActiveGrants(t *testing.T) {
	a := arbitration.New()
	held := a.Request(req("victim", "n1", "x"))
	require.Equal(t, arbitration.Granted, held.Outcome)
	queuedOther := a.Request(req("other", "n1", "x"))
	queuedVictim := a.Request(req("victim", "n2", "x"))

	done := make(chan error, 1)
	go func() { done <- a.Wait(context.Background(), queuedVictim.Ticket) }()

	n := a.CloseWorkflow("victim")
	assert.Equal(t, 1, n)

	select {
	case err := <-done:
		var denied *domain.ArbitrationDenied
		require.ErrorAs(t, err, &denied)
		assert.Equal(t, arbitration.ReasonWorkflowClosed, denied.Reason)
	case <-time.After(time.Second):
		t.Fatal("waiter of closed workflow was not woken")
	}

	// the running node still owns the class
	assert.False(t, granted(queuedOther.Ticket))
	g, q := a.Outstanding("victim")
	assert.Equal(t, 1, g)
	assert.Zero(t, q)

	a.Release(held.Ticket)
	assert.True(t, granted(queuedOther.Ticket))

	assert.Equal(t, arbitration.Denied, a.Request(req("victim", "n3", "x")).Outcome)
	a.Reopen("victim")
	assert.Equal(t, arbitration.Queued, a.Request(req("victim", "n3", "x")).Outcome)
}

func TestArbiter_ReleaseWorkflowDropsEverything(t *testing.T) {
	a := arbitration.New()
	held := a.Request(req("victim", "n1", "x"))
	require.Equal(t, arbitration.Granted, held.Outcome)
	queuedOther := a.Request(req("other", "n1", "x"))
	a.Request(req("victim", "n2", "x"))

	assert.Equal(t, 2, a.ReleaseWorkflow("victim"))
	assert.True(t, granted(queuedOther.Ticket))
	g, q := a.Outstanding("victim")
	assert.Zero(t, g)
	assert.Zero(t, q)

	// the stale ticket no longer counts against the class
	a.Release(held.Ticket)
	stats := a.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Active)
}

func TestArbiter_ReleaseTwiceIsNoop(t *testing.T) {
	a := arbitration.New()
	first := a.Request(req("a", "n", "c"))
	second := a.Request(req("b", "n", "c"))

	a.Release(first.Ticket)
	a.Release(first.Ticket)
	assert.True(t, granted(second.Ticket))

	stats := a.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Active)
	assert.Equal(t, uint64(2), stats[0].Granted)
}
