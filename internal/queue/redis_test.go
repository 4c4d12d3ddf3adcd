package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/varianteffect/mavedb-worker/internal/platform/logger"
)

func newGateway(t *testing.T) Gateway {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisGateway(logger.NewNop(), rdb)
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	gw := newGateway(t)
	ctx := context.Background()
	jobID := uuid.New()

	ok, err := gw.Enqueue(ctx, "map_variants_for_score_set", jobID)
	if err != nil || !ok {
		t.Fatalf("enqueue = (%v, %v)", ok, err)
	}

	msg, err := gw.Dequeue(ctx, "map_variants_for_score_set")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if msg == nil || msg.JobID != jobID {
		t.Fatalf("msg = %+v, want job %s", msg, jobID)
	}
	if msg.ClientJobID != jobID.String() {
		t.Fatalf("client job id defaulted to %q", msg.ClientJobID)
	}

	msg, err = gw.Dequeue(ctx, "map_variants_for_score_set")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if msg != nil {
		t.Fatalf("queue should be empty, got %+v", msg)
	}
}

func TestEnqueueCoalescesOnClientJobID(t *testing.T) {
	gw := newGateway(t)
	ctx := context.Background()
	urn := "urn:mavedb:job:" + uuid.NewString()

	first := uuid.New()
	if ok, err := gw.Enqueue(ctx, "link_clingen_variants", first, WithClientJobID(urn)); err != nil || !ok {
		t.Fatalf("first enqueue = (%v, %v)", ok, err)
	}
	// Second submission for the same job while the first is outstanding.
	if ok, err := gw.Enqueue(ctx, "link_clingen_variants", uuid.New(), WithClientJobID(urn)); err != nil || !ok {
		t.Fatalf("coalesced enqueue = (%v, %v)", ok, err)
	}

	msg, err := gw.Dequeue(ctx, "link_clingen_variants")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if msg == nil || msg.JobID != first {
		t.Fatalf("msg = %+v, want the first submission only", msg)
	}
	if again, _ := gw.Dequeue(ctx, "link_clingen_variants"); again != nil {
		t.Fatalf("duplicate delivered: %+v", again)
	}
}

func TestReleaseAllowsReenqueue(t *testing.T) {
	gw := newGateway(t)
	ctx := context.Background()
	urn := "urn:mavedb:job:" + uuid.NewString()
	jobID := uuid.New()

	if ok, err := gw.Enqueue(ctx, "map_variants_for_score_set", jobID, WithClientJobID(urn)); err != nil || !ok {
		t.Fatalf("enqueue = (%v, %v)", ok, err)
	}
	if msg, err := gw.Dequeue(ctx, "map_variants_for_score_set"); err != nil || msg == nil {
		t.Fatalf("dequeue = (%+v, %v)", msg, err)
	}

	// Without a release, the retry enqueue is suppressed by the reservation.
	if ok, err := gw.Enqueue(ctx, "map_variants_for_score_set", jobID, WithClientJobID(urn)); err != nil || !ok {
		t.Fatalf("suppressed enqueue = (%v, %v)", ok, err)
	}
	if msg, _ := gw.Dequeue(ctx, "map_variants_for_score_set"); msg != nil {
		t.Fatalf("reservation did not suppress: %+v", msg)
	}

	if err := gw.Release(ctx, urn); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, err := gw.Enqueue(ctx, "map_variants_for_score_set", jobID, WithClientJobID(urn)); err != nil || !ok {
		t.Fatalf("post-release enqueue = (%v, %v)", ok, err)
	}
	msg, err := gw.Dequeue(ctx, "map_variants_for_score_set")
	if err != nil || msg == nil || msg.JobID != jobID {
		t.Fatalf("post-release dequeue = (%+v, %v)", msg, err)
	}
}

func TestDeferredMessageInvisibleUntilDue(t *testing.T) {
	gw := newGateway(t)
	ctx := context.Background()
	jobID := uuid.New()

	if ok, err := gw.Enqueue(ctx, "link_clingen_variants", jobID, WithDefer(40*time.Millisecond)); err != nil || !ok {
		t.Fatalf("enqueue = (%v, %v)", ok, err)
	}

	msg, err := gw.Dequeue(ctx, "link_clingen_variants")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if msg != nil {
		t.Fatalf("deferred message visible early: %+v", msg)
	}

	time.Sleep(60 * time.Millisecond)
	msg, err = gw.Dequeue(ctx, "link_clingen_variants")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if msg == nil || msg.JobID != jobID {
		t.Fatalf("deferred message not delivered after due time: %+v", msg)
	}
}

func TestQueuesAreIsolatedPerFunction(t *testing.T) {
	gw := newGateway(t)
	ctx := context.Background()

	if ok, err := gw.Enqueue(ctx, "create_variants_for_score_set", uuid.New()); err != nil || !ok {
		t.Fatalf("enqueue = (%v, %v)", ok, err)
	}
	msg, err := gw.Dequeue(ctx, "map_variants_for_score_set")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if msg != nil {
		t.Fatalf("message leaked across functions: %+v", msg)
	}
}

func TestEnqueueRejectsMissingArguments(t *testing.T) {
	gw := newGateway(t)
	ctx := context.Background()

	if _, err := gw.Enqueue(ctx, "", uuid.New()); err == nil {
		t.Fatal("empty function accepted")
	}
	if _, err := gw.Enqueue(ctx, "map_variants_for_score_set", uuid.Nil); err == nil {
		t.Fatal("nil job id accepted")
	}
}
