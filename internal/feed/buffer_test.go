package feed

import (
	"testing"
	"time"

	"github.com/blackmichael/campusfeed/internal/domain"
)

var feedQuery = domain.PostQuery{Field: domain.QueryByType, Value: string(domain.PostTypeFeed)}

func draftPost(key string, at time.Time) domain.Post {
	return domain.Post{ClientKey: key, Text: "draft " + key, OwnerUID: "u1", Type: domain.PostTypeFeed, CreatedAt: at}
}

func TestWriteBufferMergeBeforeAndAfterConfirmation(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var b WriteBuffer
	b.Stage(draftPost("abc123", now))

	merged := b.Merge(nil, feedQuery)
	if len(merged) != 1 || merged[0].ID != "abc123" || merged[0].Origin != domain.OriginOptimistic {
		t.Fatalf("expected one optimistic post, got %+v", merged)
	}

	// Snapshot arrives before the write acknowledgement.
	confirmed := draftPost("abc123", now)
	confirmed.ID = "srv1"
	confirmed.Origin = domain.OriginConfirmed
	snapshot := []domain.Post{confirmed}

	merged = b.Merge(snapshot, feedQuery)
	if len(merged) != 1 || merged[0].ID != "srv1" {
		t.Fatalf("expected only the confirmed copy, got %+v", merged)
	}

	if n := b.Retire(snapshot); n != 1 {
		t.Fatalf("expected one retired post, got %d", n)
	}
	b.MarkWritten("abc123", "srv1")
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer, got %d", b.Len())
	}
}

func TestWriteBufferStageIsIdempotent(t *testing.T) {
	var b WriteBuffer
	p := draftPost("k1", time.Now())
	b.Stage(p)
	b.Stage(p)
	if b.Len() != 1 {
		t.Fatalf("expected one staged post, got %d", b.Len())
	}
}

func TestWriteBufferKeepsNewestFirst(t *testing.T) {
	now := time.Now()
	var b WriteBuffer
	b.Stage(draftPost("k1", now))
	b.Stage(draftPost("k2", now.Add(time.Second)))

	merged := b.Merge([]domain.Post{otherPost("p1")}, feedQuery)
	if len(merged) != 3 || merged[0].ClientKey != "k2" || merged[1].ClientKey != "k1" || merged[2].ID != "p1" {
		t.Fatalf("unexpected merge order %+v", merged)
	}
}

func TestWriteBufferMergeFiltersByQuery(t *testing.T) {
	var b WriteBuffer
	b.Stage(draftPost("k1", time.Now()))

	confessions := domain.PostQuery{Field: domain.QueryByType, Value: string(domain.PostTypeConfessions)}
	if merged := b.Merge(nil, confessions); len(merged) != 0 {
		t.Fatalf("feed draft must not show on confessions, got %+v", merged)
	}
	profile := domain.PostQuery{Field: domain.QueryByUID, Value: "u1"}
	if merged := b.Merge(nil, profile); len(merged) != 1 {
		t.Fatalf("own draft should show on profile, got %+v", merged)
	}
}

func TestWriteBufferFailAndDropWritten(t *testing.T) {
	var b WriteBuffer
	b.Stage(draftPost("k1", time.Now()))
	b.Stage(draftPost("k2", time.Now()))

	if _, ok := b.Fail("k1"); !ok {
		t.Fatal("expected k1 to be removed")
	}
	if _, ok := b.Fail("k1"); ok {
		t.Fatal("second fail must report nothing removed")
	}

	b.Stage(draftPost("k3", time.Now()))
	b.MarkWritten("k2", "srv2")
	b.DropWritten()
	merged := b.Merge(nil, feedQuery)
	if len(merged) != 1 || merged[0].ClientKey != "k3" {
		t.Fatalf("expected only unwritten k3, got %+v", merged)
	}
}

func TestWriteBufferUnconfirmedChecksOncePerRound(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var b WriteBuffer
	b.Stage(draftPost("k1", now))
	b.Stage(draftPost("k2", now))
	b.MarkWritten("k1", "srv1")

	got := b.Unconfirmed(nil, feedQuery)
	if len(got) != 1 || got[0] != (WrittenPost{ClientKey: "k1", ServerID: "srv1"}) {
		t.Fatalf("expected only the written post, got %+v", got)
	}
	if again := b.Unconfirmed(nil, feedQuery); len(again) != 0 {
		t.Fatalf("post already being checked must not be returned, got %+v", again)
	}

	b.CheckDone("k1")
	if again := b.Unconfirmed(nil, feedQuery); len(again) != 1 {
		t.Fatalf("expected a new check after CheckDone, got %+v", again)
	}
}
