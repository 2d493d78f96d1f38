package answers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func ids(items []Answer) []string {
	out := make([]string, len(items))
	for i, a := range items {
		out[i] = a.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestList_FailedPages(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, ms := range []int64{100, 200, 300} {
		at(s, ms)
		id := fmt.Sprintf("f%d", ms)
		s.Init(ctx, id, "q", nil)
		s.SetError(ctx, id, "boom", Update{})
	}
	at(s, 250)
	s.Init(ctx, "queued", "q", nil)

	page, err := s.List(ctx, Filter{Status: StatusFailed, Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := ids(page.Items); !equalIDs(got, []string{"f300", "f200"}) {
		t.Fatalf("page 1 = %v", got)
	}
	if page.NextCursor == "" {
		t.Fatal("page 1 has no cursor")
	}

	page, err = s.List(ctx, Filter{Status: StatusFailed, Limit: 2, Cursor: page.NextCursor})
	if err != nil {
		t.Fatalf("List page 2: %v", err)
	}
	if got := ids(page.Items); !equalIDs(got, []string{"f100"}) {
		t.Fatalf("page 2 = %v", got)
	}
	if page.NextCursor != "" {
		t.Errorf("page 2 cursor = %q, want empty", page.NextCursor)
	}
}

func TestList_TiesOrderedByID(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	at(s, 42)
	for _, id := range []string{"e", "a", "c", "b", "d"} {
		s.Init(ctx, id, "q", nil)
	}

	var got []string
	cursor := ""
	for {
		page, err := s.List(ctx, Filter{Limit: 2, Cursor: cursor})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		got = append(got, ids(page.Items)...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if !equalIDs(got, []string{"a", "b", "c", "d", "e"}) {
		t.Errorf("walk = %v", got)
	}
}

func TestList_DropsStaleEntries(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	at(s, 10)
	s.Init(ctx, "old", "q", nil)
	at(s, 20)
	s.Init(ctx, "gone", "q", nil)
	mr.Del(s.recordKey("gone"))

	page, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := ids(page.Items); !equalIDs(got, []string{"old"}) {
		t.Errorf("items = %v", got)
	}
	if inIndex(t, mr, s.allIndex(), "gone") {
		t.Error("stale entry left in global index")
	}
	if inIndex(t, mr, s.statusIndex(StatusQueued), "gone") {
		t.Error("stale entry left in QUEUED index")
	}
}

func TestList_StatusFilterSkipsMovedRecords(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	at(s, 10)
	s.Init(ctx, "a1", "q", nil)
	at(s, 20)
	s.SetStatus(ctx, "a1", StatusRunning, Update{})
	at(s, 30)
	s.SetResult(ctx, "a1", []byte(`{"answer":"42"}`), Update{})
	// A rebuild that read a1 while RUNNING re-adds the old entry.
	if _, err := mr.ZAdd(s.statusIndex(StatusRunning), 20, "a1"); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}

	page, err := s.List(ctx, Filter{Status: StatusRunning})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Items) != 0 {
		t.Errorf("RUNNING items = %v, want none", ids(page.Items))
	}
	if inIndex(t, mr, s.statusIndex(StatusRunning), "a1") {
		t.Error("moved entry left in RUNNING index")
	}
	if !inIndex(t, mr, s.statusIndex(StatusDone), "a1") {
		t.Error("a1 missing from DONE index")
	}

	page, _ = s.List(ctx, Filter{Status: StatusDone})
	if got := ids(page.Items); !equalIDs(got, []string{"a1"}) {
		t.Errorf("DONE items = %v", got)
	}
}

func TestList_QueryFilter(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	at(s, 1)
	s.Init(ctx, "a", "How many Tasks are done?", nil)
	at(s, 2)
	s.Init(ctx, "b", "Who owns the project?", nil)
	at(s, 3)
	s.Init(ctx, "c", "list overdue TASKS", nil)

	page, err := s.List(ctx, Filter{Query: "tasks"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := ids(page.Items); !equalIDs(got, []string{"c", "a"}) {
		t.Errorf("items = %v", got)
	}
}

func TestList_Idempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for i := range 5 {
		at(s, int64(i))
		s.Init(ctx, fmt.Sprintf("a%d", i), "q", nil)
	}

	first, err := s.List(ctx, Filter{Limit: 3})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	second, err := s.List(ctx, Filter{Limit: 3})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !equalIDs(ids(first.Items), ids(second.Items)) || first.NextCursor != second.NextCursor {
		t.Errorf("first = %v %q, second = %v %q", ids(first.Items), first.NextCursor, ids(second.Items), second.NextCursor)
	}
}

func TestList_LimitClamped(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for i := range DefaultLimit + 5 {
		at(s, int64(i))
		s.Init(ctx, fmt.Sprintf("a%03d", i), "q", nil)
	}

	page, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Items) != DefaultLimit {
		t.Errorf("default page = %d items, want %d", len(page.Items), DefaultLimit)
	}
	page, err = s.List(ctx, Filter{Limit: 10_000})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Items) != DefaultLimit+5 || page.NextCursor != "" {
		t.Errorf("large page = %d items, cursor %q", len(page.Items), page.NextCursor)
	}
}

func TestList_RejectsBadInput(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.List(ctx, Filter{Cursor: "!!not-base64"}); !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("bad cursor err = %v", err)
	}
	if _, err := s.List(ctx, Filter{Cursor: encodeCursor(5, "")}); !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("empty id cursor err = %v", err)
	}
	if _, err := s.List(ctx, Filter{Status: "SLEEPING"}); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("bad status err = %v", err)
	}
}

func TestList_PaginationIsExhaustive(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("cursor walk visits every answer once in order", prop.ForAll(
		func(scores []int64, limit int) bool {
			mr.FlushAll()
			type item struct {
				id    string
				score int64
			}
			var want []item
			for i, sc := range scores {
				id := fmt.Sprintf("id-%03d", (i*37)%101)
				at(s, sc)
				if _, err := s.Init(ctx, id, "q", nil); err != nil {
					return false
				}
				want = append(want, item{id, sc})
			}
			sort.Slice(want, func(i, j int) bool {
				if want[i].score != want[j].score {
					return want[i].score > want[j].score
				}
				return want[i].id < want[j].id
			})

			var got []string
			cursor := ""
			for pages := 0; pages <= len(scores)+1; pages++ {
				page, err := s.List(ctx, Filter{Limit: limit, Cursor: cursor})
				if err != nil || len(page.Items) > limit {
					return false
				}
				got = append(got, ids(page.Items)...)
				if page.NextCursor == "" {
					break
				}
				cursor = page.NextCursor
			}

			if len(got) != len(want) {
				return false
			}
			for i := range want {
				if got[i] != want[i].id {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(30, gen.Int64Range(1, 6)),
		gen.IntRange(1, 7),
	))

	properties.TestingRun(t)
}

func TestRebuildIndex(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	at(s, 1)
	s.Init(ctx, "a", "q", nil)
	at(s, 2)
	s.Init(ctx, "b", "q", nil)
	s.SetError(ctx, "b", "boom", Update{})
	mr.Del(s.allIndex())
	mr.Del(s.statusIndex(StatusFailed))

	n, err := s.RebuildIndex(ctx)
	if err != nil {
		t.Fatalf("RebuildIndex: %v", err)
	}
	if n != 2 {
		t.Errorf("indexed %d records, want 2", n)
	}

	page, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := ids(page.Items); !equalIDs(got, []string{"b", "a"}) {
		t.Errorf("items = %v", got)
	}
	page, _ = s.List(ctx, Filter{Status: StatusFailed})
	if got := ids(page.Items); !equalIDs(got, []string{"b"}) {
		t.Errorf("FAILED items = %v", got)
	}
}

func TestRebuildIndex_ClearsOldStatusEntry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	at(s, 1)
	s.Init(ctx, "a", "q", nil)
	s.SetError(ctx, "a", "boom", Update{})
	mr.ZAdd(s.statusIndex(StatusQueued), 1, "a")

	if _, err := s.RebuildIndex(ctx); err != nil {
		t.Fatalf("RebuildIndex: %v", err)
	}
	if inIndex(t, mr, s.statusIndex(StatusQueued), "a") {
		t.Error("a left in QUEUED index")
	}
	if !inIndex(t, mr, s.statusIndex(StatusFailed), "a") {
		t.Error("a missing from FAILED index")
	}
}
