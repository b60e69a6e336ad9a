package pending

import "testing"

func TestReplaceDisplacesPrevious(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	key := Key{ChatID: 1, ThreadID: 2}
	first := NewQuestion("req-1", key, []QuestionItem{{Text: "q1"}})
	if displaced := r.OpenQuestion(first); displaced != nil {
		t.Fatalf("displaced = %+v on first open", displaced)
	}
	second := NewQuestion("req-2", key, []QuestionItem{{Text: "q2"}})
	displaced := r.OpenQuestion(second)
	if displaced == nil || displaced.RequestID != "req-1" {
		t.Fatalf("displaced = %+v, want req-1", displaced)
	}
	got, ok := r.QuestionFor(key)
	if !ok || got.RequestID != "req-2" {
		t.Fatalf("QuestionFor = %+v", got)
	}
}

func TestCountInvariant(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	key := Key{ChatID: 1, ThreadID: 0}
	r.OpenQuestion(NewQuestion("q", key, []QuestionItem{{Text: "?"}}))
	r.OpenPermission(&Permission{RequestID: "p", Key: key, Permission: "bash"})
	r.OpenQuestion(NewQuestion("q2", key, []QuestionItem{{Text: "??"}}))
	if n := r.Count(key); n > 2 {
		t.Fatalf("Count = %d, invariant |Q|+|P| <= 2 violated", n)
	}

	q, p := r.TakeAll(key)
	if q == nil || p == nil {
		t.Fatalf("TakeAll = %v, %v", q, p)
	}
	if n := r.Count(key); n != 0 {
		t.Fatalf("Count after TakeAll = %d", n)
	}
}

func TestOrderedAnswers(t *testing.T) {
	t.Parallel()

	q := NewQuestion("req", Key{ChatID: 1}, []QuestionItem{
		{Text: "a", Options: []string{"A", "B"}},
		{Text: "b", Options: []string{"C"}},
	})
	if q.Complete() {
		t.Fatalf("empty prompt reported complete")
	}
	q.Answers[1] = []string{"custom"}
	q.Answers[0] = []string{"A"}
	if !q.Complete() {
		t.Fatalf("prompt with all answers not complete")
	}
	got := q.OrderedAnswers()
	if len(got) != 2 || got[0][0] != "A" || got[1][0] != "custom" {
		t.Fatalf("OrderedAnswers = %v", got)
	}
}

func TestQuestionCallbackRoundTrip(t *testing.T) {
	t.Parallel()

	key := Key{ChatID: -1003333, ThreadID: 42}
	data := EncodeQuestionOption(key, 1, 3)
	cb, ok := DecodeQuestion(data)
	if !ok {
		t.Fatalf("DecodeQuestion(%q) failed", data)
	}
	if cb.Key != key || cb.QuestionIdx != 1 || cb.OptionIdx != 3 || cb.IsOther {
		t.Fatalf("cb = %+v", cb)
	}

	other := EncodeQuestionOther(key, 0)
	cb, ok = DecodeQuestion(other)
	if !ok || !cb.IsOther || cb.QuestionIdx != 0 {
		t.Fatalf("other cb = %+v ok=%v", cb, ok)
	}
}

func TestPermissionCallbackRoundTrip(t *testing.T) {
	t.Parallel()

	key := Key{ChatID: 7, ThreadID: 0}
	for _, reply := range []string{"once", "always", "reject"} {
		data := EncodePermission(key, reply)
		cb, ok := DecodePermission(data)
		if !ok || cb.Reply != reply || cb.Key != key {
			t.Fatalf("round trip %q = %+v ok=%v", reply, cb, ok)
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, data := range []string{
		"", "x:1:2:3", "q:1:2", "q:a:b:c:d", "q:1:2:-1:0",
		"p:1:2", "p:1:2:maybe", "q:1:2:0:nope",
	} {
		if _, ok := DecodeQuestion(data); ok {
			t.Fatalf("DecodeQuestion(%q) accepted garbage", data)
		}
		if _, ok := DecodePermission(data); ok {
			t.Fatalf("DecodePermission(%q) accepted garbage", data)
		}
	}
}
