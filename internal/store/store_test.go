// internal/store/store_test.go
package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"council/internal/council"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "results.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleResult(id string, started time.Time) *council.Result {
	return &council.Result{
		ID:       id,
		Question: "What is 2+2?",
		Council:  []string{"a", "b"},
		Options:  council.DefaultOptions(),
		Stage1: []council.ModelResponse{
			{Model: "a", Response: "4"},
			{Model: "b", Response: "four"},
		},
		Aggregate: &council.AggregateRanking{
			Method:  council.VotingSimple,
			Entries: []council.AggregateEntry{{Model: "b", Score: 1, Votes: 2}, {Model: "a", Score: 2, Votes: 2}},
		},
		Consensus: &council.ConsensusReport{AgreementScore: 1, TopModel: "b", TopVotes: 2, TotalVoters: 2, HasConsensus: true},
		Stage3:    &council.Stage3Result{Model: "a", Response: "4"},
		Chairman:  "a",
		Failures:  map[string]string{"stage2.r1:c": "timeout"},
		Timing:    council.Timing{StartedAt: started},
	}
}

func TestStoreSaveAndGet(t *testing.T) {
	s := openTestStore(t)
	want := sampleResult("r-1", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

	if err := s.Save(want); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	got, err := s.Get("r-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Question != want.Question || got.Chairman != "a" {
		t.Errorf("Get() = %+v", got)
	}
	if got.Stage3 == nil || got.Stage3.Response != "4" {
		t.Errorf("Stage3 not round-tripped: %+v", got.Stage3)
	}
	if got.Aggregate.Top() != "b" {
		t.Errorf("Aggregate top = %q, want b", got.Aggregate.Top())
	}
	if got.Failures["stage2.r1:c"] != "timeout" {
		t.Errorf("Failures = %v", got.Failures)
	}
}

func TestStoreGetMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestStoreList(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "mid", "new"} {
		if err := s.Save(sampleResult(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("Save(%s) failed: %v", id, err)
		}
	}

	records, err := s.List(0)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}
	if records[0].ID != "new" || records[2].ID != "old" {
		t.Errorf("List() order = %s, %s, %s", records[0].ID, records[1].ID, records[2].ID)
	}
	r := records[0]
	if r.TopModel != "b" || r.AgreementScore != 1 || !r.Succeeded || r.EarlyExit {
		t.Errorf("record = %+v", r)
	}

	limited, err := s.List(2)
	if err != nil {
		t.Fatalf("List(2) failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("List(2) returned %d records", len(limited))
	}
}

func TestStoreSaveReplaces(t *testing.T) {
	s := openTestStore(t)
	r := sampleResult("r-1", time.Now())
	if err := s.Save(r); err != nil {
		t.Fatal(err)
	}

	r.Stage3 = nil
	r.Failures = map[string]string{"stage3:a": "chairman down"}
	if err := s.Save(r); err != nil {
		t.Fatalf("second Save() failed: %v", err)
	}

	records, _ := s.List(0)
	if len(records) != 1 || records[0].Succeeded {
		t.Errorf("records = %+v", records)
	}
	counts, err := s.FailureCounts()
	if err != nil {
		t.Fatal(err)
	}
	if counts["a"] != 1 || counts["c"] != 0 {
		t.Errorf("FailureCounts() = %v", counts)
	}
}

func TestStoreDelete(t *testing.T) {
	s := openTestStore(t)
	if err := s.Save(sampleResult("r-1", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("r-1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := s.Get("r-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete error = %v", err)
	}
	if err := s.Delete("r-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestStoreGetByPrefix(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"abc123", "abd456", "x_y"} {
		if err := s.Save(sampleResult(id, time.Now())); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Get("abc")
	if err != nil || got.ID != "abc123" {
		t.Fatalf("Get(abc) = %v, %v", got, err)
	}
	if _, err := s.Get("ab"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("Get(ab) error = %v, want ambiguity", err)
	}
	// Underscore is literal, not a LIKE wildcard
	if _, err := s.Get("a_c"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(a_c) error = %v, want ErrNotFound", err)
	}
	if _, err := s.Get("x_"); err != nil {
		t.Errorf("Get(x_) error = %v", err)
	}
}
