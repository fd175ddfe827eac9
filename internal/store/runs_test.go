package store

import (
	"context"
	"errors"
	"testing"

	"github.com/roach88/loanflow/internal/host"
)

func TestCreateRun_ThenGet(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.CreateRun(ctx, "LOAN-1", []byte(`{"amount":1}`)); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}

	run, err := s.GetRun(ctx, "LOAN-1")
	if err != nil {
		t.Fatalf("GetRun() failed: %v", err)
	}
	if run.State != host.RunPending || run.Attempts != 0 || string(run.Input) != `{"amount":1}` {
		t.Errorf("run = %+v", run)
	}
}

func TestCreateRun_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.CreateRun(ctx, "LOAN-1", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}
	if err := s.UpdateRun(ctx, "LOAN-1", host.RunSuspended, 1, ""); err != nil {
		t.Fatalf("UpdateRun() failed: %v", err)
	}
	if err := s.CreateRun(ctx, "LOAN-1", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("duplicate CreateRun() failed: %v", err)
	}

	run, err := s.GetRun(ctx, "LOAN-1")
	if err != nil {
		t.Fatalf("GetRun() failed: %v", err)
	}
	if run.State != host.RunSuspended || string(run.Input) != `{"v":1}` {
		t.Errorf("run = %+v, duplicate create must not reset it", run)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.GetRun(context.Background(), "nope")
	if !errors.Is(err, host.ErrRunNotFound) {
		t.Errorf("GetRun() = %v, want ErrRunNotFound", err)
	}
	err = s.UpdateRun(context.Background(), "nope", host.RunFailed, 1, "x")
	if !errors.Is(err, host.ErrRunNotFound) {
		t.Errorf("UpdateRun() = %v, want ErrRunNotFound", err)
	}
}

func TestUpdateRun_RecordsOutcome(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	if err := s.CreateRun(ctx, "LOAN-1", []byte(`{}`)); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}

	if err := s.UpdateRun(ctx, "LOAN-1", host.RunFailed, 3, "bureau down"); err != nil {
		t.Fatalf("UpdateRun() failed: %v", err)
	}

	run, err := s.GetRun(ctx, "LOAN-1")
	if err != nil {
		t.Fatalf("GetRun() failed: %v", err)
	}
	if run.State != host.RunFailed || run.Attempts != 3 || run.LastError != "bureau down" {
		t.Errorf("run = %+v", run)
	}
}

func TestCheckpoint_FirstSaveWins(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	if err := s.CreateRun(ctx, "LOAN-1", []byte(`{}`)); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}

	if _, found, err := s.GetCheckpoint(ctx, "LOAN-1", "credit#1"); err != nil || found {
		t.Fatalf("GetCheckpoint() before save = found %v, err %v", found, err)
	}

	if err := s.SaveCheckpoint(ctx, "LOAN-1", "credit#1", []byte(`720`)); err != nil {
		t.Fatalf("SaveCheckpoint() failed: %v", err)
	}
	if err := s.SaveCheckpoint(ctx, "LOAN-1", "credit#1", []byte(`600`)); err != nil {
		t.Fatalf("second SaveCheckpoint() failed: %v", err)
	}

	data, found, err := s.GetCheckpoint(ctx, "LOAN-1", "credit#1")
	if err != nil || !found {
		t.Fatalf("GetCheckpoint() = found %v, err %v", found, err)
	}
	if string(data) != `720` {
		t.Errorf("checkpoint = %s, want 720", data)
	}
}

func TestListRuns_FiltersByState(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		if err := s.CreateRun(ctx, id, []byte(`{}`)); err != nil {
			t.Fatalf("CreateRun(%s) failed: %v", id, err)
		}
	}
	if err := s.UpdateRun(ctx, "B", host.RunCompleted, 1, ""); err != nil {
		t.Fatalf("UpdateRun() failed: %v", err)
	}
	if err := s.UpdateRun(ctx, "C", host.RunSuspended, 1, ""); err != nil {
		t.Fatalf("UpdateRun() failed: %v", err)
	}

	ids, err := s.ListRuns(ctx, host.RunPending, host.RunSuspended)
	if err != nil {
		t.Fatalf("ListRuns() failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "A" || ids[1] != "C" {
		t.Errorf("ids = %v, want [A C]", ids)
	}

	none, err := s.ListRuns(ctx)
	if err != nil || len(none) != 0 {
		t.Errorf("ListRuns() with no states = %v, %v", none, err)
	}
}
