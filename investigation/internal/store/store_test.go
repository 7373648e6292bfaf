package store_test

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/inquest/dbopen"
	"github.com/hazyhaar/inquest/investigation/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	s := store.New(db)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	return s
}

// seed creates a post, a version, and a pending investigation with its run.
func seed(t *testing.T, s *store.Store) (*store.Investigation, *store.Run) {
	t.Helper()
	ctx := context.Background()

	post := &store.Post{Platform: "bsky", ExternalID: "at://p/1", Popularity: 10}
	if err := s.UpsertPost(ctx, post); err != nil {
		t.Fatal(err)
	}
	ver := &store.PostVersion{PostID: post.ID, ContentHash: "h1", ContentText: "the text"}
	if err := s.EnsureVersion(ctx, ver); err != nil {
		t.Fatal(err)
	}
	inv := &store.Investigation{
		PostID:      post.ID,
		VersionID:   ver.ID,
		ContentHash: ver.ContentHash,
		Provenance:  store.ProvenanceClientFallback,
	}
	run := &store.Run{}
	if err := s.CreateInvestigation(ctx, inv, run); err != nil {
		t.Fatal(err)
	}
	return inv, run
}

func setStatus(t *testing.T, s *store.Store, invID string, status store.Status) {
	t.Helper()
	if _, err := s.DB.Exec(`UPDATE investigations SET status = ? WHERE id = ?`, status, invID); err != nil {
		t.Fatal(err)
	}
}

func TestCreateInvestigationCollision(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	inv, _ := seed(t, s)

	dup := &store.Investigation{
		PostID:      inv.PostID,
		VersionID:   inv.VersionID,
		ContentHash: inv.ContentHash,
	}
	err := s.CreateInvestigation(ctx, dup, &store.Run{})
	if err == nil {
		t.Fatal("expected unique violation")
	}
	if !store.IsUniqueViolation(err) {
		t.Fatalf("got %v, want unique violation", err)
	}

	// The loser re-reads the winner.
	winner, err := s.FindInvestigation(ctx, inv.PostID, inv.ContentHash)
	if err != nil {
		t.Fatal(err)
	}
	if winner == nil || winner.ID != inv.ID {
		t.Fatalf("got %+v, want winner %s", winner, inv.ID)
	}
}

func TestClaimLeaseIsExclusive(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, run := seed(t, s)

	ok, err := s.ClaimLease(ctx, run.ID, "worker-a", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("first claim should succeed")
	}

	ok, err = s.ClaimLease(ctx, run.ID, "worker-b", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second claim should lose while lease is live")
	}

	got, _ := s.GetRun(ctx, run.ID)
	if got.LeaseOwner != "worker-a" {
		t.Fatalf("lease owner %q, want worker-a", got.LeaseOwner)
	}
	if got.StartedAt == 0 {
		t.Fatal("started_at should be set on first claim")
	}
}

func TestClaimLeaseTakesOverExpired(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, run := seed(t, s)

	if _, err := s.ClaimLease(ctx, run.ID, "worker-a", -time.Minute); err != nil {
		t.Fatal(err)
	}

	ok, err := s.ClaimLease(ctx, run.ID, "worker-b", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expired lease should be claimable")
	}
	got, _ := s.GetRun(ctx, run.ID)
	if got.LeaseOwner != "worker-b" {
		t.Fatalf("lease owner %q, want worker-b", got.LeaseOwner)
	}
}

func TestHeartbeatGuardedByOwner(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, run := seed(t, s)

	s.ClaimLease(ctx, run.ID, "worker-a", time.Minute)

	ok, err := s.Heartbeat(ctx, run.ID, "worker-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("owner heartbeat: ok=%v err=%v", ok, err)
	}
	ok, err = s.Heartbeat(ctx, run.ID, "worker-b", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("non-owner heartbeat must be a no-op")
	}
}

func TestReleaseLeaseLeavesProcessing(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	inv, run := seed(t, s)

	s.ClaimLease(ctx, run.ID, "worker-a", time.Minute)
	setStatus(t, s, inv.ID, store.StatusProcessing)

	recoverAfter := time.Now().Add(time.Minute)
	ok, err := s.ReleaseLease(ctx, run.ID, "worker-a", recoverAfter)
	if err != nil || !ok {
		t.Fatalf("release: ok=%v err=%v", ok, err)
	}

	got, _ := s.GetRun(ctx, run.ID)
	if got.LeaseOwner != "" || got.LeaseExpiresAt != 0 {
		t.Fatalf("lease fields not cleared: %+v", got)
	}
	if got.RecoverAfterAt == 0 {
		t.Fatal("recover_after_at should be set")
	}
	gotInv, _ := s.GetInvestigation(ctx, inv.ID)
	if gotInv.Status != store.StatusProcessing {
		t.Fatalf("status %s, want processing", gotInv.Status)
	}
	if !got.Recoverable(recoverAfter.UnixMilli() + 1) {
		t.Fatal("run should be recoverable after the cooldown")
	}
	if got.Recoverable(recoverAfter.UnixMilli() - 1) {
		t.Fatal("run must not be recoverable during the cooldown")
	}
}

func TestRecoverRunStaleOwnedLease(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	inv, run := seed(t, s)

	// Lease expired five minutes ago, worker presumed dead.
	s.ClaimLease(ctx, run.ID, "worker-a", -5*time.Minute)
	setStatus(t, s, inv.ID, store.StatusProcessing)

	ok, err := s.RecoverRun(ctx, run.ID)
	if err != nil || !ok {
		t.Fatalf("recover: ok=%v err=%v", ok, err)
	}

	got, _ := s.GetRun(ctx, run.ID)
	if got.LeaseOwner != "" || got.LeaseExpiresAt != 0 || got.RecoverAfterAt != 0 {
		t.Fatalf("lease fields not cleared: %+v", got)
	}
	if got.QueuedAt == 0 {
		t.Fatal("queued_at should be reset")
	}
	gotInv, _ := s.GetInvestigation(ctx, inv.ID)
	if gotInv.Status != store.StatusPending {
		t.Fatalf("status %s, want pending", gotInv.Status)
	}
	if gotInv.CheckedAt != 0 {
		t.Fatal("checked_at should be cleared")
	}
}

func TestRecoverRunLeavesLiveLease(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	inv, run := seed(t, s)

	s.ClaimLease(ctx, run.ID, "worker-a", time.Hour)
	setStatus(t, s, inv.ID, store.StatusProcessing)

	ok, err := s.RecoverRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("live lease must not be recovered")
	}
	got, _ := s.GetRun(ctx, run.ID)
	if got.LeaseOwner != "worker-a" {
		t.Fatal("lease should be untouched")
	}
}

func TestRecoverableRuns(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	inv, run := seed(t, s)

	s.ClaimLease(ctx, run.ID, "worker-a", -time.Minute)
	setStatus(t, s, inv.ID, store.StatusProcessing)

	runs, err := s.RecoverableRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Fatalf("got %d runs, want the stale one", len(runs))
	}

	// Once recovered (status pending), it is no longer listed.
	if ok, _ := s.RecoverRun(ctx, run.ID); !ok {
		t.Fatal("recover should succeed")
	}
	runs, err = s.RecoverableRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Fatalf("got %d runs, want 0", len(runs))
	}
}

func TestCompleteGuardedCommit(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	inv, run := seed(t, s)

	s.ClaimLease(ctx, run.ID, "worker-a", time.Minute)
	setStatus(t, s, inv.ID, store.StatusProcessing)

	ok, err := s.Complete(ctx, store.CompleteParams{
		InvestigationID: inv.ID,
		RunID:           run.ID,
		ModelVersion:    "investigator-v1",
		Claims: []store.Claim{{
			Text: "claim one", Verdict: "supported", Confidence: 0.9,
			Sources: []store.ClaimSource{{URL: "https://example.com/a", Title: "A"}},
		}},
		Audit: store.AttemptAudit{Attempt: 1, Outcome: store.OutcomeCompleted},
	})
	if err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}

	gotInv, _ := s.GetInvestigation(ctx, inv.ID)
	if gotInv.Status != store.StatusComplete {
		t.Fatalf("status %s, want complete", gotInv.Status)
	}
	if gotInv.CheckedAt == 0 {
		t.Fatal("checked_at should be set on complete")
	}

	claims, err := s.ClaimsFor(ctx, inv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(claims) != 1 || len(claims[0].Sources) != 1 {
		t.Fatalf("got %+v", claims)
	}

	gotRun, _ := s.GetRun(ctx, run.ID)
	if gotRun.LeaseOwner != "" {
		t.Fatal("lease should be released by the commit")
	}
}

func TestCompleteDiscardsOnLostRace(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	inv, run := seed(t, s)

	// A recovery pass already moved the investigation back to pending.
	ok, err := s.Complete(ctx, store.CompleteParams{
		InvestigationID: inv.ID,
		RunID:           run.ID,
		Claims:          []store.Claim{{Text: "stale result", Verdict: "supported"}},
		Audit:           store.AttemptAudit{Attempt: 1, Outcome: store.OutcomeCompleted},
	})
	if err != nil {
		t.Fatalf("lost race must not error: %v", err)
	}
	if ok {
		t.Fatal("commit should report the lost race")
	}

	claims, _ := s.ClaimsFor(ctx, inv.ID)
	if len(claims) != 0 {
		t.Fatal("no claims may be written on a lost race")
	}
	audits, _ := s.AuditsFor(ctx, inv.ID)
	if len(audits) != 0 {
		t.Fatal("no audit may be written on a lost race")
	}
}

func TestFailGuarded(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	inv, run := seed(t, s)
	setStatus(t, s, inv.ID, store.StatusProcessing)

	ok, err := s.Fail(ctx, inv.ID, run.ID, "malformed model output",
		store.AttemptAudit{Attempt: 1, Outcome: store.OutcomeFailed, ErrorText: "malformed model output"})
	if err != nil || !ok {
		t.Fatalf("fail: ok=%v err=%v", ok, err)
	}

	gotInv, _ := s.GetInvestigation(ctx, inv.ID)
	if gotInv.Status != store.StatusFailed {
		t.Fatalf("status %s, want failed", gotInv.Status)
	}
	if gotInv.LastError == "" {
		t.Fatal("last_error should be recorded")
	}

	// Second fail is a lost race, not an error.
	ok, err = s.Fail(ctx, inv.ID, run.ID, "again", store.AttemptAudit{Attempt: 2})
	if err != nil || ok {
		t.Fatalf("duplicate fail: ok=%v err=%v", ok, err)
	}
}

func TestRequeueFailed(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	inv, run := seed(t, s)
	setStatus(t, s, inv.ID, store.StatusProcessing)
	s.Fail(ctx, inv.ID, run.ID, "x", store.AttemptAudit{Attempt: 1, Outcome: store.OutcomeFailed})

	ok, err := s.RequeueFailed(ctx, inv.ID)
	if err != nil || !ok {
		t.Fatalf("requeue: ok=%v err=%v", ok, err)
	}

	gotInv, _ := s.GetInvestigation(ctx, inv.ID)
	if gotInv.Status != store.StatusPending {
		t.Fatalf("status %s, want pending", gotInv.Status)
	}
	if gotInv.CheckedAt != 0 {
		t.Fatal("checked_at should be cleared on requeue")
	}
	gotRun, _ := s.GetRun(ctx, run.ID)
	if gotRun.LeaseOwner != "" || gotRun.StartedAt != 0 {
		t.Fatalf("run not reset: %+v", gotRun)
	}

	// Requeueing a pending investigation is a no-op.
	ok, err = s.RequeueFailed(ctx, inv.ID)
	if err != nil || ok {
		t.Fatalf("second requeue: ok=%v err=%v", ok, err)
	}
}

func TestKeySourceFirstWins(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, run := seed(t, s)

	metaA, attached, err := s.AttachKeySource(ctx, run.ID, []byte("cipher-A"), "fp-A", "key A", "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if !attached {
		t.Fatal("first attach should win")
	}

	metaB, attached, err := s.AttachKeySource(ctx, run.ID, []byte("cipher-B"), "fp-B", "key B", "user-2")
	if err != nil {
		t.Fatal(err)
	}
	if attached {
		t.Fatal("second attach must be a no-op")
	}
	if metaB.Fingerprint != "fp-A" || metaB.Fingerprint != metaA.Fingerprint {
		t.Fatalf("second caller observes %q, want first credential fp-A", metaB.Fingerprint)
	}

	ct, err := s.KeySourceCiphertext(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(ct) != "cipher-A" {
		t.Fatalf("stored ciphertext %q, want cipher-A", ct)
	}
}

func TestCandidatesPredicate(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	mkPost := func(ext string, pop float64) (*store.Post, *store.PostVersion) {
		p := &store.Post{Platform: "bsky", ExternalID: ext, Popularity: pop}
		if err := s.UpsertPost(ctx, p); err != nil {
			t.Fatal(err)
		}
		v := &store.PostVersion{PostID: p.ID, ContentHash: "h-" + ext, ContentText: "t"}
		if err := s.EnsureVersion(ctx, v); err != nil {
			t.Fatal(err)
		}
		return p, v
	}

	// No investigation at all → candidate.
	mkPost("fresh", 50)

	// Pending investigation → candidate.
	pendingPost, pv := mkPost("pending", 40)
	pendingInv := &store.Investigation{PostID: pendingPost.ID, VersionID: pv.ID, ContentHash: pv.ContentHash}
	if err := s.CreateInvestigation(ctx, pendingInv, &store.Run{}); err != nil {
		t.Fatal(err)
	}

	// Processing with live lease → not a candidate.
	livePost, lv := mkPost("live", 90)
	liveInv := &store.Investigation{PostID: livePost.ID, VersionID: lv.ID, ContentHash: lv.ContentHash}
	liveRun := &store.Run{}
	if err := s.CreateInvestigation(ctx, liveInv, liveRun); err != nil {
		t.Fatal(err)
	}
	s.ClaimLease(ctx, liveRun.ID, "worker-a", time.Hour)
	setStatus(t, s, liveInv.ID, store.StatusProcessing)

	// Processing with expired lease → candidate.
	stalePost, sv := mkPost("stale", 30)
	staleInv := &store.Investigation{PostID: stalePost.ID, VersionID: sv.ID, ContentHash: sv.ContentHash}
	staleRun := &store.Run{}
	if err := s.CreateInvestigation(ctx, staleInv, staleRun); err != nil {
		t.Fatal(err)
	}
	s.ClaimLease(ctx, staleRun.ID, "worker-b", -time.Minute)
	setStatus(t, s, staleInv.ID, store.StatusProcessing)

	// Complete → not a candidate.
	donePost, dv := mkPost("done", 80)
	doneInv := &store.Investigation{PostID: donePost.ID, VersionID: dv.ID, ContentHash: dv.ContentHash}
	if err := s.CreateInvestigation(ctx, doneInv, &store.Run{}); err != nil {
		t.Fatal(err)
	}
	setStatus(t, s, doneInv.ID, store.StatusComplete)

	got, err := s.Candidates(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}

	var ids []string
	for _, c := range got {
		ids = append(ids, c.Post.ExternalID)
	}
	want := []string{"fresh", "pending", "stale"} // popularity 50, 40, 30
	if len(ids) != len(want) {
		t.Fatalf("got candidates %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("got candidates %v, want %v", ids, want)
		}
	}

	// Budget caps the sweep.
	got, err = s.Candidates(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("budget ignored: got %d", len(got))
	}
}
