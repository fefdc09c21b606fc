package checkin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendly/internal/model"
	"attendly/internal/repo"
)

type fakeRosterStore struct {
	participants map[string]*model.Participant
	order        []string

	// simulate a store that predates the checked_in_at column
	missingCheckedInColumn bool
	failReads              int
	failWrites             bool
	inserts                int
	rosterFetches          int

	// when set, participant reads signal readStarted and wait on readGate
	readStarted chan struct{}
	readGate    chan struct{}
}

func newFakeRosterStore(participants ...model.Participant) *fakeRosterStore {
	f := &fakeRosterStore{participants: make(map[string]*model.Participant)}
	for i := range participants {
		p := participants[i]
		f.participants[p.ID] = &p
		f.order = append(f.order, p.ID)
	}
	return f
}

func (f *fakeRosterStore) add(p model.Participant) {
	f.participants[p.ID] = &p
	f.order = append(f.order, p.ID)
}

func (f *fakeRosterStore) GetRoster(_ context.Context, eventID string) ([]model.Participant, error) {
	f.rosterFetches++
	var out []model.Participant
	for _, id := range f.order {
		if f.participants[id].EventID == eventID {
			out = append(out, *f.participants[id])
		}
	}
	return out, nil
}

func (f *fakeRosterStore) GetParticipantByID(_ context.Context, id string) (*model.Participant, error) {
	if f.readGate != nil {
		select {
		case f.readStarted <- struct{}{}:
		default:
		}
		<-f.readGate
	}
	if f.failReads > 0 {
		f.failReads--
		return nil, errors.New("store unavailable")
	}
	p, ok := f.participants[id]
	if !ok {
		return nil, repo.ErrParticipantNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeRosterStore) UpdateParticipant(_ context.Context, id string, patch repo.ParticipantPatch) (*model.Participant, error) {
	if f.failWrites {
		return nil, errors.New("store unavailable")
	}
	if patch.CheckedInAt != nil && f.missingCheckedInColumn {
		return nil, &pq.Error{Code: "42703", Message: `column "checked_in_at" of relation "participants" does not exist`}
	}
	p, ok := f.participants[id]
	if !ok {
		return nil, repo.ErrParticipantNotFound
	}
	if patch.Status != nil {
		p.Status = string(*patch.Status)
	}
	if patch.ClearCheckedInAt {
		p.CheckedInAt = nil
	} else if patch.CheckedInAt != nil {
		t := *patch.CheckedInAt
		p.CheckedInAt = &t
	}
	p.UpdatedAt = time.Now()
	cp := *p
	return &cp, nil
}

func (f *fakeRosterStore) InsertParticipant(_ context.Context, p *model.Participant) (*model.Participant, error) {
	f.inserts++
	cp := *p
	if cp.ID == "" {
		cp.ID = fmt.Sprintf("gen-%d", f.inserts)
	}
	if f.missingCheckedInColumn {
		cp.CheckedInAt = nil
	}
	f.add(cp)
	stored := *f.participants[cp.ID]
	return &stored, nil
}

var testLog = zerolog.Nop()

func fixedClock() time.Time {
	return time.Date(2025, 6, 1, 9, 15, 0, 0, time.UTC)
}

func newTestReconciler(store *fakeRosterStore) *Reconciler {
	r := NewReconciler(store, &testLog).WithClock(fixedClock)
	r.verify.Delay = time.Millisecond
	return r
}

func uid(s string) *string { return &s }

func registered(id, eventID, email, first, last string) model.Participant {
	return model.Participant{
		ID: id, EventID: eventID, Email: email,
		FirstName: first, LastName: last,
		Status: string(model.ParticipantRegistered),
	}
}

func TestScanCheckInFlow(t *testing.T) {
	store := newFakeRosterStore(registered("p1", "e1", "pat@example.com", "Pat", "Lee"))
	rec := newTestReconciler(store)

	_, err := rec.LoadRoster(context.Background(), "e1")
	require.NoError(t, err)

	match := rec.MatchScan(model.ScanPayload{Type: model.ScanUserProfile, Email: "PAT@EXAMPLE.COM"})
	require.NotNil(t, match)
	assert.Equal(t, "p1", match.ID)

	result, err := rec.CheckIn(context.Background(), match.ID)
	require.NoError(t, err)
	assert.False(t, result.AlreadyCheckedIn)
	assert.True(t, result.Verified)
	assert.Equal(t, string(model.ParticipantAttended), result.Participant.Status)
	require.NotNil(t, result.Participant.CheckedInAt)

	list := rec.CheckedInList(ListOptions{})
	require.Len(t, list, 1)
	assert.Equal(t, "p1", list[0].ID)

	// duplicate scan is a signalled no-op, not a second check-in
	again, err := rec.CheckIn(context.Background(), match.ID)
	require.NoError(t, err)
	assert.True(t, again.AlreadyCheckedIn)
	assert.Len(t, rec.CheckedInList(ListOptions{}), 1)

	// undo returns the participant to registered with no timestamp
	undone, err := rec.UndoCheckIn(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, string(model.ParticipantRegistered), undone.Status)
	assert.Nil(t, undone.CheckedInAt)
	assert.Empty(t, rec.CheckedInList(ListOptions{}))
}

func TestMatchScan(t *testing.T) {
	store := newFakeRosterStore(
		model.Participant{ID: "p1", EventID: "e1", UserID: uid("u-9"), Email: "one@example.com", Status: "registered"},
		registered("p2", "e1", "two@example.com", "B", "B"),
	)
	rec := newTestReconciler(store)
	_, err := rec.LoadRoster(context.Background(), "e1")
	require.NoError(t, err)

	byUser := rec.MatchScan(model.ScanPayload{Type: model.ScanUserProfile, UserID: "u-9"})
	require.NotNil(t, byUser)
	assert.Equal(t, "p1", byUser.ID)

	byEmail := rec.MatchScan(model.ScanPayload{Type: model.ScanUserProfile, Email: "Two@Example.Com"})
	require.NotNil(t, byEmail)
	assert.Equal(t, "p2", byEmail.ID)

	assert.Nil(t, rec.MatchScan(model.ScanPayload{Type: model.ScanUserProfile, Email: "stranger@example.com"}))
	assert.Nil(t, rec.MatchScan(model.ScanPayload{Type: model.ScanUnknown, Email: "two@example.com"}))
}

func TestCheckInLegacyStatusIsAlreadyCheckedIn(t *testing.T) {
	p := registered("p1", "e1", "pat@example.com", "Pat", "Lee")
	p.Status = "checked-in"
	store := newFakeRosterStore(p)
	rec := newTestReconciler(store)
	_, err := rec.LoadRoster(context.Background(), "e1")
	require.NoError(t, err)

	result, err := rec.CheckIn(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, result.AlreadyCheckedIn)
}

func TestCheckInSchemaFallback(t *testing.T) {
	store := newFakeRosterStore(registered("p1", "e1", "pat@example.com", "Pat", "Lee"))
	store.missingCheckedInColumn = true
	rec := newTestReconciler(store)
	_, err := rec.LoadRoster(context.Background(), "e1")
	require.NoError(t, err)

	result, err := rec.CheckIn(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, string(model.ParticipantAttended), result.Participant.Status)
	// the projection still carries a synthetic check-in time
	require.NotNil(t, result.Participant.CheckedInAt)
	assert.Equal(t, fixedClock(), *result.Participant.CheckedInAt)

	// store row got the status even though it has no timestamp column
	assert.Equal(t, string(model.ParticipantAttended), store.participants["p1"].Status)
	assert.Nil(t, store.participants["p1"].CheckedInAt)

	assert.Len(t, rec.CheckedInList(ListOptions{}), 1)
}

func TestCheckInFailsClosedOnWriteError(t *testing.T) {
	store := newFakeRosterStore(registered("p1", "e1", "pat@example.com", "Pat", "Lee"))
	store.failWrites = true
	rec := newTestReconciler(store)
	_, err := rec.LoadRoster(context.Background(), "e1")
	require.NoError(t, err)

	_, err = rec.CheckIn(context.Background(), "p1")
	assert.Error(t, err)

	// no optimistic update leaked into the cache
	assert.Empty(t, rec.CheckedInList(ListOptions{}))
	roster, err := rec.LoadRoster(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, string(model.ParticipantRegistered), roster[0].Status)
}

func TestCheckInVerificationDegradesGracefully(t *testing.T) {
	store := newFakeRosterStore(registered("p1", "e1", "pat@example.com", "Pat", "Lee"))
	store.failReads = 10 // more than the retry budget
	rec := newTestReconciler(store)
	_, err := rec.LoadRoster(context.Background(), "e1")
	require.NoError(t, err)
	store.rosterFetches = 0

	result, err := rec.CheckIn(context.Background(), "p1")
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Equal(t, string(model.ParticipantAttended), result.Participant.Status)
	require.NotNil(t, result.Participant.CheckedInAt)
}

func TestCheckInUnknownParticipant(t *testing.T) {
	store := newFakeRosterStore(registered("p1", "e1", "pat@example.com", "Pat", "Lee"))
	rec := newTestReconciler(store)
	_, err := rec.LoadRoster(context.Background(), "e1")
	require.NoError(t, err)

	_, err = rec.CheckIn(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotInRoster)
}

func TestManualCheckInWalkIn(t *testing.T) {
	store := newFakeRosterStore(registered("p1", "e1", "pat@example.com", "Pat", "Lee"))
	rec := newTestReconciler(store)

	result, err := rec.ManualCheckIn(context.Background(), "e1", Identity{
		Email: "walkin@example.com", FirstName: "Walk", LastName: "In",
	})
	require.NoError(t, err)
	assert.False(t, result.AlreadyCheckedIn)
	assert.Equal(t, string(model.ParticipantAttended), result.Participant.Status)
	require.NotNil(t, result.Participant.CheckedInAt)
	assert.Nil(t, result.Participant.UserID)
	assert.Equal(t, 1, store.inserts)

	list := rec.CheckedInList(ListOptions{})
	require.Len(t, list, 1)
	assert.Equal(t, "walkin@example.com", list[0].Email)

	// repeating with the same email must update, never insert a duplicate
	again, err := rec.ManualCheckIn(context.Background(), "e1", Identity{Email: "WALKIN@example.com"})
	require.NoError(t, err)
	assert.True(t, again.AlreadyCheckedIn)
	assert.Equal(t, 1, store.inserts)
	assert.Len(t, rec.CheckedInList(ListOptions{}), 1)
}

func TestManualCheckInSeesRegistrationsAfterRosterLoad(t *testing.T) {
	store := newFakeRosterStore(registered("p1", "e1", "pat@example.com", "Pat", "Lee"))
	rec := newTestReconciler(store)
	_, err := rec.LoadRoster(context.Background(), "e1")
	require.NoError(t, err)

	// registration lands in the store while the roster stays cached
	store.add(registered("p2", "e1", "new@example.com", "New", "Comer"))

	result, err := rec.ManualCheckIn(context.Background(), "e1", Identity{Email: "new@example.com"})
	require.NoError(t, err)
	assert.False(t, result.AlreadyCheckedIn)
	assert.Equal(t, "p2", result.Participant.ID)
	assert.Equal(t, string(model.ParticipantAttended), result.Participant.Status)
	assert.Equal(t, 0, store.inserts)

	// exactly one row carries the email
	rows := 0
	for _, id := range store.order {
		if strings.EqualFold(store.participants[id].Email, "new@example.com") {
			rows++
		}
	}
	assert.Equal(t, 1, rows)

	// repeating goes through the now-cached entry, still without inserting
	again, err := rec.ManualCheckIn(context.Background(), "e1", Identity{Email: "NEW@example.com"})
	require.NoError(t, err)
	assert.True(t, again.AlreadyCheckedIn)
	assert.Equal(t, 0, store.inserts)
}

func TestRefreshRosterPicksUpLateRegistrations(t *testing.T) {
	store := newFakeRosterStore(registered("p1", "e1", "pat@example.com", "Pat", "Lee"))
	rec := newTestReconciler(store)
	_, err := rec.LoadRoster(context.Background(), "e1")
	require.NoError(t, err)

	store.add(registered("p2", "e1", "late@example.com", "Late", "Arrival"))

	// invisible until refreshed
	assert.Nil(t, rec.MatchScan(model.ScanPayload{Type: model.ScanUserProfile, Email: "late@example.com"}))

	roster, err := rec.RefreshRoster(context.Background(), "e1")
	require.NoError(t, err)
	assert.Len(t, roster, 2)

	match := rec.MatchScan(model.ScanPayload{Type: model.ScanUserProfile, Email: "late@example.com"})
	require.NotNil(t, match)

	result, err := rec.CheckIn(context.Background(), match.ID)
	require.NoError(t, err)
	assert.False(t, result.AlreadyCheckedIn)
}

func TestCheckInDoesNotBlockRosterReadsDuringVerification(t *testing.T) {
	store := newFakeRosterStore(
		registered("p1", "e1", "pat@example.com", "Pat", "Lee"),
		registered("p2", "e1", "sam@example.com", "Sam", "Roe"),
	)
	store.readStarted = make(chan struct{}, 1)
	store.readGate = make(chan struct{})
	rec := newTestReconciler(store)
	_, err := rec.LoadRoster(context.Background(), "e1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = rec.CheckIn(context.Background(), "p1")
	}()

	select {
	case <-store.readStarted:
	case <-time.After(time.Second):
		t.Fatal("verification read never started")
	}

	// roster reads must complete while the verification is still in flight
	listed := make(chan []model.Participant, 1)
	go func() { listed <- rec.CheckedInList(ListOptions{}) }()
	select {
	case list := <-listed:
		assert.Empty(t, list) // confirmed state is applied after verification
	case <-time.After(time.Second):
		t.Fatal("roster read blocked behind an in-flight check-in")
	}

	close(store.readGate)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("check-in never finished")
	}
	assert.Len(t, rec.CheckedInList(ListOptions{}), 1)
}

func TestManualCheckInExistingRegistration(t *testing.T) {
	store := newFakeRosterStore(registered("p1", "e1", "pat@example.com", "Pat", "Lee"))
	rec := newTestReconciler(store)

	result, err := rec.ManualCheckIn(context.Background(), "e1", Identity{Email: "Pat@Example.com"})
	require.NoError(t, err)
	assert.False(t, result.AlreadyCheckedIn)
	assert.Equal(t, "p1", result.Participant.ID)
	assert.Equal(t, 0, store.inserts)
}

func TestLoadRosterReloadsOnlyOnSelectionChange(t *testing.T) {
	store := newFakeRosterStore(
		registered("p1", "e1", "one@example.com", "A", "A"),
		registered("p2", "e2", "two@example.com", "B", "B"),
	)
	rec := newTestReconciler(store)

	roster, err := rec.LoadRoster(context.Background(), "e1")
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, 1, store.rosterFetches)

	// a new row appears in the store; selecting the same event must not
	// clobber the cache with a re-read
	store.add(registered("p3", "e1", "three@example.com", "C", "C"))
	roster, err = rec.LoadRoster(context.Background(), "e1")
	require.NoError(t, err)
	assert.Len(t, roster, 1)
	assert.Equal(t, 1, store.rosterFetches)

	// switching events fetches, switching back fetches again
	_, err = rec.LoadRoster(context.Background(), "e2")
	require.NoError(t, err)
	assert.Equal(t, 2, store.rosterFetches)

	roster, err = rec.LoadRoster(context.Background(), "e1")
	require.NoError(t, err)
	assert.Len(t, roster, 2)

	// forced reload always re-reads
	roster, err = rec.ReloadRoster(context.Background())
	require.NoError(t, err)
	assert.Len(t, roster, 2)
}

func TestReloadRosterWithoutSelection(t *testing.T) {
	rec := newTestReconciler(newFakeRosterStore())
	_, err := rec.ReloadRoster(context.Background())
	assert.ErrorIs(t, err, ErrRosterNotLoaded)
}

func TestProjectionMatchesStoreAfterMutations(t *testing.T) {
	store := newFakeRosterStore(
		registered("p1", "e1", "one@example.com", "A", "A"),
		registered("p2", "e1", "two@example.com", "B", "B"),
		registered("p3", "e1", "three@example.com", "C", "C"),
	)
	rec := newTestReconciler(store)
	_, err := rec.LoadRoster(context.Background(), "e1")
	require.NoError(t, err)

	_, err = rec.CheckIn(context.Background(), "p1")
	require.NoError(t, err)
	_, err = rec.CheckIn(context.Background(), "p2")
	require.NoError(t, err)
	_, err = rec.UndoCheckIn(context.Background(), "p1")
	require.NoError(t, err)
	_, err = rec.ManualCheckIn(context.Background(), "e1", Identity{Email: "four@example.com", FirstName: "D"})
	require.NoError(t, err)

	projected := idsOf(rec.CheckedInList(ListOptions{}))

	// the same list must be reproducible from the store alone
	reloaded, err := rec.ReloadRoster(context.Background())
	require.NoError(t, err)
	var fromStore []string
	for i := range reloaded {
		if reloaded[i].IsCheckedIn() {
			fromStore = append(fromStore, reloaded[i].ID)
		}
	}
	sort.Strings(fromStore)
	assert.Equal(t, projected, fromStore)
	assert.Equal(t, projected, idsOf(rec.CheckedInList(ListOptions{})))
}

func idsOf(list []model.Participant) []string {
	var ids []string
	for i := range list {
		ids = append(ids, list[i].ID)
	}
	sort.Strings(ids)
	return ids
}

func TestCheckedInListFilterAndSort(t *testing.T) {
	base := fixedClock()
	at := func(d time.Duration) *time.Time {
		t := base.Add(d)
		return &t
	}
	store := newFakeRosterStore(
		model.Participant{ID: "p1", EventID: "e1", Email: "zoe@example.com", FirstName: "Zoe", LastName: "Adams", Status: "attended", CheckedInAt: at(3 * time.Minute)},
		model.Participant{ID: "p2", EventID: "e1", Email: "amir@example.com", FirstName: "Amir", LastName: "Khan", Status: "attended", CheckedInAt: at(1 * time.Minute)},
		model.Participant{ID: "p3", EventID: "e1", Email: "mia@example.com", FirstName: "Mia", LastName: "Chen", Status: "attended", CheckedInAt: at(2 * time.Minute)},
		registered("p4", "e1", "notyet@example.com", "No", "Show"),
	)
	rec := newTestReconciler(store)
	_, err := rec.LoadRoster(context.Background(), "e1")
	require.NoError(t, err)

	byTime := rec.CheckedInList(ListOptions{SortBy: SortByTime})
	require.Len(t, byTime, 3)
	assert.Equal(t, []string{"p2", "p3", "p1"}, orderedIDs(byTime))

	byTimeDesc := rec.CheckedInList(ListOptions{SortBy: SortByTime, Desc: true})
	assert.Equal(t, []string{"p1", "p3", "p2"}, orderedIDs(byTimeDesc))

	byName := rec.CheckedInList(ListOptions{SortBy: SortByName})
	assert.Equal(t, []string{"p2", "p3", "p1"}, orderedIDs(byName))

	byEmail := rec.CheckedInList(ListOptions{SortBy: SortByEmail})
	assert.Equal(t, []string{"p2", "p3", "p1"}, orderedIDs(byEmail))

	filtered := rec.CheckedInList(ListOptions{Query: "MIA"})
	require.Len(t, filtered, 1)
	assert.Equal(t, "p3", filtered[0].ID)

	filtered = rec.CheckedInList(ListOptions{Query: "example.com"})
	assert.Len(t, filtered, 3)

	assert.Empty(t, rec.CheckedInList(ListOptions{Query: "nobody"}))
}

func orderedIDs(list []model.Participant) []string {
	ids := make([]string, 0, len(list))
	for i := range list {
		ids = append(ids, list[i].ID)
	}
	return ids
}
