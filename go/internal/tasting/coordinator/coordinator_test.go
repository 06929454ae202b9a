package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/blindtasting/go/internal/dbconfig"
	"github.com/mcdev12/blindtasting/go/internal/kvstore"
	"github.com/mcdev12/blindtasting/go/internal/models"
	"github.com/mcdev12/blindtasting/go/internal/tasting/device"
	"github.com/mcdev12/blindtasting/go/internal/tasting/events"
	"github.com/mcdev12/blindtasting/go/internal/tasting/relay"
	"github.com/mcdev12/blindtasting/go/internal/tasting/repository"
	"github.com/mcdev12/blindtasting/go/internal/tasting/sessioncache"
)

type fixedCode string

func (f fixedCode) Generate(context.Context) (string, bool) { return string(f), false }

// flakyStore fails the selected operations on demand.
type flakyStore struct {
	Store
	failSave  atomic.Bool
	failLoad  atomic.Bool
	failGuess atomic.Bool
}

var errDown = errors.New("connection refused")

func (s *flakyStore) Save(ctx context.Context, g *models.Game) error {
	if s.failSave.Load() {
		return errDown
	}
	return s.Store.Save(ctx, g)
}

func (s *flakyStore) SavePlayers(ctx context.Context, g *models.Game, playerIDs ...string) error {
	if s.failSave.Load() {
		return errDown
	}
	return s.Store.SavePlayers(ctx, g, playerIDs...)
}

func (s *flakyStore) LoadBySessionCode(ctx context.Context, code string) (*models.Game, error) {
	if s.failLoad.Load() {
		return nil, errDown
	}
	return s.Store.LoadBySessionCode(ctx, code)
}

func (s *flakyStore) SubmitGuess(ctx context.Context, gameID, playerID, roundID, drinkID string) error {
	if s.failGuess.Load() {
		return errDown
	}
	return s.Store.SubmitGuess(ctx, gameID, playerID, roundID, drinkID)
}

// advanceOnLoad lets the host advance right after the first load, so the
// loading device works from a game the host has already moved past.
type advanceOnLoad struct {
	Store
	host *testDevice
	once sync.Once
	err  error
}

func (s *advanceOnLoad) LoadBySessionCode(ctx context.Context, code string) (*models.Game, error) {
	g, err := s.Store.LoadBySessionCode(ctx, code)
	s.once.Do(func() { s.err = s.host.c.AdvanceRound(ctx) })
	return g, err
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	bus   *relay.LocalBus
	repo  *repository.Repository
	clock *clockwork.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	conn, err := repository.Open(ctx, dbconfig.Config{Driver: dbconfig.DriverSQLite, Path: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	repo := repository.New(conn, false, clock)
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return &harness{t: t, ctx: ctx, bus: relay.NewLocalBus(), repo: repo, clock: clock}
}

type testDevice struct {
	c     *Coordinator
	relay *relay.Local
	kv    *kvstore.Memory
	cache *sessioncache.Cache
	id    string

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// newDevice starts a coordinator on its own key-value store. store may be
// nil to use the shared repository.
func (h *harness) newDevice(cfg Config, store Store) *testDevice {
	return h.startDevice(cfg, store, kvstore.NewMemory())
}

func (h *harness) startDevice(cfg Config, store Store, kv *kvstore.Memory) *testDevice {
	h.t.Helper()
	if store == nil {
		store = h.repo
	}
	identity := device.NewIdentityStore(kv)
	d := &testDevice{
		relay: h.bus.Connect(),
		kv:    kv,
		cache: sessioncache.New(kv),
		id:    identity.DeviceID(),
		done:  make(chan struct{}),
	}
	d.c = New(cfg, Deps{
		Store:    store,
		Relay:    d.relay,
		Codes:    fixedCode("ABC123"),
		Identity: identity,
		Cache:    d.cache,
		Clock:    h.clock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go func() {
		defer close(d.done)
		d.c.Run(ctx)
	}()
	h.t.Cleanup(d.stop)
	return d
}

// restart simulates the app being closed and reopened on the same device.
func (h *harness) restart(d *testDevice, cfg Config) *testDevice {
	h.t.Helper()
	d.stop()
	return h.startDevice(cfg, nil, d.kv)
}

func (d *testDevice) stop() {
	d.stopOnce.Do(func() {
		d.cancel()
		<-d.done
		d.c.Close()
		d.relay.Close()
	})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func tastingA(rounds int) SetupRequest {
	return SetupRequest{
		Name: "Tasting A",
		Mode: models.GameModePro,
		Drinks: []DrinkInput{
			{Name: "Merlot"},
			{Name: "Syrah"},
			{Name: "Malbec"},
		},
		RoundCount: rounds,
	}
}

// hostWithSam sets up a game on a new host device with a pre-created "Sam"
// and joins Sam from a second device.
func hostWithSam(t *testing.T, h *harness, req SetupRequest) (host, guest *testDevice, samID string) {
	t.Helper()
	host = h.newDevice(DefaultConfig(), nil)
	if _, err := host.c.SetUpGame(h.ctx, req); err != nil {
		t.Fatalf("SetUpGame: %v", err)
	}
	sam, err := host.c.AddPlayer(h.ctx, "Sam")
	if err != nil {
		t.Fatalf("AddPlayer: %v", err)
	}

	guest = h.newDevice(DefaultConfig(), nil)
	out, err := guest.c.Join(h.ctx, "abc123", " sam ")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if out.PlayerID != sam.ID || out.Binding != BoundByName {
		t.Fatalf("Join bound %q by %v, want %q by name", out.PlayerID, out.Binding, sam.ID)
	}
	waitForDevice(t, host, sam.ID, guest.id)
	return host, guest, sam.ID
}

func waitForDevice(t *testing.T, d *testDevice, playerID, deviceID string) {
	t.Helper()
	eventually(t, "player device binding", func() bool {
		g := d.c.Game()
		p, ok := g.Player(playerID)
		return ok && p.DeviceID == deviceID
	})
}

func waitForRound(t *testing.T, d *testDevice, idx int) {
	t.Helper()
	eventually(t, "round change", func() bool {
		g := d.c.Game()
		return g != nil && g.CurrentRound == idx
	})
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t)
	host, guest, samID := hostWithSam(t, h, tastingA(2))

	if code := host.c.Game().SessionCode; code != "ABC123" {
		t.Fatalf("session code = %q", code)
	}
	if !host.c.IsHost() || guest.c.IsHost() {
		t.Fatalf("host flags wrong: host=%v guest=%v", host.c.IsHost(), guest.c.IsHost())
	}
	if g := guest.c.Game(); g.CurrentRound != models.NotStarted {
		t.Fatalf("guest should join in registration, got round %d", g.CurrentRound)
	}

	if err := host.c.Start(h.ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	g := host.c.Game()
	if g.CurrentRound != 0 || g.Rounds[0].StartTime == nil {
		t.Fatalf("round 0 not started: %+v", g.Rounds[0])
	}
	waitForRound(t, guest, 0)

	r0 := g.Rounds[0]
	if err := guest.c.SubmitGuess(h.ctx, samID, r0.ID, r0.CorrectDrinkID); err != nil {
		t.Fatalf("SubmitGuess round 0: %v", err)
	}

	h.clock.Advance(10 * time.Second)
	if err := host.c.AdvanceRound(h.ctx); err != nil {
		t.Fatalf("AdvanceRound: %v", err)
	}
	g = host.c.Game()
	if g.CurrentRound != 1 || g.Rounds[0].EndTime == nil || g.Rounds[1].StartTime == nil {
		t.Fatalf("advance did not stamp rounds: %+v", g.Rounds)
	}
	waitForRound(t, guest, 1)

	r1 := g.Rounds[1]
	if err := guest.c.SubmitGuess(h.ctx, samID, r1.ID, r1.CorrectDrinkID); err != nil {
		t.Fatalf("SubmitGuess round 1: %v", err)
	}
	eventually(t, "host to see both guesses", func() bool {
		p, _ := host.c.Game().Player(samID)
		return len(p.Guesses) == 2
	})

	if err := host.c.CompleteGame(h.ctx); err != nil {
		t.Fatalf("CompleteGame: %v", err)
	}
	eventually(t, "guest to see completion", func() bool {
		return guest.c.Game().IsComplete
	})
	if guest.c.EndedEarly() {
		t.Fatalf("natural completion flagged as ended early")
	}

	board := models.Leaderboard(host.c.Game())
	if len(board) != 1 || board[0].PlayerID != samID || board[0].Score != 2 {
		t.Fatalf("unexpected leaderboard: %+v", board)
	}

	stored, err := h.repo.LoadBySessionCode(h.ctx, "ABC123")
	if err != nil {
		t.Fatalf("LoadBySessionCode: %v", err)
	}
	if !stored.IsComplete {
		t.Fatalf("store missed completion")
	}
	if board := models.Leaderboard(stored); board[0].Score != 2 {
		t.Fatalf("stored score = %d, want 2", board[0].Score)
	}
}

func TestDuplicateGuessRejected(t *testing.T) {
	h := newHarness(t)
	host, guest, samID := hostWithSam(t, h, tastingA(2))
	if err := host.c.Start(h.ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForRound(t, guest, 0)

	g := guest.c.Game()
	round := g.Rounds[0].ID
	first, second := g.Drinks[0].ID, g.Drinks[1].ID

	if err := guest.c.SubmitGuess(h.ctx, samID, round, first); err != nil {
		t.Fatalf("first guess: %v", err)
	}
	err := guest.c.SubmitGuess(h.ctx, samID, round, second)
	if !errors.Is(err, ErrRoundAlreadyAnswered) || !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("second guess err = %v, want ErrRoundAlreadyAnswered", err)
	}

	p, _ := guest.c.Game().Player(samID)
	if p.Guesses[round] != first {
		t.Fatalf("local guess = %q, want %q", p.Guesses[round], first)
	}
	stored, err := h.repo.LoadBySessionCode(h.ctx, "ABC123")
	if err != nil {
		t.Fatalf("LoadBySessionCode: %v", err)
	}
	sp, _ := stored.Player(samID)
	if sp.Guesses[round] != first {
		t.Fatalf("stored guess = %q, want %q", sp.Guesses[round], first)
	}
}

func TestGuessPolicy(t *testing.T) {
	h := newHarness(t)
	host, guest, samID := hostWithSam(t, h, tastingA(2))
	alex, err := host.c.AddPlayer(h.ctx, "Alex")
	if err != nil {
		t.Fatalf("AddPlayer: %v", err)
	}
	hostPlayer, _ := host.c.CurrentPlayer()

	g := host.c.Game()
	r0, r1 := g.Rounds[0], g.Rounds[1]
	if err := guest.c.SubmitGuess(h.ctx, samID, r0.ID, r0.CorrectDrinkID); !errors.Is(err, ErrGameNotStarted) {
		t.Fatalf("guess before start: %v", err)
	}

	if err := host.c.Start(h.ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForRound(t, guest, 0)
	eventually(t, "guest to learn about Alex", func() bool {
		_, ok := guest.c.Game().Player(alex.ID)
		return ok
	})

	cases := []struct {
		name     string
		d        *testDevice
		playerID string
		roundID  string
		drinkID  string
		want     error
	}{
		{"host on host device", host, hostPlayer.ID, r0.ID, r0.CorrectDrinkID, ErrHostCannotGuess},
		{"host from guest device", guest, hostPlayer.ID, r0.ID, r0.CorrectDrinkID, ErrHostCannotGuess},
		{"someone else's player", guest, alex.ID, r0.ID, r0.CorrectDrinkID, ErrIdentityMismatch},
		{"unknown player", guest, "nobody", r0.ID, r0.CorrectDrinkID, ErrPlayerNotFound},
		{"future round", guest, samID, r1.ID, r1.CorrectDrinkID, ErrRoundNotOpen},
		{"unknown round", guest, samID, "r-x", r0.CorrectDrinkID, ErrRoundNotFound},
		{"unknown drink", guest, samID, r0.ID, "d-x", ErrDrinkNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.d.c.SubmitGuess(h.ctx, tc.playerID, tc.roundID, tc.drinkID)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}

	p, _ := guest.c.Game().Player(samID)
	if len(p.Guesses) != 0 {
		t.Fatalf("rejected guesses were recorded: %v", p.Guesses)
	}
}

func TestStaleCountdownNeverFiresIntoNextRound(t *testing.T) {
	h := newHarness(t)
	host := h.newDevice(DefaultConfig(), nil)
	req := tastingA(3)
	req.EnableTimeLimit = true
	req.RoundTimeLimit = 60
	if _, err := host.c.SetUpGame(h.ctx, req); err != nil {
		t.Fatalf("SetUpGame: %v", err)
	}
	if _, err := host.c.AddPlayer(h.ctx, "Sam"); err != nil {
		t.Fatalf("AddPlayer: %v", err)
	}
	if err := host.c.Start(h.ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rem, ok := host.c.Remaining(); !ok || rem != 60*time.Second {
		t.Fatalf("Remaining() = %v, %v", rem, ok)
	}

	h.clock.Advance(30 * time.Second)
	if err := host.c.AdvanceRound(h.ctx); err != nil {
		t.Fatalf("AdvanceRound: %v", err)
	}

	// round 0 would have expired 10s ago; round 1 has 20s left
	h.clock.Advance(40 * time.Second)
	eventually(t, "countdown to reach 20s", func() bool {
		rem, ok := host.c.Remaining()
		return ok && rem == 20*time.Second
	})
	if g := host.c.Game(); g.CurrentRound != 1 {
		t.Fatalf("stale countdown moved the game to round %d", g.CurrentRound)
	}

	h.clock.Advance(30 * time.Second)
	waitForRound(t, host, 2)
	if g := host.c.Game(); g.IsComplete {
		t.Fatalf("expiry of round 1 should advance, not complete")
	}

	h.clock.Advance(61 * time.Second)
	eventually(t, "last round expiry to complete the game", func() bool {
		return host.c.Game().IsComplete
	})
	if host.c.EndedEarly() {
		t.Fatalf("timeout completion is not an early end")
	}
}

func TestOnlyHostActsOnExpiry(t *testing.T) {
	h := newHarness(t)
	req := tastingA(2)
	req.EnableTimeLimit = true
	req.RoundTimeLimit = 30
	host, guest, _ := hostWithSam(t, h, req)
	if err := host.c.Start(h.ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForRound(t, guest, 0)
	eventually(t, "guest countdown", func() bool {
		_, ok := guest.c.Remaining()
		return ok
	})

	// host app closes before the round runs out
	host.stop()
	h.clock.Advance(45 * time.Second)
	eventually(t, "guest countdown to run out", func() bool {
		rem, ok := guest.c.Remaining()
		return ok && rem == 0
	})
	if g := guest.c.Game(); g.CurrentRound != 0 {
		t.Fatalf("guest advanced on its own to round %d", g.CurrentRound)
	}
	stored, err := h.repo.LoadBySessionCode(h.ctx, "ABC123")
	if err != nil {
		t.Fatalf("LoadBySessionCode: %v", err)
	}
	if stored.CurrentRound != 0 {
		t.Fatalf("store moved to round %d without the host", stored.CurrentRound)
	}

	// the returning host notices the expired round and advances once
	host = h.restart(host, DefaultConfig())
	out, err := host.c.Restore(h.ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !out.Resolved() || !out.Refreshed {
		t.Fatalf("restore outcome = %+v", out)
	}
	waitForRound(t, host, 1)
	waitForRound(t, guest, 1)
}

func TestIdentityRecoveryAfterDeviceIDLoss(t *testing.T) {
	h := newHarness(t)
	_, guest, samID := hostWithSam(t, h, tastingA(2))
	oldDevice := guest.id

	// the device id is wiped but the per-session keys survive
	if err := guest.kv.Delete(device.KeyDeviceID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	guest = h.restart(guest, DefaultConfig())
	if guest.id == oldDevice {
		t.Fatalf("expected a fresh device id")
	}

	out, err := guest.c.Join(h.ctx, "ABC123", "Sam")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if out.PlayerID != samID || out.Binding != BoundByStoredID {
		t.Fatalf("rejoin bound %q by %v, want %q by stored id", out.PlayerID, out.Binding, samID)
	}
	if got := len(out.Game.Players); got != 2 {
		t.Fatalf("rejoin created a player: %d players", got)
	}
	p, _ := out.Game.Player(samID)
	if p.DeviceID != guest.id {
		t.Fatalf("player device = %q, want %q", p.DeviceID, guest.id)
	}
}

func TestRestoreRebindsFromCache(t *testing.T) {
	h := newHarness(t)
	_, guest, samID := hostWithSam(t, h, tastingA(2))

	guest = h.restart(guest, DefaultConfig())
	if guest.c.Game() != nil {
		t.Fatalf("new coordinator should start empty")
	}
	out, err := guest.c.Restore(h.ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if out.PlayerID != samID || !out.Refreshed {
		t.Fatalf("restore outcome = %+v", out)
	}
	if !guest.c.IdentityResolved() {
		t.Fatalf("identity not resolved after restore")
	}
}

func TestRestoreWithoutStore(t *testing.T) {
	h := newHarness(t)
	_, guest, samID := hostWithSam(t, h, tastingA(2))

	guest.stop()
	down := &flakyStore{Store: h.repo}
	down.failLoad.Store(true)
	guest = h.startDevice(DefaultConfig(), down, guest.kv)

	out, err := guest.c.Restore(h.ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if out.Refreshed || out.PlayerID != samID {
		t.Fatalf("restore outcome = %+v, want cached snapshot bound to Sam", out)
	}
}

func TestResetPurgesSessionKeys(t *testing.T) {
	h := newHarness(t)
	_, guest, _ := hostWithSam(t, h, tastingA(2))

	if _, ok := guest.cache.Load(); !ok {
		t.Fatalf("expected a cached snapshot before reset")
	}
	guest.c.Reset()

	if guest.c.Game() != nil || guest.c.IdentityResolved() {
		t.Fatalf("reset left local state behind")
	}
	if _, ok := guest.cache.Load(); ok {
		t.Fatalf("snapshot survived reset")
	}
	keys, err := guest.kv.Keys("")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if diff := cmp.Diff([]string{device.KeyDeviceID}, keys); diff != "" {
		t.Fatalf("keys after reset (-want +got):\n%s", diff)
	}
}

func TestLateJoinerCatchesUp(t *testing.T) {
	h := newHarness(t)
	host, guest, _ := hostWithSam(t, h, tastingA(2))
	if _, err := host.c.AddPlayer(h.ctx, "Alex"); err != nil {
		t.Fatalf("AddPlayer: %v", err)
	}
	if err := host.c.Start(h.ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := host.c.AdvanceRound(h.ctx); err != nil {
		t.Fatalf("AdvanceRound: %v", err)
	}
	waitForRound(t, guest, 1)

	late := h.newDevice(DefaultConfig(), nil)
	out, err := late.c.Join(h.ctx, "ABC123", "alex")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if out.Game.CurrentRound != 1 {
		t.Fatalf("late joiner sees round %d, want 1", out.Game.CurrentRound)
	}
	if g := late.c.Game(); g.CurrentRound != 1 || !late.c.IdentityResolved() {
		t.Fatalf("late joiner local state: round %d, resolved %v", g.CurrentRound, late.c.IdentityResolved())
	}
}

func TestGameStateUpdatedIsIdempotent(t *testing.T) {
	h := newHarness(t)
	host, guest, samID := hostWithSam(t, h, tastingA(2))
	if err := host.c.Start(h.ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForRound(t, guest, 0)
	g := guest.c.Game()
	if err := guest.c.SubmitGuess(h.ctx, samID, g.Rounds[0].ID, g.Drinks[0].ID); err != nil {
		t.Fatalf("SubmitGuess: %v", err)
	}
	eventually(t, "host to record the guess", func() bool {
		p, _ := host.c.Game().Player(samID)
		return len(p.Guesses) == 1
	})

	snap := host.c.Game()
	e := events.GameStateUpdated{Header: events.NewHeader(snap, h.clock.Now()), Game: snap}

	guest.c.HandleEvent(h.ctx, e)
	once := guest.c.Game()
	guest.c.HandleEvent(h.ctx, e)
	twice := guest.c.Game()

	if diff := cmp.Diff(once, twice); diff != "" {
		t.Fatalf("second application changed state (-once +twice):\n%s", diff)
	}
	if len(twice.Players) != 2 {
		t.Fatalf("players duplicated: %d", len(twice.Players))
	}
	p, _ := twice.Player(samID)
	if len(p.Guesses) != 1 {
		t.Fatalf("guesses duplicated or lost: %v", p.Guesses)
	}
	if cur, _ := guest.c.CurrentPlayer(); cur.ID != samID {
		t.Fatalf("binding lost after snapshot, bound to %q", cur.ID)
	}
}

func TestEventsForOtherGamesAreIgnored(t *testing.T) {
	h := newHarness(t)
	host, guest, _ := hostWithSam(t, h, tastingA(2))

	other := host.c.Game()
	other.ID = "someone-else"
	other.SessionCode = "ZZZZZZ"
	other.CurrentRound = 1
	before := guest.c.Game()
	guest.c.HandleEvent(h.ctx, events.GameStateUpdated{
		Header: events.NewHeader(other, h.clock.Now()),
		Game:   other,
	})
	if diff := cmp.Diff(before, guest.c.Game()); diff != "" {
		t.Fatalf("foreign snapshot applied (-want +got):\n%s", diff)
	}
}

func TestStartRules(t *testing.T) {
	h := newHarness(t)
	host := h.newDevice(Config{MinPlayers: 2}, nil)
	if _, err := host.c.SetUpGame(h.ctx, tastingA(2)); err != nil {
		t.Fatalf("SetUpGame: %v", err)
	}
	if err := host.c.Start(h.ctx); !errors.Is(err, ErrNotEnoughPlayers) {
		t.Fatalf("start with no guests: %v", err)
	}
	if _, err := host.c.AddPlayer(h.ctx, "Sam"); err != nil {
		t.Fatalf("AddPlayer: %v", err)
	}
	if err := host.c.Start(h.ctx); !errors.Is(err, ErrNotEnoughPlayers) {
		t.Fatalf("start with one guest: %v", err)
	}
	if _, err := host.c.AddPlayer(h.ctx, "  SAM "); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("duplicate name: %v", err)
	}
	if _, err := host.c.AddPlayer(h.ctx, "Alex"); err != nil {
		t.Fatalf("AddPlayer: %v", err)
	}
	if err := host.c.Start(h.ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := host.c.Start(h.ctx); !errors.Is(err, ErrGameAlreadyStarted) {
		t.Fatalf("second start: %v", err)
	}
	if _, err := host.c.AddPlayer(h.ctx, "Jordan"); !errors.Is(err, ErrGameAlreadyStarted) {
		t.Fatalf("add after start: %v", err)
	}
}

func TestGuestCannotRunTheGame(t *testing.T) {
	h := newHarness(t)
	_, guest, _ := hostWithSam(t, h, tastingA(2))

	ops := map[string]func() error{
		"start":    func() error { return guest.c.Start(h.ctx) },
		"advance":  func() error { return guest.c.AdvanceRound(h.ctx) },
		"complete": func() error { return guest.c.CompleteGame(h.ctx) },
		"end":      func() error { return guest.c.EndGame(h.ctx) },
		"add":      func() error { _, err := guest.c.AddPlayer(h.ctx, "Alex"); return err },
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, ErrNotHost) {
			t.Fatalf("%s from guest: %v", name, err)
		}
	}
}

func TestEndGameEarly(t *testing.T) {
	h := newHarness(t)
	host, guest, _ := hostWithSam(t, h, tastingA(3))
	if err := host.c.Start(h.ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := host.c.CompleteGame(h.ctx); !errors.Is(err, ErrRoundsRemaining) {
		t.Fatalf("complete on round 0 of 3: %v", err)
	}
	if err := host.c.EndGame(h.ctx); err != nil {
		t.Fatalf("EndGame: %v", err)
	}
	g := host.c.Game()
	if !g.IsComplete || g.Rounds[0].EndTime == nil || !host.c.EndedEarly() {
		t.Fatalf("end game did not complete: complete=%v early=%v", g.IsComplete, host.c.EndedEarly())
	}
	eventually(t, "guest to see the early end", func() bool {
		return guest.c.Game().IsComplete && guest.c.EndedEarly()
	})
	if err := host.c.AdvanceRound(h.ctx); !errors.Is(err, ErrGameComplete) {
		t.Fatalf("advance after end: %v", err)
	}
}

func TestAdvancePastLastRound(t *testing.T) {
	h := newHarness(t)
	host, _, _ := hostWithSam(t, h, tastingA(1))
	if err := host.c.AdvanceRound(h.ctx); !errors.Is(err, ErrGameNotStarted) {
		t.Fatalf("advance before start: %v", err)
	}
	if err := host.c.Start(h.ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := host.c.AdvanceRound(h.ctx); !errors.Is(err, ErrNoMoreRounds) {
		t.Fatalf("advance on last round: %v", err)
	}
	if err := host.c.CompleteGame(h.ctx); err != nil {
		t.Fatalf("CompleteGame: %v", err)
	}
}

func TestStrictJoinLeavesDeviceUnbound(t *testing.T) {
	h := newHarness(t)
	host, _, samID := hostWithSam(t, h, tastingA(2))

	tablet := h.newDevice(DefaultConfig(), nil)
	out, err := tablet.c.Join(h.ctx, "ABC123", "Nobody")
	if !errors.Is(err, ErrNameNotRecognized) || !errors.Is(err, ErrIdentityUnresolved) {
		t.Fatalf("Join err = %v, want ErrNameNotRecognized", err)
	}
	if out.Game == nil || out.PlayerID != "" {
		t.Fatalf("outcome = %+v, want game without player", out)
	}
	if tablet.c.Game() == nil || tablet.c.IdentityResolved() {
		t.Fatalf("tablet should hold the game unbound")
	}
	stored, err := h.repo.LoadBySessionCode(h.ctx, "ABC123")
	if err != nil {
		t.Fatalf("LoadBySessionCode: %v", err)
	}
	if len(stored.Players) != 2 {
		t.Fatalf("strict join created a player: %d players", len(stored.Players))
	}

	// an unbound device may enter guesses for any guest
	if err := host.c.Start(h.ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForRound(t, tablet, 0)
	r0 := tablet.c.Game().Rounds[0]
	if err := tablet.c.SubmitGuess(h.ctx, samID, r0.ID, r0.CorrectDrinkID); err != nil {
		t.Fatalf("SubmitGuess from unbound device: %v", err)
	}
}

func TestPermissiveJoinAddsPlayer(t *testing.T) {
	h := newHarness(t)
	host, _, _ := hostWithSam(t, h, tastingA(2))

	cfg := DefaultConfig()
	cfg.JoinPolicy = JoinPermissive
	newcomer := h.newDevice(cfg, nil)
	out, err := newcomer.c.Join(h.ctx, "ABC123", "Jordan")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if out.Binding != BoundByNewPlayer || out.PlayerID == "" {
		t.Fatalf("outcome = %+v, want a new player", out)
	}
	eventually(t, "host to learn about Jordan", func() bool {
		_, ok := host.c.Game().Player(out.PlayerID)
		return ok
	})
	stored, err := h.repo.LoadBySessionCode(h.ctx, "ABC123")
	if err != nil {
		t.Fatalf("LoadBySessionCode: %v", err)
	}
	if p, ok := stored.Player(out.PlayerID); !ok || p.Name != "Jordan" || p.DeviceID != newcomer.id {
		t.Fatalf("stored player = %+v, %v", p, ok)
	}
}

func TestJoinUnknownCode(t *testing.T) {
	h := newHarness(t)
	guest := h.newDevice(DefaultConfig(), nil)
	_, err := guest.c.Join(h.ctx, "NOPE99", "Sam")
	if !errors.Is(err, ErrGameNotFound) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("Join err = %v, want ErrGameNotFound", err)
	}
	if guest.c.Game() != nil {
		t.Fatalf("failed join left a game behind")
	}
}

func TestJoinThroughRelayWhenStoreIsDown(t *testing.T) {
	h := newHarness(t)
	host := h.newDevice(DefaultConfig(), nil)
	if _, err := host.c.SetUpGame(h.ctx, tastingA(2)); err != nil {
		t.Fatalf("SetUpGame: %v", err)
	}
	sam, err := host.c.AddPlayer(h.ctx, "Sam")
	if err != nil {
		t.Fatalf("AddPlayer: %v", err)
	}

	down := &flakyStore{Store: h.repo}
	down.failLoad.Store(true)
	guest := h.newDevice(DefaultConfig(), down)
	out, err := guest.c.Join(h.ctx, "ABC123", "Sam")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if out.PlayerID != sam.ID || out.Binding != BoundByDevice {
		t.Fatalf("outcome bound %q by %v, want %q by device", out.PlayerID, out.Binding, sam.ID)
	}
	waitForDevice(t, host, sam.ID, guest.id)
}

func TestJoinTimesOutWithoutHost(t *testing.T) {
	h := newHarness(t)
	down := &flakyStore{Store: h.repo}
	down.failLoad.Store(true)
	guest := h.newDevice(DefaultConfig(), down)

	errc := make(chan error, 1)
	go func() {
		_, err := guest.c.Join(h.ctx, "ABC123", "Sam")
		errc <- err
	}()

	ctx, cancel := context.WithTimeout(h.ctx, 3*time.Second)
	defer cancel()
	if err := h.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("join never started waiting: %v", err)
	}
	h.clock.Advance(DefaultConfig().JoinTimeout)

	select {
	case err := <-errc:
		if !errors.Is(err, ErrJoinTimedOut) || !errors.Is(err, ErrRelayUnavailable) {
			t.Fatalf("Join err = %v, want ErrJoinTimedOut", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Join did not return after the timeout")
	}
}

func TestStorageFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	store := &flakyStore{Store: h.repo}
	host := h.newDevice(DefaultConfig(), store)
	if _, err := host.c.SetUpGame(h.ctx, tastingA(2)); err != nil {
		t.Fatalf("SetUpGame: %v", err)
	}

	store.failSave.Store(true)
	if _, err := host.c.AddPlayer(h.ctx, "Sam"); !errors.Is(err, ErrStorage) {
		t.Fatalf("AddPlayer with store down: %v", err)
	}
	if n := len(host.c.Game().Players); n != 1 {
		t.Fatalf("failed add kept locally: %d players", n)
	}
	store.failSave.Store(false)

	sam, err := host.c.AddPlayer(h.ctx, "Sam")
	if err != nil {
		t.Fatalf("AddPlayer: %v", err)
	}
	if err := host.c.Start(h.ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	guestStore := &flakyStore{Store: h.repo}
	guest := h.newDevice(DefaultConfig(), guestStore)
	if _, err := guest.c.Join(h.ctx, "ABC123", "Sam"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	r0 := guest.c.Game().Rounds[0]

	guestStore.failGuess.Store(true)
	if err := guest.c.SubmitGuess(h.ctx, sam.ID, r0.ID, r0.CorrectDrinkID); !errors.Is(err, ErrStorage) {
		t.Fatalf("SubmitGuess with store down: %v", err)
	}
	if p, _ := guest.c.Game().Player(sam.ID); p.HasGuessed(r0.ID) {
		t.Fatalf("failed guess kept locally")
	}
	guestStore.failGuess.Store(false)
	if err := guest.c.SubmitGuess(h.ctx, sam.ID, r0.ID, r0.CorrectDrinkID); err != nil {
		t.Fatalf("retry SubmitGuess: %v", err)
	}
}

func TestSetUpGameValidation(t *testing.T) {
	h := newHarness(t)
	host := h.newDevice(DefaultConfig(), nil)

	tooFew := tastingA(4)
	badMode := tastingA(2)
	badMode.Mode = "expert"
	badRef := tastingA(2)
	badRef.Rounds = []RoundInput{{CorrectDrinkID: "Merlot"}, {CorrectDrinkID: "Rioja"}}

	for name, req := range map[string]SetupRequest{
		"more rounds than drinks": tooFew,
		"unknown mode":            badMode,
		"unknown drink reference": badRef,
		"no name":                 {Mode: models.GameModeBeginner, Drinks: []DrinkInput{{Name: "x"}}, RoundCount: 1},
	} {
		if _, err := host.c.SetUpGame(h.ctx, req); !errors.Is(err, ErrInvalidSetup) {
			t.Fatalf("%s: err = %v", name, err)
		}
	}
	if host.c.Game() != nil {
		t.Fatalf("invalid setup produced a game")
	}

	ok := tastingA(2)
	ok.Rounds = []RoundInput{{Name: "First", CorrectDrinkID: "malbec"}, {CorrectDrinkID: "Syrah"}}
	g, err := host.c.SetUpGame(h.ctx, ok)
	if err != nil {
		t.Fatalf("SetUpGame: %v", err)
	}
	want := []string{"Malbec", "Syrah"}
	for i, r := range g.Rounds {
		d, _ := g.Drink(r.CorrectDrinkID)
		if d.Name != want[i] {
			t.Fatalf("round %d answer = %q, want %q", i, d.Name, want[i])
		}
	}
	if g.Rounds[0].Name != "First" || g.Rounds[1].Name != "Round 2" {
		t.Fatalf("round names = %q, %q", g.Rounds[0].Name, g.Rounds[1].Name)
	}
	if g.RoundTimeLimit != 60 || g.CurrentRound != models.NotStarted {
		t.Fatalf("defaults not applied: limit=%d round=%d", g.RoundTimeLimit, g.CurrentRound)
	}
}

func TestJoinNeverRewindsStoredProgress(t *testing.T) {
	strict := DefaultConfig()
	permissive := DefaultConfig()
	permissive.JoinPolicy = JoinPermissive

	cases := []struct {
		name string
		cfg  Config
		as   string
	}{
		{"existing player", strict, "Alex"},
		{"new player", permissive, "Jordan"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			host, guest, _ := hostWithSam(t, h, tastingA(2))
			if _, err := host.c.AddPlayer(h.ctx, "Alex"); err != nil {
				t.Fatalf("AddPlayer: %v", err)
			}
			if err := host.c.Start(h.ctx); err != nil {
				t.Fatalf("Start: %v", err)
			}
			waitForRound(t, guest, 0)

			store := &advanceOnLoad{Store: h.repo, host: host}
			late := h.newDevice(tc.cfg, store)
			out, err := late.c.Join(h.ctx, "ABC123", tc.as)
			if err != nil {
				t.Fatalf("Join: %v", err)
			}
			if store.err != nil {
				t.Fatalf("AdvanceRound during join: %v", store.err)
			}

			stored, err := h.repo.LoadBySessionCode(h.ctx, "ABC123")
			if err != nil {
				t.Fatalf("LoadBySessionCode: %v", err)
			}
			if stored.CurrentRound != 1 || stored.Rounds[1].StartTime == nil {
				t.Fatalf("store rolled back: round %d, round 2 start %v", stored.CurrentRound, stored.Rounds[1].StartTime)
			}
			if p, ok := stored.PlayerByDevice(late.id); !ok || p.ID != out.PlayerID {
				t.Fatalf("join binding not stored: %+v, %v", p, ok)
			}

			waitForRound(t, late, 1)
			waitForDevice(t, guest, out.PlayerID, late.id)
			if g := guest.c.Game(); g.CurrentRound != 1 {
				t.Fatalf("other guest moved back to round %d", g.CurrentRound)
			}
		})
	}
}

func TestStaleSnapshotKeepsProgress(t *testing.T) {
	start := models.Millis(1_700_000_000_000)
	local := &models.Game{
		ID:           "g1",
		CurrentRound: 1,
		Rounds: []models.Round{
			{ID: "r1", StartTime: &start, EndTime: &start},
			{ID: "r2", StartTime: &start},
		},
		Players: []models.Player{
			{ID: "p1", Name: "Sam", Guesses: map[string]string{"r1": "d1"}},
		},
	}
	snap := local.Clone()
	snap.CurrentRound = 0
	snap.Rounds[0].EndTime = nil
	snap.Rounds[1].StartTime = nil
	snap.Players[0].Guesses = map[string]string{}
	snap.Players = append(snap.Players, models.Player{ID: "p2", Name: "Jordan", Guesses: map[string]string{}})

	got := adoptSnapshot(local, snap)
	want := local.Clone()
	want.Players = append(want.Players, snap.Players[1])
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("adopted game mismatch (-want +got):\n%s", diff)
	}
}

func TestRelayJoinReportsUnknownName(t *testing.T) {
	h := newHarness(t)
	host := h.newDevice(DefaultConfig(), nil)
	if _, err := host.c.SetUpGame(h.ctx, tastingA(2)); err != nil {
		t.Fatalf("SetUpGame: %v", err)
	}
	if _, err := host.c.AddPlayer(h.ctx, "Sam"); err != nil {
		t.Fatalf("AddPlayer: %v", err)
	}

	down := &flakyStore{Store: h.repo}
	down.failLoad.Store(true)
	guest := h.newDevice(DefaultConfig(), down)

	// the fake clock never moves, so only the host's answer can end the wait
	out, err := guest.c.Join(h.ctx, "ABC123", "Nobody")
	if !errors.Is(err, ErrNameNotRecognized) {
		t.Fatalf("Join err = %v, want ErrNameNotRecognized", err)
	}
	if out.Game == nil || out.PlayerID != "" || guest.c.IdentityResolved() {
		t.Fatalf("outcome = %+v, want the game without a player", out)
	}
	if g := host.c.Game(); len(g.Players) != 2 {
		t.Fatalf("host admitted an unknown name: %d players", len(g.Players))
	}
}
