package raffle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nft-raffle/internal/clock"
	"nft-raffle/internal/credential"
	"nft-raffle/internal/escrow"
	"nft-raffle/internal/models"
	"nft-raffle/internal/randomness"
)

const (
	owner    models.Principal = "owner"
	operator models.Principal = "operator"
	alice    models.Principal = "alice"
	bob      models.Principal = "bob"
)

type staticGuard struct {
	owner, operator, payout models.Principal
}

func (g staticGuard) Owner() models.Principal         { return g.owner }
func (g staticGuard) Operator() models.Principal      { return g.operator }
func (g staticGuard) PayoutAddress() models.Principal { return g.payout }

// flakyEscrow wraps Memory and fails on demand.
type flakyEscrow struct {
	*escrow.Memory
	depositErr error
	payoutErr  error
	balanceErr error
}

func (f *flakyEscrow) Deposit(from models.Principal, amount models.Amount) error {
	if f.depositErr != nil {
		return f.depositErr
	}
	return f.Memory.Deposit(from, amount)
}

func (f *flakyEscrow) PayOut(ref string, to models.Principal, amount models.Amount) error {
	if f.payoutErr != nil {
		return f.payoutErr
	}
	return f.Memory.PayOut(ref, to, amount)
}

func (f *flakyEscrow) Balance() (models.Amount, error) {
	if f.balanceErr != nil {
		return 0, f.balanceErr
	}
	return f.Memory.Balance()
}

type flakyRegistry struct {
	*credential.Memory
	err error
}

func (f *flakyRegistry) Issue(roundID uint64, to models.Principal) (models.CredentialID, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.Memory.Issue(roundID, to)
}

// archiveJournal keeps what a durable store would hold and fails on demand.
type archiveJournal struct {
	rounds []models.Round
	events []models.Event
	failOn models.EventType
}

func (j *archiveJournal) Record(ev models.Event, r models.Round) error {
	if ev.Type == j.failOn {
		return errors.New("database is locked")
	}
	switch {
	case r.ID == 0:
	case r.ID > uint64(len(j.rounds)):
		j.rounds = append(j.rounds, r)
	default:
		j.rounds[r.ID-1] = r
	}
	j.events = append(j.events, ev)
	return nil
}

func (j *archiveJournal) archive() models.Archive {
	a := models.Archive{Events: append([]models.Event(nil), j.events...)}
	for _, r := range j.rounds {
		a.Rounds = append(a.Rounds, r.Clone())
	}
	return a
}

type recordingSink struct {
	events []models.Event
	rounds []models.Round
}

func (s *recordingSink) Publish(ev models.Event, r models.Round) {
	s.events = append(s.events, ev)
	s.rounds = append(s.rounds, r)
}

type failingSource struct{}

func (failingSource) Seed() ([]byte, error) { return nil, errors.New("beacon offline") }

type fixture struct {
	engine      *Engine
	clock       *clock.Manual
	escrow      *flakyEscrow
	credentials *flakyRegistry
	sink        *recordingSink
}

func newFixture(t *testing.T, price models.Amount) *fixture {
	t.Helper()
	f := &fixture{
		clock:       clock.NewManual(1_000_000),
		escrow:      &flakyEscrow{Memory: escrow.NewMemory()},
		credentials: &flakyRegistry{Memory: credential.NewMemory()},
		sink:        &recordingSink{},
	}
	e, err := New(Config{TicketPrice: price, Interval: DefaultInterval},
		staticGuard{owner: owner, operator: operator, payout: operator}, f.escrow, f.credentials)
	require.NoError(t, err)
	e.SetClock(f.clock)
	e.SetRandomness(randomness.Fixed("seed"))
	e.SetSink(f.sink)
	f.engine = e
	return f
}

// restart builds a second engine over the same escrow and registry, as a new
// process would, and restores it from a.
func (f *fixture) restart(t *testing.T, a models.Archive) *Engine {
	t.Helper()
	e, err := New(Config{TicketPrice: 1, Interval: DefaultInterval},
		staticGuard{owner: owner, operator: operator, payout: operator}, f.escrow, f.credentials)
	require.NoError(t, err)
	e.SetClock(f.clock)
	e.SetRandomness(randomness.Fixed("seed"))
	require.NoError(t, e.Restore(a))
	return e
}

// toPayout runs a round up to a drawn winner.
func (f *fixture) toPayout(t *testing.T) {
	t.Helper()
	_, err := f.engine.StartRound(operator)
	require.NoError(t, err)
	_, err = f.engine.BuyTickets(alice, 3, 3*f.engine.TicketPrice())
	require.NoError(t, err)
	f.clock.Advance(DefaultInterval + time.Second)
	_, err = f.engine.DrawWinner(operator)
	require.NoError(t, err)
}

func TestNew_Validation(t *testing.T) {
	g := staticGuard{owner: owner, operator: operator}
	_, err := New(Config{TicketPrice: 0, Interval: time.Hour}, g, escrow.NewMemory(), credential.NewMemory())
	require.ErrorIs(t, err, ErrInvalidPrice)
	_, err = New(Config{TicketPrice: 1, Interval: time.Millisecond}, g, escrow.NewMemory(), credential.NewMemory())
	require.ErrorIs(t, err, ErrInvalidInterval)
}

func TestEngine_FullRound(t *testing.T) {
	f := newFixture(t, 1)
	e := f.engine

	started, err := e.StartRound(operator)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), started.ID)
	assert.Equal(t, models.PhaseActive, started.Phase)
	assert.Equal(t, started.StartTime+models.Timestamp(DefaultInterval/time.Second), started.EndTime)

	pa, err := e.BuyTickets(alice, 3, 3)
	require.NoError(t, err)
	assert.Equal(t, models.Purchase{Buyer: alice, FirstTicket: 0, Count: 3}, pa)

	pb, err := e.BuyTickets(bob, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, models.Purchase{Buyer: bob, FirstTicket: 3, Count: 2}, pb)

	r, _ := e.CurrentRound()
	assert.Equal(t, uint64(5), r.TicketsSold)
	assert.Equal(t, models.Amount(5), r.PoolAmount)
	for ticket, want := range []models.Principal{alice, alice, alice, bob, bob} {
		got, ok := e.OwnerOf(1, uint64(ticket))
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	f.clock.Advance(DefaultInterval + time.Second)
	ticket, err := e.DrawWinner(operator)
	require.NoError(t, err)
	assert.Less(t, ticket, uint64(5))
	assert.Equal(t, models.PhasePayout, e.Phase())

	winner, _ := e.OwnerOf(1, ticket)
	settled, err := e.PayoutWinner(operator)
	require.NoError(t, err)
	assert.Equal(t, winner, settled.Winner)
	assert.Equal(t, models.Amount(2), settled.Reward)
	assert.Equal(t, models.Amount(3), settled.PoolAmount)
	assert.Equal(t, models.CredentialID(1), settled.Credential)
	assert.Equal(t, models.PhaseIdle, settled.Phase)

	assert.Equal(t, models.Amount(2), f.escrow.Credited(winner))
	bal, _ := f.escrow.Balance()
	assert.Equal(t, models.Amount(3), bal)
	holder, ok, _ := f.credentials.OwnerOf(context.Background(), 1)
	require.True(t, ok)
	assert.Equal(t, winner, holder)
	_, ok, _ = f.credentials.OwnerOf(context.Background(), 2)
	assert.False(t, ok, "exactly one credential per payout")

	withdrawn, err := e.WithdrawRemainder(operator)
	require.NoError(t, err)
	assert.Equal(t, models.Amount(3), withdrawn)
	bal, _ = f.escrow.Balance()
	assert.Equal(t, models.Amount(0), bal)

	var types []models.EventType
	for _, ev := range f.sink.events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []models.EventType{
		models.EventRoundStarted,
		models.EventTicketsPurchased,
		models.EventTicketsPurchased,
		models.EventWinnerDrawn,
		models.EventWinnerPaid,
		models.EventRemainderWithdrawn,
	}, types)
	assert.Equal(t, models.WinnerPaid{Winner: winner, Amount: 2, RoundID: 1, Credential: 1}, f.sink.events[4].Payload)
}

func TestEngine_PaymentMismatch(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.engine.StartRound(operator)
	require.NoError(t, err)

	cases := []struct {
		count   uint64
		payment models.Amount
	}{
		{2, 3},
		{2, 1},
		{0, 0},
		{^uint64(0), 0},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("%d for %d", c.count, c.payment), func(t *testing.T) {
			_, err := f.engine.BuyTickets(alice, c.count, c.payment)
			require.ErrorIs(t, err, ErrPaymentMismatch)

			r, _ := f.engine.CurrentRound()
			assert.Zero(t, r.TicketsSold)
			assert.Zero(t, r.PoolAmount)
			assert.Empty(t, r.Purchases)
			bal, _ := f.escrow.Balance()
			assert.Zero(t, bal)
		})
	}
}

func TestEngine_PaymentOverflowWithLargePrice(t *testing.T) {
	f := newFixture(t, 1<<63)
	_, err := f.engine.StartRound(operator)
	require.NoError(t, err)

	_, err = f.engine.BuyTickets(alice, 2, 0)
	require.ErrorIs(t, err, ErrPaymentMismatch)

	_, err = f.engine.BuyTickets(alice, 1, 1<<63)
	require.NoError(t, err)
	_, err = f.engine.BuyTickets(bob, 1, 1<<63)
	require.ErrorIs(t, err, ErrPaymentMismatch, "pool would overflow")
}

func TestEngine_DrawBeforeEnd(t *testing.T) {
	f := newFixture(t, 1)
	r, err := f.engine.StartRound(operator)
	require.NoError(t, err)
	_, err = f.engine.BuyTickets(alice, 1, 1)
	require.NoError(t, err)

	_, err = f.engine.DrawWinner(operator)
	require.ErrorIs(t, err, ErrRoundNotExpired)

	f.clock.Set(r.EndTime)
	_, err = f.engine.DrawWinner(operator)
	require.ErrorIs(t, err, ErrRoundNotExpired, "window is closed but not yet passed")
	assert.Equal(t, models.PhaseActive, f.engine.Phase())

	cur, _ := f.engine.CurrentRound()
	assert.Nil(t, cur.WinningTicket)
}

func TestEngine_BuyAfterEnd(t *testing.T) {
	f := newFixture(t, 1)
	r, err := f.engine.StartRound(operator)
	require.NoError(t, err)

	f.clock.Set(r.EndTime - 1)
	_, err = f.engine.BuyTickets(alice, 1, 1)
	require.NoError(t, err)

	f.clock.Set(r.EndTime)
	_, err = f.engine.BuyTickets(alice, 1, 1)
	require.ErrorIs(t, err, ErrRoundExpired)

	cur, _ := f.engine.CurrentRound()
	assert.Equal(t, uint64(1), cur.TicketsSold)
}

func TestEngine_NoParticipants(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.engine.StartRound(operator)
	require.NoError(t, err)
	f.clock.Advance(DefaultInterval + time.Second)

	_, err = f.engine.DrawWinner(operator)
	require.ErrorIs(t, err, ErrNoParticipants)
	assert.Equal(t, models.PhaseActive, f.engine.Phase())
}

func TestEngine_CloseEmptyRound(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.engine.StartRound(operator)
	require.NoError(t, err)

	_, err = f.engine.CloseEmptyRound(operator)
	require.ErrorIs(t, err, ErrRoundNotExpired)

	f.clock.Advance(DefaultInterval + time.Second)
	_, err = f.engine.CloseEmptyRound(alice)
	require.ErrorIs(t, err, ErrUnauthorized)

	r, err := f.engine.CloseEmptyRound(operator)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseIdle, r.Phase)
	assert.Nil(t, r.WinningTicket)
	assert.Equal(t, models.EventRoundClosed, f.sink.events[len(f.sink.events)-1].Type)

	_, err = f.engine.CloseEmptyRound(operator)
	require.ErrorIs(t, err, ErrInvalidPhase)

	next, err := f.engine.StartRound(operator)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next.ID)
}

func TestEngine_CloseEmptyRoundRejectsSoldRound(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.engine.StartRound(operator)
	require.NoError(t, err)
	_, err = f.engine.BuyTickets(alice, 1, 1)
	require.NoError(t, err)
	f.clock.Advance(DefaultInterval + time.Second)

	_, err = f.engine.CloseEmptyRound(operator)
	require.ErrorIs(t, err, ErrInvalidPhase)
	assert.Equal(t, models.PhaseActive, f.engine.Phase())
}

func TestEngine_InvalidPhase(t *testing.T) {
	f := newFixture(t, 1)
	e := f.engine

	// idle
	_, err := e.BuyTickets(alice, 1, 1)
	require.ErrorIs(t, err, ErrInvalidPhase)
	_, err = e.DrawWinner(operator)
	require.ErrorIs(t, err, ErrInvalidPhase)
	_, err = e.PayoutWinner(operator)
	require.ErrorIs(t, err, ErrInvalidPhase)

	// active
	_, err = e.StartRound(operator)
	require.NoError(t, err)
	_, err = e.StartRound(operator)
	require.ErrorIs(t, err, ErrInvalidPhase)
	_, err = e.PayoutWinner(operator)
	require.ErrorIs(t, err, ErrInvalidPhase)
	_, err = e.WithdrawRemainder(operator)
	require.ErrorIs(t, err, ErrInvalidPhase)
	require.ErrorIs(t, e.SetTicketPrice(owner, 5), ErrInvalidPhase)

	// payout
	_, err = e.BuyTickets(alice, 2, 2)
	require.NoError(t, err)
	f.clock.Advance(DefaultInterval + time.Second)
	_, err = e.DrawWinner(operator)
	require.NoError(t, err)

	before, _ := e.CurrentRound()
	_, err = e.StartRound(operator)
	require.ErrorIs(t, err, ErrInvalidPhase)
	_, err = e.BuyTickets(alice, 1, 1)
	require.ErrorIs(t, err, ErrInvalidPhase)
	_, err = e.DrawWinner(operator)
	require.ErrorIs(t, err, ErrInvalidPhase)
	_, err = e.WithdrawRemainder(operator)
	require.ErrorIs(t, err, ErrInvalidPhase)

	after, _ := e.CurrentRound()
	assert.Equal(t, before, after)
	assert.Equal(t, models.Amount(1), e.TicketPrice())
	assert.Len(t, f.sink.events, 3)
}

func TestEngine_Unauthorized(t *testing.T) {
	f := newFixture(t, 1)
	e := f.engine

	_, err := e.StartRound(alice)
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = e.StartRound(owner)
	require.ErrorIs(t, err, ErrUnauthorized, "owner is not the operator")

	f.toPayout(t)
	_, err = e.PayoutWinner(alice)
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = e.DrawWinner(alice)
	require.ErrorIs(t, err, ErrUnauthorized)
	require.ErrorIs(t, e.SetTicketPrice(operator, 3), ErrUnauthorized)

	_, err = e.PayoutWinner(operator)
	require.NoError(t, err)
	_, err = e.WithdrawRemainder(bob)
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = e.ReissueCredential(bob, 1)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestEngine_PayoutFailureIsRetryable(t *testing.T) {
	f := newFixture(t, 1)
	f.toPayout(t)
	before, _ := f.engine.CurrentRound()

	f.escrow.payoutErr = errors.New("ledger unavailable")
	_, err := f.engine.PayoutWinner(operator)
	require.ErrorIs(t, err, ErrPayoutFailed)

	after, _ := f.engine.CurrentRound()
	assert.Equal(t, before, after)
	assert.Equal(t, models.PhasePayout, after.Phase)
	assert.True(t, after.Winner.IsZero())
	_, issued, _ := f.credentials.OwnerOf(context.Background(), 1)
	assert.False(t, issued)

	f.escrow.payoutErr = nil
	settled, err := f.engine.PayoutWinner(operator)
	require.NoError(t, err)
	assert.Equal(t, alice, settled.Winner)
	assert.Equal(t, models.Amount(1), settled.Reward)
	assert.Equal(t, models.Amount(2), settled.PoolAmount)
}

func TestEngine_CredentialFailureAfterTransfer(t *testing.T) {
	f := newFixture(t, 1)
	f.toPayout(t)

	f.credentials.err = errors.New("registry down")
	settled, err := f.engine.PayoutWinner(operator)
	require.ErrorIs(t, err, ErrCredentialFailed)
	assert.Equal(t, models.PhaseIdle, settled.Phase)
	assert.True(t, settled.CredentialPending)
	assert.Zero(t, settled.Credential)
	assert.Equal(t, models.Amount(1), f.escrow.Credited(alice), "transfer is not undone")

	last := f.sink.events[len(f.sink.events)-1]
	assert.Equal(t, models.EventWinnerPaid, last.Type)

	_, err = f.engine.PayoutWinner(operator)
	require.ErrorIs(t, err, ErrInvalidPhase, "money is never sent twice")

	_, err = f.engine.ReissueCredential(operator, 1)
	require.ErrorIs(t, err, ErrCredentialFailed)

	f.credentials.err = nil
	id, err := f.engine.ReissueCredential(operator, 1)
	require.NoError(t, err)
	assert.Equal(t, models.CredentialID(1), id)

	r, _ := f.engine.Round(1)
	assert.False(t, r.CredentialPending)
	assert.Equal(t, id, r.Credential)
	assert.Equal(t, models.Amount(1), f.escrow.Credited(alice))

	_, err = f.engine.ReissueCredential(operator, 1)
	require.ErrorIs(t, err, ErrInvalidPhase)
	_, err = f.engine.ReissueCredential(operator, 9)
	require.ErrorIs(t, err, ErrRoundNotFound)
}

func TestEngine_DepositFailure(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.engine.StartRound(operator)
	require.NoError(t, err)

	f.escrow.depositErr = errors.New("rejected")
	_, err = f.engine.BuyTickets(alice, 1, 1)
	require.ErrorIs(t, err, ErrDepositFailed)

	r, _ := f.engine.CurrentRound()
	assert.Zero(t, r.TicketsSold)
	assert.Len(t, f.sink.events, 1)
}

func TestEngine_RandomnessFailure(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.engine.StartRound(operator)
	require.NoError(t, err)
	_, err = f.engine.BuyTickets(alice, 1, 1)
	require.NoError(t, err)
	f.clock.Advance(DefaultInterval + time.Second)

	f.engine.SetRandomness(failingSource{})
	_, err = f.engine.DrawWinner(operator)
	require.ErrorIs(t, err, ErrRandomnessUnavailable)
	assert.Equal(t, models.PhaseActive, f.engine.Phase())
}

func TestEngine_Withdraw(t *testing.T) {
	t.Run("before any round", func(t *testing.T) {
		f := newFixture(t, 1)
		amount, err := f.engine.WithdrawRemainder(operator)
		require.NoError(t, err)
		assert.Zero(t, amount)
		require.Len(t, f.sink.events, 1)
		assert.Equal(t, uint64(0), f.sink.events[0].RoundID)
	})

	t.Run("ledger failure", func(t *testing.T) {
		f := newFixture(t, 1)
		f.toPayout(t)
		_, err := f.engine.PayoutWinner(operator)
		require.NoError(t, err)

		f.escrow.payoutErr = errors.New("frozen")
		_, err = f.engine.WithdrawRemainder(operator)
		require.ErrorIs(t, err, ErrWithdrawFailed)
		bal, _ := f.escrow.Balance()
		assert.Equal(t, models.Amount(2), bal)

		f.escrow.payoutErr = nil
		f.escrow.balanceErr = errors.New("unreachable")
		_, err = f.engine.WithdrawRemainder(operator)
		require.ErrorIs(t, err, ErrWithdrawFailed)
	})

	t.Run("goes to the payout address", func(t *testing.T) {
		f := newFixture(t, 1)
		f.engine.guard = staticGuard{owner: owner, operator: operator, payout: "vault"}
		require.NoError(t, f.escrow.Deposit(alice, 7))

		amount, err := f.engine.WithdrawRemainder(operator)
		require.NoError(t, err)
		assert.Equal(t, models.Amount(7), amount)
		assert.Equal(t, models.Amount(7), f.escrow.Credited("vault"))
	})
}

func TestEngine_SetTicketPrice(t *testing.T) {
	f := newFixture(t, 1)
	require.ErrorIs(t, f.engine.SetTicketPrice(owner, 0), ErrInvalidPrice)
	require.NoError(t, f.engine.SetTicketPrice(owner, 5))
	assert.Equal(t, models.Amount(5), f.engine.TicketPrice())
	require.Len(t, f.sink.events, 1)
	assert.Equal(t, models.PriceChanged{Price: 5}, f.sink.events[0].Payload)

	r, err := f.engine.StartRound(operator)
	require.NoError(t, err)
	assert.Equal(t, models.Amount(5), r.TicketPrice)

	_, err = f.engine.BuyTickets(alice, 2, 2)
	require.ErrorIs(t, err, ErrPaymentMismatch)
	_, err = f.engine.BuyTickets(alice, 2, 10)
	require.NoError(t, err)
}

func TestEngine_RoundsAreArchived(t *testing.T) {
	f := newFixture(t, 1)
	f.toPayout(t)
	_, err := f.engine.PayoutWinner(operator)
	require.NoError(t, err)
	first, _ := f.engine.Round(1)

	second, err := f.engine.StartRound(operator)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.ID)
	_, err = f.engine.BuyTickets(bob, 4, 4)
	require.NoError(t, err)

	again, ok := f.engine.Round(1)
	require.True(t, ok)
	assert.Equal(t, first, again)

	owner0, _ := f.engine.OwnerOf(2, 0)
	assert.Equal(t, bob, owner0, "ticket indexes restart per round")

	missing, ok := f.engine.Round(3)
	assert.False(t, ok)
	assert.Equal(t, models.Round{}, missing)
	_, ok = f.engine.Round(0)
	assert.False(t, ok)
}

func TestEngine_SnapshotsAreCopies(t *testing.T) {
	f := newFixture(t, 1)
	f.toPayout(t)

	r, _ := f.engine.CurrentRound()
	*r.WinningTicket = 99
	r.Purchases[0].Buyer = "mallory"

	again, _ := f.engine.CurrentRound()
	assert.Less(t, *again.WinningTicket, uint64(3))
	assert.Equal(t, alice, again.Purchases[0].Buyer)
}

func TestEngine_Events(t *testing.T) {
	f := newFixture(t, 1)
	f.toPayout(t)

	all := f.engine.Events(0)
	require.Len(t, all, 3)
	for i, ev := range all {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, uint64(1), ev.RoundID)
	}
	assert.Equal(t, f.sink.events, all)

	tail := f.engine.Events(2)
	require.Len(t, tail, 1)
	assert.Equal(t, models.EventWinnerDrawn, tail[0].Type)
	assert.Nil(t, f.engine.Events(3))

	assert.Equal(t, models.PhasePayout, f.sink.rounds[2].Phase)
}

func TestEngine_ConcurrentBuys(t *testing.T) {
	f := newFixture(t, 3)
	_, err := f.engine.StartRound(operator)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buyer := models.Principal(fmt.Sprintf("buyer-%d", i))
			count := uint64(i%4 + 1)
			_, err := f.engine.BuyTickets(buyer, count, models.Amount(count*3))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	r, _ := f.engine.CurrentRound()
	assert.Equal(t, models.Amount(r.TicketsSold*3), r.PoolAmount)
	var next uint64
	for _, p := range r.Purchases {
		assert.Equal(t, next, p.FirstTicket)
		next += p.Count
	}
	assert.Equal(t, r.TicketsSold, next)
	bal, _ := f.escrow.Balance()
	assert.Equal(t, r.PoolAmount, bal)
}

func TestEngine_PayoutRecordFailureSurvivesRestart(t *testing.T) {
	f := newFixture(t, 2)
	journal := &archiveJournal{}
	f.engine.SetJournal(journal)
	f.toPayout(t)

	journal.failOn = models.EventWinnerPaid
	_, err := f.engine.PayoutWinner(operator)
	require.ErrorIs(t, err, ErrPersistFailed)
	assert.Equal(t, models.Amount(3), f.escrow.Credited(alice))
	assert.Equal(t, models.PhasePayout, f.engine.Phase(), "nothing applied without a record")
	assert.Len(t, f.engine.Events(0), 3)

	// the archive still shows the round in payout
	journal.failOn = ""
	restarted := f.restart(t, journal.archive())
	restarted.SetJournal(journal)
	require.Equal(t, models.PhasePayout, restarted.Phase())

	settled, err := restarted.PayoutWinner(operator)
	require.NoError(t, err)
	assert.Equal(t, alice, settled.Winner)
	assert.Equal(t, models.Amount(3), settled.Reward)
	assert.Equal(t, models.CredentialID(1), settled.Credential)

	assert.Equal(t, models.Amount(3), f.escrow.Credited(alice), "winner is paid once")
	bal, _ := f.escrow.Balance()
	assert.Equal(t, models.Amount(3), bal)
	assert.Equal(t, 1, f.credentials.Issued(), "one credential per round")

	events := restarted.Events(0)
	require.Len(t, events, 4)
	assert.Equal(t, models.EventWinnerPaid, events[3].Type)
	assert.Equal(t, uint64(4), events[3].Seq)
	assert.Equal(t, events, journal.events)
}

func TestEngine_PayoutRecordFailureRetriesInProcess(t *testing.T) {
	f := newFixture(t, 2)
	journal := &archiveJournal{}
	f.engine.SetJournal(journal)
	f.toPayout(t)

	journal.failOn = models.EventWinnerPaid
	_, err := f.engine.PayoutWinner(operator)
	require.ErrorIs(t, err, ErrPersistFailed)

	journal.failOn = ""
	settled, err := f.engine.PayoutWinner(operator)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseIdle, settled.Phase)
	assert.Equal(t, models.Amount(3), f.escrow.Credited(alice))
	assert.Equal(t, 1, f.credentials.Issued())
}

func TestEngine_BuyRecordFailureRefunds(t *testing.T) {
	f := newFixture(t, 2)
	journal := &archiveJournal{}
	f.engine.SetJournal(journal)
	_, err := f.engine.StartRound(operator)
	require.NoError(t, err)

	journal.failOn = models.EventTicketsPurchased
	_, err = f.engine.BuyTickets(alice, 2, 4)
	require.ErrorIs(t, err, ErrPersistFailed)

	r, _ := f.engine.CurrentRound()
	assert.Zero(t, r.TicketsSold)
	assert.Zero(t, r.PoolAmount)
	assert.Empty(t, r.Purchases)
	bal, _ := f.escrow.Balance()
	assert.Zero(t, bal)
	assert.Equal(t, models.Amount(4), f.escrow.Credited(alice), "payment returned")
	assert.Len(t, f.sink.events, 1)

	journal.failOn = ""
	p, err := f.engine.BuyTickets(alice, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), p.FirstTicket)
	assert.Equal(t, uint64(2), f.engine.Events(0)[1].Seq)
	assert.Equal(t, uint64(2), journal.rounds[0].TicketsSold)
}

func TestEngine_RecordFailureAppliesNothing(t *testing.T) {
	t.Run("start", func(t *testing.T) {
		f := newFixture(t, 1)
		f.engine.SetJournal(&archiveJournal{failOn: models.EventRoundStarted})
		_, err := f.engine.StartRound(operator)
		require.ErrorIs(t, err, ErrPersistFailed)
		_, ok := f.engine.CurrentRound()
		assert.False(t, ok)
		assert.Empty(t, f.sink.events)
	})

	t.Run("draw", func(t *testing.T) {
		f := newFixture(t, 1)
		_, err := f.engine.StartRound(operator)
		require.NoError(t, err)
		_, err = f.engine.BuyTickets(alice, 1, 1)
		require.NoError(t, err)
		f.clock.Advance(DefaultInterval + time.Second)

		f.engine.SetJournal(&archiveJournal{failOn: models.EventWinnerDrawn})
		_, err = f.engine.DrawWinner(operator)
		require.ErrorIs(t, err, ErrPersistFailed)
		r, _ := f.engine.CurrentRound()
		assert.Equal(t, models.PhaseActive, r.Phase)
		assert.Nil(t, r.WinningTicket)
	})

	t.Run("price", func(t *testing.T) {
		f := newFixture(t, 1)
		f.engine.SetJournal(&archiveJournal{failOn: models.EventPriceChanged})
		require.ErrorIs(t, f.engine.SetTicketPrice(owner, 9), ErrPersistFailed)
		assert.Equal(t, models.Amount(1), f.engine.TicketPrice())
	})
}
