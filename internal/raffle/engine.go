package raffle

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/logger"

	"nft-raffle/internal/clock"
	"nft-raffle/internal/models"
	"nft-raffle/internal/randomness"
)

// DefaultInterval is how long a round accepts tickets.
const DefaultInterval = 48 * time.Hour

const rewardPercent = 50

// Clock supplies monotonic non-decreasing logical time.
type Clock interface {
	Now() models.Timestamp
}

// RandomnessSource supplies a value nobody can know before the draw call.
type RandomnessSource interface {
	Seed() ([]byte, error)
}

// Escrow holds the pooled funds. PayOut moves the full amount or nothing.
// A PayOut with a non-empty ref happens at most once: repeating it with the
// same recipient and amount succeeds without moving funds again.
type Escrow interface {
	Deposit(from models.Principal, amount models.Amount) error
	PayOut(ref string, to models.Principal, amount models.Amount) error
	Balance() (models.Amount, error)
}

// CredentialRegistry issues prize credentials with increasing ids, at most
// one per round. Issuing a round's credential again returns the same id.
type CredentialRegistry interface {
	Issue(roundID uint64, to models.Principal) (models.CredentialID, error)
}

// AccessGuard resolves the privileged principals.
type AccessGuard interface {
	Owner() models.Principal
	Operator() models.Principal
	PayoutAddress() models.Principal
}

// Config is the process-wide raffle configuration.
type Config struct {
	TicketPrice models.Amount
	Interval    time.Duration
}

// Engine owns the raffle state machine. Every operation runs under one lock,
// so calls are serialized. A transition takes effect only once the journal
// has recorded it; escrow and credential calls made before that are keyed so
// that repeating the operation after a failed record is safe.
type Engine struct {
	mu          sync.Mutex
	guard       AccessGuard
	escrow      Escrow
	credentials CredentialRegistry
	clock       Clock
	rand        RandomnessSource
	sink        EventSink
	journal     Journal

	price    models.Amount
	interval int64 // seconds

	// rounds[i] has ID i+1; the last one is current.
	rounds []*models.Round
	events []models.Event
}

// New constructs an engine with the system clock, crypto randomness, no sink
// and no durable journal.
func New(cfg Config, guard AccessGuard, escrow Escrow, credentials CredentialRegistry) (*Engine, error) {
	if cfg.TicketPrice == 0 {
		return nil, ErrInvalidPrice
	}
	if cfg.Interval < time.Second {
		return nil, ErrInvalidInterval
	}
	return &Engine{
		guard:       guard,
		escrow:      escrow,
		credentials: credentials,
		clock:       clock.System{},
		rand:        randomness.Crypto{},
		sink:        Sinks{},
		journal:     nopJournal{},
		price:       cfg.TicketPrice,
		interval:    int64(cfg.Interval / time.Second),
	}, nil
}

// SetClock overrides the time source.
func (e *Engine) SetClock(c Clock) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c == nil {
		c = clock.System{}
	}
	e.clock = c
}

// SetRandomness overrides the draw seed source.
func (e *Engine) SetRandomness(r RandomnessSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r == nil {
		r = randomness.Crypto{}
	}
	e.rand = r
}

// SetSink configures where committed events are published.
func (e *Engine) SetSink(s EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s == nil {
		s = Sinks{}
	}
	e.sink = s
}

// SetJournal configures where transitions are recorded before they apply.
func (e *Engine) SetJournal(j Journal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if j == nil {
		j = nopJournal{}
	}
	e.journal = j
}

func (e *Engine) current() *models.Round {
	if len(e.rounds) == 0 {
		return nil
	}
	return e.rounds[len(e.rounds)-1]
}

func (e *Engine) phase() models.Phase {
	if r := e.current(); r != nil {
		return r.Phase
	}
	return models.PhaseIdle
}

func (e *Engine) requireOperator(caller models.Principal) error {
	op := e.guard.Operator()
	if op.IsZero() || caller != op {
		return ErrUnauthorized
	}
	return nil
}

// commit records the transition with the round state it produces, then
// appends it to the log and publishes it. Call with e.mu held and before
// changing any engine state: on error the caller must apply nothing.
func (e *Engine) commit(typ models.EventType, next models.Round, payload any) error {
	ev := models.Event{
		Seq:     uint64(len(e.events)) + 1,
		Type:    typ,
		RoundID: next.ID,
		At:      e.clock.Now(),
		Payload: payload,
	}
	if err := e.journal.Record(ev, next.Clone()); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPersistFailed, typ, err)
	}
	e.events = append(e.events, ev)
	e.sink.Publish(ev, next.Clone())
	return nil
}

// settled returns the round a round-less transition is recorded against.
func (e *Engine) settled() models.Round {
	if r := e.current(); r != nil {
		return r.Clone()
	}
	return models.Round{Phase: models.PhaseIdle}
}

// prizeRef keys the winner transfer of a round in the escrow.
func prizeRef(roundID uint64) string {
	return fmt.Sprintf("round/%d/prize", roundID)
}

// StartRound opens the next round for ticket sales.
func (e *Engine) StartRound(caller models.Principal) (models.Round, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireOperator(caller); err != nil {
		return models.Round{}, err
	}
	if p := e.phase(); p != models.PhaseIdle {
		return models.Round{}, fmt.Errorf("start round while %s: %w", p, ErrInvalidPhase)
	}

	now := e.clock.Now()
	r := models.Round{
		ID:          uint64(len(e.rounds)) + 1,
		Phase:       models.PhaseActive,
		TicketPrice: e.price,
		StartTime:   now,
		EndTime:     now + models.Timestamp(e.interval),
	}
	if err := e.commit(models.EventRoundStarted, r, models.RoundStarted{ID: r.ID, Start: r.StartTime, End: r.EndTime}); err != nil {
		return models.Round{}, err
	}
	e.rounds = append(e.rounds, &r)
	return r.Clone(), nil
}

// BuyTickets assigns count consecutive tickets to caller against payment.
func (e *Engine) BuyTickets(caller models.Principal, count uint64, payment models.Amount) (models.Purchase, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.current()
	if r == nil || r.Phase != models.PhaseActive {
		return models.Purchase{}, fmt.Errorf("buy tickets while %s: %w", e.phase(), ErrInvalidPhase)
	}
	if e.clock.Now() >= r.EndTime {
		return models.Purchase{}, fmt.Errorf("round %d closed at %d: %w", r.ID, r.EndTime, ErrRoundExpired)
	}
	if caller.IsZero() {
		return models.Purchase{}, ErrInvalidAddress
	}
	cost, ok := ticketCost(count, r.TicketPrice)
	if count == 0 || !ok || cost != payment {
		return models.Purchase{}, fmt.Errorf("%d tickets at %d for %d: %w", count, r.TicketPrice, payment, ErrPaymentMismatch)
	}
	if r.TicketsSold+count < r.TicketsSold || r.PoolAmount+cost < r.PoolAmount {
		return models.Purchase{}, fmt.Errorf("round %d is full: %w", r.ID, ErrPaymentMismatch)
	}

	if err := e.escrow.Deposit(caller, payment); err != nil {
		return models.Purchase{}, fmt.Errorf("%w: %w", ErrDepositFailed, err)
	}

	p := models.Purchase{Buyer: caller, FirstTicket: r.TicketsSold, Count: count}
	next := r.Clone()
	next.Purchases = append(next.Purchases, p)
	next.TicketsSold += count
	next.PoolAmount += cost

	err := e.commit(models.EventTicketsPurchased, next, models.TicketsPurchased{
		Buyer:       caller,
		RoundID:     r.ID,
		Count:       count,
		FirstTicket: p.FirstTicket,
	})
	if err != nil {
		// no tickets were recorded, so the payment goes back
		if refundErr := e.escrow.PayOut("", caller, payment); refundErr != nil {
			logger.Errorf("round %d: refund of %d to %s failed, needs reconciliation: %v", r.ID, payment, caller, refundErr)
		}
		return models.Purchase{}, err
	}
	*r = next
	return p, nil
}

// DrawWinner picks the winning ticket once the round window has passed.
// The draw is best-effort pseudo-random; see package randomness.
func (e *Engine) DrawWinner(caller models.Principal) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireOperator(caller); err != nil {
		return 0, err
	}
	r := e.current()
	if r == nil || r.Phase != models.PhaseActive {
		return 0, fmt.Errorf("draw while %s: %w", e.phase(), ErrInvalidPhase)
	}
	now := e.clock.Now()
	if now <= r.EndTime {
		return 0, fmt.Errorf("round %d closes at %d: %w", r.ID, r.EndTime, ErrRoundNotExpired)
	}
	if r.TicketsSold == 0 {
		return 0, fmt.Errorf("round %d: %w", r.ID, ErrNoParticipants)
	}

	seed, err := e.rand.Seed()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRandomnessUnavailable, err)
	}
	ticket := winningTicket(r.ID, r.TicketsSold, now, seed)

	next := r.Clone()
	next.WinningTicket = &ticket
	next.Phase = models.PhasePayout
	if err := e.commit(models.EventWinnerDrawn, next, models.WinnerDrawn{RoundID: r.ID, Ticket: ticket}); err != nil {
		return 0, err
	}
	*r = next
	return ticket, nil
}

// CloseEmptyRound returns an expired round with no tickets to idle, since such
// a round can never be drawn.
func (e *Engine) CloseEmptyRound(caller models.Principal) (models.Round, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireOperator(caller); err != nil {
		return models.Round{}, err
	}
	r := e.current()
	if r == nil || r.Phase != models.PhaseActive {
		return models.Round{}, fmt.Errorf("close while %s: %w", e.phase(), ErrInvalidPhase)
	}
	if now := e.clock.Now(); now <= r.EndTime {
		return models.Round{}, fmt.Errorf("round %d closes at %d: %w", r.ID, r.EndTime, ErrRoundNotExpired)
	}
	if r.TicketsSold != 0 {
		return models.Round{}, fmt.Errorf("round %d sold %d tickets: %w", r.ID, r.TicketsSold, ErrInvalidPhase)
	}

	next := r.Clone()
	next.Phase = models.PhaseIdle
	if err := e.commit(models.EventRoundClosed, next, models.RoundClosed{RoundID: r.ID}); err != nil {
		return models.Round{}, err
	}
	*r = next
	return r.Clone(), nil
}

// PayoutWinner sends the winner their share and issues the prize credential.
//
// A failed transfer leaves the round in payout so the call can be repeated.
// The transfer and the credential are keyed by round, so a repeat after a
// failed record, in this process or after a restart, neither pays nor issues
// twice. A failed credential after a successful transfer does not hold up the
// settlement: the round is flagged CredentialPending and ErrCredentialFailed
// is returned. ReissueCredential completes it later.
func (e *Engine) PayoutWinner(caller models.Principal) (models.Round, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireOperator(caller); err != nil {
		return models.Round{}, err
	}
	r := e.current()
	if r == nil || r.Phase != models.PhasePayout {
		return models.Round{}, fmt.Errorf("payout while %s: %w", e.phase(), ErrInvalidPhase)
	}
	winner, ok := r.OwnerOf(*r.WinningTicket)
	if !ok {
		// unreachable while the ownership invariant holds
		return models.Round{}, fmt.Errorf("ticket %d has no owner: %w", *r.WinningTicket, ErrPayoutFailed)
	}
	reward := winnerShare(r.PoolAmount)

	if err := e.escrow.PayOut(prizeRef(r.ID), winner, reward); err != nil {
		return models.Round{}, fmt.Errorf("%w: %w", ErrPayoutFailed, err)
	}

	next := r.Clone()
	next.Winner = winner
	next.Reward = reward
	next.PoolAmount -= reward
	next.Phase = models.PhaseIdle

	id, credErr := e.credentials.Issue(r.ID, winner)
	if credErr != nil {
		next.CredentialPending = true
		logger.Errorf("round %d: paid %d to %s but credential issuance failed, needs reconciliation: %v", r.ID, reward, winner, credErr)
	} else {
		next.Credential = id
	}

	err := e.commit(models.EventWinnerPaid, next, models.WinnerPaid{
		Winner:     winner,
		Amount:     reward,
		RoundID:    r.ID,
		Credential: next.Credential,
	})
	if err != nil {
		return models.Round{}, err
	}
	*r = next
	if credErr != nil {
		return r.Clone(), fmt.Errorf("%w: %w", ErrCredentialFailed, credErr)
	}
	return r.Clone(), nil
}

// ReissueCredential issues the credential a settled round is still owed.
// Funds are never moved.
func (e *Engine) ReissueCredential(caller models.Principal, roundID uint64) (models.CredentialID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireOperator(caller); err != nil {
		return 0, err
	}
	if roundID == 0 || roundID > uint64(len(e.rounds)) {
		return 0, fmt.Errorf("round %d: %w", roundID, ErrRoundNotFound)
	}
	r := e.rounds[roundID-1]
	if !r.CredentialPending {
		return 0, fmt.Errorf("round %d has no pending credential: %w", roundID, ErrInvalidPhase)
	}

	id, err := e.credentials.Issue(r.ID, r.Winner)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCredentialFailed, err)
	}
	next := r.Clone()
	next.Credential = id
	next.CredentialPending = false
	if err := e.commit(models.EventCredentialIssued, next, models.CredentialIssued{RoundID: r.ID, Winner: r.Winner, Credential: id}); err != nil {
		return 0, err
	}
	*r = next
	return id, nil
}

// WithdrawRemainder sends the whole escrow balance to the payout address.
// The balance is read from the escrow, so a withdrawal whose record failed
// has already drained it and a repeat moves nothing.
func (e *Engine) WithdrawRemainder(caller models.Principal) (models.Amount, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireOperator(caller); err != nil {
		return 0, err
	}
	if p := e.phase(); p != models.PhaseIdle {
		return 0, fmt.Errorf("withdraw while %s: %w", p, ErrInvalidPhase)
	}
	to := e.guard.PayoutAddress()
	if to.IsZero() {
		return 0, fmt.Errorf("no payout address: %w", ErrInvalidAddress)
	}

	balance, err := e.escrow.Balance()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrWithdrawFailed, err)
	}
	if balance > 0 {
		if err := e.escrow.PayOut("", to, balance); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrWithdrawFailed, err)
		}
	}

	// Withdrawals before the first round have no round to attach to.
	if err := e.commit(models.EventRemainderWithdrawn, e.settled(), models.RemainderWithdrawn{To: to, Amount: balance}); err != nil {
		return 0, err
	}
	return balance, nil
}

// SetTicketPrice changes the price for future rounds. Owner only, idle only.
func (e *Engine) SetTicketPrice(caller models.Principal, price models.Amount) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	owner := e.guard.Owner()
	if owner.IsZero() || caller != owner {
		return ErrUnauthorized
	}
	if p := e.phase(); p != models.PhaseIdle {
		return fmt.Errorf("set price while %s: %w", p, ErrInvalidPhase)
	}
	if price == 0 {
		return ErrInvalidPrice
	}
	if err := e.commit(models.EventPriceChanged, e.settled(), models.PriceChanged{Price: price}); err != nil {
		return err
	}
	e.price = price
	logger.Infof("ticket price set to %d", price)
	return nil
}

// Round returns a snapshot of round id, or a zero Round and false.
func (e *Engine) Round(id uint64) (models.Round, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id == 0 || id > uint64(len(e.rounds)) {
		return models.Round{}, false
	}
	return e.rounds[id-1].Clone(), true
}

// CurrentRound returns the latest round, if any round was ever started.
func (e *Engine) CurrentRound() (models.Round, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.current()
	if r == nil {
		return models.Round{}, false
	}
	return r.Clone(), true
}

// OwnerOf resolves a ticket of round id to its buyer.
func (e *Engine) OwnerOf(roundID, ticket uint64) (models.Principal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if roundID == 0 || roundID > uint64(len(e.rounds)) {
		return "", false
	}
	return e.rounds[roundID-1].OwnerOf(ticket)
}

func (e *Engine) Phase() models.Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase()
}

func (e *Engine) TicketPrice() models.Amount {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.price
}

// Events returns the log entries with Seq > since.
func (e *Engine) Events(since uint64) []models.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	if since >= uint64(len(e.events)) {
		return nil
	}
	out := make([]models.Event, len(e.events)-int(since))
	copy(out, e.events[since:])
	return out
}
