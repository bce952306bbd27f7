package raffle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nft-raffle/internal/models"
)

// settledArchive is one paid-out round followed by an active one.
func settledArchive(t *testing.T) models.Archive {
	t.Helper()
	f := newFixture(t, 2)
	f.toPayout(t)
	_, err := f.engine.PayoutWinner(operator)
	require.NoError(t, err)
	_, err = f.engine.StartRound(operator)
	require.NoError(t, err)
	_, err = f.engine.BuyTickets(bob, 1, 2)
	require.NoError(t, err)

	r1, _ := f.engine.Round(1)
	r2, _ := f.engine.Round(2)
	return models.Archive{Rounds: []models.Round{r1, r2}, Events: f.engine.Events(0)}
}

func TestEngine_Restore(t *testing.T) {
	a := settledArchive(t)

	f := newFixture(t, 2)
	require.NoError(t, f.engine.Restore(a))

	cur, ok := f.engine.CurrentRound()
	require.True(t, ok)
	assert.Equal(t, a.Rounds[1], cur)
	assert.Equal(t, models.PhaseActive, f.engine.Phase())

	// the restored round keeps selling from where it stopped
	p, err := f.engine.BuyTickets(alice, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.FirstTicket)

	require.ErrorIs(t, f.engine.Restore(a), ErrRestore, "only on a fresh engine")
}

func TestEngine_RestoreContinuesEventLog(t *testing.T) {
	a := settledArchive(t)
	require.Len(t, a.Events, 6)

	f := newFixture(t, 2)
	require.NoError(t, f.engine.Restore(a))
	assert.Equal(t, a.Events, f.engine.Events(0))

	_, err := f.engine.BuyTickets(alice, 1, 2)
	require.NoError(t, err)
	tail := f.engine.Events(6)
	require.Len(t, tail, 1)
	assert.Equal(t, uint64(7), tail[0].Seq)
	assert.Equal(t, uint64(7), f.sink.events[0].Seq)
}

func TestEngine_RestoreTicketPrice(t *testing.T) {
	f := newFixture(t, 2)
	require.NoError(t, f.engine.SetTicketPrice(owner, 5))
	require.NoError(t, f.engine.SetTicketPrice(owner, 7))
	a := models.Archive{Events: f.engine.Events(0)}

	restored := newFixture(t, 2)
	require.NoError(t, restored.engine.Restore(a))
	assert.Equal(t, models.Amount(7), restored.engine.TicketPrice())

	none := newFixture(t, 2)
	require.NoError(t, none.engine.Restore(models.Archive{}))
	assert.Equal(t, models.Amount(2), none.engine.TicketPrice(), "configured price without changes")
}

func TestEngine_RestoreRejectsBrokenArchives(t *testing.T) {
	cases := map[string]func(a *models.Archive){
		"gap in ids":           func(a *models.Archive) { a.Rounds[1].ID = 3 },
		"unsettled old round":  func(a *models.Archive) { a.Rounds[0].Phase = models.PhasePayout },
		"unknown phase":        func(a *models.Archive) { a.Rounds[1].Phase = "paused" },
		"pool mismatch":        func(a *models.Archive) { a.Rounds[1].PoolAmount++ },
		"ownership gap":        func(a *models.Archive) { a.Rounds[1].Purchases[0].FirstTicket = 1 },
		"oversold":             func(a *models.Archive) { a.Rounds[1].TicketsSold = 5 },
		"settled pool":         func(a *models.Archive) { a.Rounds[0].Reward++ },
		"winner not the owner": func(a *models.Archive) { a.Rounds[0].Winner = "mallory" },
		"active with winner":   func(a *models.Archive) { a.Rounds[1].Winner = bob },
		"ticket out of range": func(a *models.Archive) {
			n := a.Rounds[0].TicketsSold
			a.Rounds[0].WinningTicket = &n
		},
		"ticket count overflow": func(a *models.Archive) {
			r := &a.Rounds[1]
			r.Purchases = append(r.Purchases, models.Purchase{Buyer: alice, FirstTicket: r.TicketsSold, Count: ^uint64(0)})
			r.TicketsSold, r.PoolAmount = 0, 0
		},
		"duplicate seq":       func(a *models.Archive) { a.Events[3].Seq = 3 },
		"seq not from one":    func(a *models.Archive) { a.Events = a.Events[1:] },
		"event of no round":   func(a *models.Archive) { a.Events[5].RoundID = 3 },
		"zero price restored": func(a *models.Archive) { a.Events[5].Payload = models.PriceChanged{} },
	}
	for name, corrupt := range cases {
		t.Run(name, func(t *testing.T) {
			a := settledArchive(t)
			corrupt(&a)

			f := newFixture(t, 2)
			require.ErrorIs(t, f.engine.Restore(a), ErrRestore)
			_, ok := f.engine.CurrentRound()
			assert.False(t, ok)
			assert.Empty(t, f.engine.Events(0))
		})
	}
}

func TestEngine_RestoreThenStart(t *testing.T) {
	a := settledArchive(t)
	a.Rounds = a.Rounds[:1]
	a.Events = a.Events[:4]

	f := newFixture(t, 2)
	require.NoError(t, f.engine.Restore(a))
	f.clock.Advance(time.Hour)

	r, err := f.engine.StartRound(operator)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r.ID)
	assert.Equal(t, uint64(5), f.sink.events[0].Seq)
}

func TestEngine_RestoreClosedEmptyRound(t *testing.T) {
	closed := models.Round{ID: 1, Phase: models.PhaseIdle, TicketPrice: 2, StartTime: 10, EndTime: 20}
	restore := func(r models.Round) error {
		return newFixture(t, 2).engine.Restore(models.Archive{Rounds: []models.Round{r}})
	}

	require.NoError(t, restore(closed))

	ticket := uint64(0)
	drawn := closed
	drawn.WinningTicket = &ticket
	require.ErrorIs(t, restore(drawn), ErrRestore)

	funded := closed
	funded.PoolAmount = 2
	require.ErrorIs(t, restore(funded), ErrRestore)
}
