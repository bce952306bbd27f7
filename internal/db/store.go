package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/logger"
	"github.com/google/uuid"

	"nft-raffle/internal/models"
)

// writeTimeout bounds every write made on behalf of an engine operation.
const writeTimeout = 5 * time.Second

// Store archives rounds, the event journal and the settings. It is the
// engine's journal: a transition takes effect only once Record succeeds.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record persists the event and the round snapshot in one transaction.
func (s *Store) Record(ev models.Event, round models.Round) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.record(ctx, ev, round); err != nil {
		logger.Errorf("Error recording event #%d %s: %v", ev.Seq, ev.Type, err)
		return fmt.Errorf("record event #%d %s: %w", ev.Seq, ev.Type, err)
	}
	return nil
}

func (s *Store) record(ctx context.Context, ev models.Event, round models.Round) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if round.ID != 0 {
		if err := saveRound(ctx, tx, round); err != nil {
			return err
		}
	}
	if err := appendEvent(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveRound upserts a round snapshot and its purchases.
func (s *Store) SaveRound(ctx context.Context, round models.Round) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := saveRound(ctx, tx, round); err != nil {
		return err
	}
	return tx.Commit()
}

func saveRound(ctx context.Context, tx *sql.Tx, r models.Round) error {
	var winning sql.NullInt64
	if r.WinningTicket != nil {
		winning = sql.NullInt64{Int64: int64(*r.WinningTicket), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rounds (id, phase, ticket_price, start_time, end_time, tickets_sold, pool_amount,
			winning_ticket, winner, reward, credential_id, credential_pending)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase = excluded.phase,
			tickets_sold = excluded.tickets_sold,
			pool_amount = excluded.pool_amount,
			winning_ticket = excluded.winning_ticket,
			winner = excluded.winner,
			reward = excluded.reward,
			credential_id = excluded.credential_id,
			credential_pending = excluded.credential_pending`,
		int64(r.ID), string(r.Phase), int64(r.TicketPrice), int64(r.StartTime), int64(r.EndTime),
		int64(r.TicketsSold), int64(r.PoolAmount), winning, string(r.Winner), int64(r.Reward),
		int64(r.Credential), r.CredentialPending)
	if err != nil {
		return fmt.Errorf("save round %d: %w", r.ID, err)
	}

	// purchases are append-only
	for _, p := range r.Purchases {
		_, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO purchases (round_id, first_ticket, count, buyer) VALUES (?, ?, ?, ?)",
			int64(r.ID), int64(p.FirstTicket), int64(p.Count), string(p.Buyer))
		if err != nil {
			return fmt.Errorf("save purchase %d of round %d: %w", p.FirstTicket, r.ID, err)
		}
	}
	return nil
}

func appendEvent(ctx context.Context, tx *sql.Tx, ev models.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", ev.Type, err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO events (id, seq, type, round_id, at, payload) VALUES (?, ?, ?, ?, ?, ?)",
		uuid.NewString(), int64(ev.Seq), string(ev.Type), int64(ev.RoundID), int64(ev.At), string(payload))
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.Type, err)
	}
	return nil
}

// LoadRounds returns every archived round ordered by id.
func (s *Store) LoadRounds(ctx context.Context) ([]models.Round, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, phase, ticket_price, start_time, end_time, tickets_sold, pool_amount,
			winning_ticket, winner, reward, credential_id, credential_pending
		FROM rounds ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("load rounds: %w", err)
	}
	defer rows.Close()

	var rounds []models.Round
	for rows.Next() {
		var r models.Round
		var id, price, start, end, sold, pool, reward, credential int64
		var phase, winner string
		var winning sql.NullInt64
		if err := rows.Scan(&id, &phase, &price, &start, &end, &sold, &pool,
			&winning, &winner, &reward, &credential, &r.CredentialPending); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		r.ID = uint64(id)
		r.Phase = models.Phase(phase)
		r.TicketPrice = models.Amount(price)
		r.StartTime = models.Timestamp(start)
		r.EndTime = models.Timestamp(end)
		r.TicketsSold = uint64(sold)
		r.PoolAmount = models.Amount(pool)
		if winning.Valid {
			t := uint64(winning.Int64)
			r.WinningTicket = &t
		}
		r.Winner = models.Principal(winner)
		r.Reward = models.Amount(reward)
		r.Credential = models.CredentialID(credential)
		rounds = append(rounds, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range rounds {
		purchases, err := s.purchases(ctx, rounds[i].ID)
		if err != nil {
			return nil, err
		}
		rounds[i].Purchases = purchases
	}
	return rounds, nil
}

func (s *Store) purchases(ctx context.Context, roundID uint64) ([]models.Purchase, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT first_ticket, count, buyer FROM purchases WHERE round_id = ? ORDER BY first_ticket ASC", int64(roundID))
	if err != nil {
		return nil, fmt.Errorf("load purchases of round %d: %w", roundID, err)
	}
	defer rows.Close()

	var out []models.Purchase
	for rows.Next() {
		var first, count int64
		var buyer string
		if err := rows.Scan(&first, &count, &buyer); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		out = append(out, models.Purchase{Buyer: models.Principal(buyer), FirstTicket: uint64(first), Count: uint64(count)})
	}
	return out, rows.Err()
}

// StoredEvent is a journaled event with its payload left encoded.
type StoredEvent struct {
	ID      string           `json:"id"`
	Seq     uint64           `json:"seq"`
	Type    models.EventType `json:"type"`
	RoundID uint64           `json:"round_id"`
	At      models.Timestamp `json:"at"`
	Payload json.RawMessage  `json:"payload"`
}

// RoundEvents returns the journal of one round in commit order.
func (s *Store) RoundEvents(ctx context.Context, roundID uint64) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, seq, type, round_id, at, payload FROM events WHERE round_id = ? ORDER BY pos ASC", int64(roundID))
	if err != nil {
		return nil, fmt.Errorf("load events of round %d: %w", roundID, err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var e StoredEvent
		var seq, round, at int64
		var typ, payload string
		if err := rows.Scan(&e.ID, &seq, &typ, &round, &at, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Seq = uint64(seq)
		e.Type = models.EventType(typ)
		e.RoundID = uint64(round)
		e.At = models.Timestamp(at)
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LoadArchive returns the rounds and the decoded event log, for restoring an
// engine after a restart.
func (s *Store) LoadArchive(ctx context.Context) (models.Archive, error) {
	rounds, err := s.LoadRounds(ctx)
	if err != nil {
		return models.Archive{}, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT seq, type, round_id, at, payload FROM events ORDER BY seq ASC")
	if err != nil {
		return models.Archive{}, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var seq, round, at int64
		var typ, payload string
		if err := rows.Scan(&seq, &typ, &round, &at, &payload); err != nil {
			return models.Archive{}, fmt.Errorf("scan event: %w", err)
		}
		decoded, err := models.DecodePayload(models.EventType(typ), []byte(payload))
		if err != nil {
			return models.Archive{}, fmt.Errorf("event #%d: %w", seq, err)
		}
		events = append(events, models.Event{
			Seq:     uint64(seq),
			Type:    models.EventType(typ),
			RoundID: uint64(round),
			At:      models.Timestamp(at),
			Payload: decoded,
		})
	}
	if err := rows.Err(); err != nil {
		return models.Archive{}, err
	}
	return models.Archive{Rounds: rounds, Events: events}, nil
}

// SaveSetting upserts one key of the settings table.
func (s *Store) SaveSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	if err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}
	return nil
}

// LoadSettings returns every stored setting.
func (s *Store) LoadSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
