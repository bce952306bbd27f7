package escrow

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"nft-raffle/internal/models"
)

var (
	bucketEscrow   = []byte("escrow")
	bucketAccounts = []byte("accounts")
	bucketJournal  = []byte("journal")
	bucketRefs     = []byte("refs")
	keyBalance     = []byte("balance")
)

// Entry kinds recorded in the journal
const (
	EntryDeposit = "deposit"
	EntryPayout  = "payout"
)

// Entry is one journaled balance change.
type Entry struct {
	Seq       uint64           `json:"seq"`
	Kind      string           `json:"kind"`
	Ref       string           `json:"ref,omitempty"`
	Principal models.Principal `json:"principal"`
	Amount    models.Amount    `json:"amount"`
	Balance   models.Amount    `json:"balance"` // after the change
	At        time.Time        `json:"at"`
}

// Bolt is a durable ledger backed by a bbolt file. Each call is one
// read-write transaction.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the ledger file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open escrow ledger: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEscrow, bucketAccounts, bucketJournal, bucketRefs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create escrow buckets: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) Deposit(from models.Principal, amount models.Amount) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		balance := getAmount(tx.Bucket(bucketEscrow), keyBalance)
		if balance+amount < balance {
			return ErrOverflow
		}
		balance += amount
		if err := putAmount(tx.Bucket(bucketEscrow), keyBalance, balance); err != nil {
			return err
		}
		return journal(tx, Entry{Kind: EntryDeposit, Principal: from, Amount: amount, Balance: balance})
	})
}

func (b *Bolt) PayOut(ref string, to models.Principal, amount models.Amount) error {
	if to.IsZero() {
		return ErrInvalidRecipient
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		refs := tx.Bucket(bucketRefs)
		if ref != "" {
			if v := refs.Get([]byte(ref)); v != nil {
				var done payoutRef
				if err := json.Unmarshal(v, &done); err != nil {
					return fmt.Errorf("decode payout %q: %w", ref, err)
				}
				return done.repeat(ref, to, amount)
			}
		}

		escrow := tx.Bucket(bucketEscrow)
		balance := getAmount(escrow, keyBalance)
		if amount > balance {
			return fmt.Errorf("pay %d from %d: %w", amount, balance, ErrInsufficientFunds)
		}
		balance -= amount
		if err := putAmount(escrow, keyBalance, balance); err != nil {
			return err
		}
		accounts := tx.Bucket(bucketAccounts)
		if err := putAmount(accounts, []byte(to), getAmount(accounts, []byte(to))+amount); err != nil {
			return err
		}
		if ref != "" {
			v, err := json.Marshal(payoutRef{To: to, Amount: amount})
			if err != nil {
				return err
			}
			if err := refs.Put([]byte(ref), v); err != nil {
				return err
			}
		}
		return journal(tx, Entry{Kind: EntryPayout, Ref: ref, Principal: to, Amount: amount, Balance: balance})
	})
}

func (b *Bolt) Balance() (models.Amount, error) {
	var balance models.Amount
	err := b.db.View(func(tx *bolt.Tx) error {
		balance = getAmount(tx.Bucket(bucketEscrow), keyBalance)
		return nil
	})
	return balance, err
}

// Credited returns the total paid out to p.
func (b *Bolt) Credited(p models.Principal) (models.Amount, error) {
	var amount models.Amount
	err := b.db.View(func(tx *bolt.Tx) error {
		amount = getAmount(tx.Bucket(bucketAccounts), []byte(p))
		return nil
	})
	return amount, err
}

// Journal returns every balance change in order.
func (b *Bolt) Journal() ([]Entry, error) {
	var entries []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJournal).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode journal entry: %w", err)
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

func journal(tx *bolt.Tx, e Entry) error {
	bkt := tx.Bucket(bucketJournal)
	seq, err := bkt.NextSequence()
	if err != nil {
		return err
	}
	e.Seq, e.At = seq, time.Now().UTC()
	buf, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return bkt.Put(key, buf)
}

func getAmount(bkt *bolt.Bucket, key []byte) models.Amount {
	v := bkt.Get(key)
	if len(v) != 8 {
		return 0
	}
	return models.Amount(binary.BigEndian.Uint64(v))
}

func putAmount(bkt *bolt.Bucket, key []byte, amount models.Amount) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(amount))
	return bkt.Put(key, v)
}
