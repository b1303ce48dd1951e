package serverdb

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/vctt94/wager-bisonrelay/wagergame"
	bolt "go.etcd.io/bbolt"
)

var (
	balancesBucket = []byte("balances")
	rolesBucket    = []byte("roles")
)

// BoltLedger is the bbolt-backed Ledger. Every method runs in a single
// bbolt transaction, so multi-actor awards and subtractions are atomic:
// either every listed balance changes or the transaction rolls back.
type BoltLedger struct {
	db *bolt.DB
}

var _ Ledger = (*BoltLedger)(nil)

// NewBoltLedger opens (creating if needed) the ledger database at path.
func NewBoltLedger(path string) (*BoltLedger, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(balancesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(rolesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger buckets: %w", err)
	}
	return &BoltLedger{db: db}, nil
}

func (l *BoltLedger) Close() error {
	return l.db.Close()
}

func (l *BoltLedger) GetBalance(_ context.Context, actor zkidentity.ShortID) (int64, error) {
	var bal int64
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(balancesBucket)
		if b == nil {
			return ErrBalancesBucketNotFound
		}
		bal = decodeBalance(b.Get(actor[:]))
		return nil
	})
	return bal, err
}

func (l *BoltLedger) Award(_ context.Context, actors []zkidentity.ShortID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("award amount must not be negative: %d", amount)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(balancesBucket)
		if b == nil {
			return ErrBalancesBucketNotFound
		}
		for _, a := range actors {
			bal := decodeBalance(b.Get(a[:])) + amount
			if err := b.Put(a[:], encodeBalance(bal)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *BoltLedger) Subtract(_ context.Context, actors []zkidentity.ShortID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("subtract amount must not be negative: %d", amount)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(balancesBucket)
		if b == nil {
			return ErrBalancesBucketNotFound
		}
		// Validate every balance before touching any, so the whole
		// subtraction is all-or-nothing.
		for _, a := range actors {
			if decodeBalance(b.Get(a[:])) < amount {
				return fmt.Errorf("%s: %w", a, wagergame.ErrInsufficientFunds)
			}
		}
		for _, a := range actors {
			bal := decodeBalance(b.Get(a[:])) - amount
			if err := b.Put(a[:], encodeBalance(bal)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *BoltLedger) Transfer(_ context.Context, from, to zkidentity.ShortID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("transfer amount must not be negative: %d", amount)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(balancesBucket)
		if b == nil {
			return ErrBalancesBucketNotFound
		}
		src := decodeBalance(b.Get(from[:]))
		if src < amount {
			return fmt.Errorf("%s: %w", from, wagergame.ErrInsufficientFunds)
		}
		if err := b.Put(from[:], encodeBalance(src-amount)); err != nil {
			return err
		}
		return b.Put(to[:], encodeBalance(decodeBalance(b.Get(to[:]))+amount))
	})
}

func (l *BoltLedger) Leaderboard(_ context.Context, n int) ([]wagergame.BalanceEntry, error) {
	var entries []wagergame.BalanceEntry
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(balancesBucket)
		if b == nil {
			return ErrBalancesBucketNotFound
		}
		return b.ForEach(func(k, v []byte) error {
			if len(k) != len(zkidentity.ShortID{}) {
				return nil
			}
			var id zkidentity.ShortID
			copy(id[:], k)
			if bal := decodeBalance(v); bal > 0 {
				entries = append(entries, wagergame.BalanceEntry{ID: id, Balance: bal})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Balance > entries[j].Balance })
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

func (l *BoltLedger) PrivilegedHolder(_ context.Context, role string) (*zkidentity.ShortID, error) {
	var holder *zkidentity.ShortID
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(rolesBucket)
		if b == nil {
			return ErrRolesBucketNotFound
		}
		v := b.Get([]byte(role))
		if len(v) != len(zkidentity.ShortID{}) {
			return nil
		}
		var id zkidentity.ShortID
		copy(id[:], v)
		holder = &id
		return nil
	})
	return holder, err
}

func (l *BoltLedger) SetPrivilegedHolder(_ context.Context, role string, actor zkidentity.ShortID) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rolesBucket)
		if b == nil {
			return ErrRolesBucketNotFound
		}
		return b.Put([]byte(role), actor[:])
	})
}

func encodeBalance(bal int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(bal))
	return buf[:]
}

func decodeBalance(v []byte) int64 {
	if len(v) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}
