package serverdb

import (
	"context"
	"errors"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/vctt94/wager-bisonrelay/wagergame"
)

var (
	ErrBalancesBucketNotFound = errors.New("balances bucket not found")
	ErrRolesBucketNotFound    = errors.New("roles bucket not found")
)

// Ledger is the persistent balance store the bot settles against. It
// extends the engine's view with the operations only the glue layer needs:
// direct transfers, role assignment and teardown.
type Ledger interface {
	wagergame.Ledger

	// Transfer moves amount from one actor to another atomically. It
	// fails with wagergame.ErrInsufficientFunds rather than underflow.
	Transfer(ctx context.Context, from, to zkidentity.ShortID, amount int64) error

	// SetPrivilegedHolder records the actor currently holding a role.
	SetPrivilegedHolder(ctx context.Context, role string, actor zkidentity.ShortID) error

	Close() error
}
