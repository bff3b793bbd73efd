package domain

import "context"

// SourceAdapter is the uniform contract over a third-party yield venue.
// Deposit and Withdraw report the amount actually moved, which may be
// less than requested.
type SourceAdapter interface {
	ID() SourceID
	Deposit(ctx context.Context, amount Amount) (Amount, error)
	Withdraw(ctx context.Context, amount Amount) (Amount, error)
	BalanceOf(ctx context.Context) (Amount, error)
}

// RewardSource is a SourceAdapter that additionally accrues reward tokens.
type RewardSource interface {
	SourceAdapter
	ClaimableRewards(ctx context.Context) ([]RewardAmount, error)
	// ClaimRewards moves all accrued rewards into the vault account.
	ClaimRewards(ctx context.Context) ([]RewardAmount, error)
}

// Swapper converts a reward token into the underlying asset for the vault
// account. It fails rather than returning less than minOut.
type Swapper interface {
	Swap(ctx context.Context, token Token, amount, minOut Amount) (Amount, error)
}

// Quoter prices a swap without executing it.
type Quoter interface {
	Quote(ctx context.Context, token Token, amount Amount) (Amount, error)
}

// Custody is the token book the vault account's holdings live in.
type Custody interface {
	BalanceOf(ctx context.Context, token Token, account Address) (Amount, error)
	Transfer(ctx context.Context, token Token, from, to Address, amount Amount) error
}

// Gate answers authorization questions for vault operations.
type Gate interface {
	Owner() Address
	IsOwner(addr Address) bool
	IsWhitelisted(addr Address) bool
	IsPaused() bool
}

// Clock reports the current sequence value (unix seconds) deadlines are
// compared against.
type Clock interface {
	Now() uint64
}
