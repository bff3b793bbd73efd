package sources

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/vault/internal/domain"
	"github.com/aristath/vault/internal/modules/custody"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

const secondsPerYear = 365 * 24 * 60 * 60

// ErrSourceUnavailable is returned by a simulated source with failures injected.
var ErrSourceUnavailable = errors.New("source unavailable")

// Simulated is a lending-venue style source. It holds the underlying in
// its own custody account and accrues interest into it over time.
type Simulated struct {
	mu sync.Mutex

	id         domain.SourceID
	account    domain.Address
	vault      domain.Address
	underlying domain.Token
	book       *custody.Book

	apyBps       uint64
	feeBps       uint64
	liquidityCap domain.Amount

	lastAccrual     time.Time
	failDeposits    bool
	failWithdrawals bool

	now func() time.Time
	log zerolog.Logger
}

// NewSimulated creates a simulated source from cfg. Funds move between
// vault and the source's own account in book.
func NewSimulated(cfg Config, vault domain.Address, underlying domain.Token, book *custody.Book, log zerolog.Logger) (*Simulated, error) {
	liqCap := domain.Zero
	if cfg.LiquidityCap != "" {
		v, err := domain.ParseAmount(cfg.LiquidityCap)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
		}
		liqCap = v
	}
	return &Simulated{
		id:           domain.SourceID(cfg.ID),
		account:      AccountFor(domain.SourceID(cfg.ID)),
		vault:        vault,
		underlying:   underlying,
		book:         book,
		apyBps:       cfg.APYBps,
		feeBps:       cfg.WithdrawFeeBps,
		liquidityCap: liqCap,
		now:          time.Now,
		lastAccrual:  time.Now(),
		log:          log.With().Str("component", "source").Str("source", cfg.ID).Logger(),
	}, nil
}

// AccountFor returns the custody account a source holds funds in
func AccountFor(id domain.SourceID) domain.Address {
	return domain.Address("source:" + string(id))
}

// ID returns the source identifier
func (s *Simulated) ID() domain.SourceID {
	return s.id
}

// Account returns the custody account holding this source's funds
func (s *Simulated) Account() domain.Address {
	return s.account
}

// SetClock replaces the time source and restarts accrual from its current value
func (s *Simulated) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	s.lastAccrual = now()
}

// InjectFailures makes subsequent deposits and/or withdrawals fail
func (s *Simulated) InjectFailures(deposits, withdrawals bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDeposits = deposits
	s.failWithdrawals = withdrawals
}

// Deposit pulls amount of underlying from the vault account
func (s *Simulated) Deposit(ctx context.Context, amount domain.Amount) (domain.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failDeposits {
		return domain.Zero, fmt.Errorf("%w: %s rejected deposit", ErrSourceUnavailable, s.id)
	}
	if err := s.accrue(ctx); err != nil {
		return domain.Zero, err
	}
	if err := s.book.Transfer(ctx, s.underlying, s.vault, s.account, amount); err != nil {
		return domain.Zero, fmt.Errorf("source %s deposit: %w", s.id, err)
	}
	return amount, nil
}

// Withdraw returns up to amount of underlying to the vault account, less
// the withdrawal fee and capped by available liquidity.
func (s *Simulated) Withdraw(ctx context.Context, amount domain.Amount) (domain.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWithdrawals {
		return domain.Zero, fmt.Errorf("%w: %s rejected withdrawal", ErrSourceUnavailable, s.id)
	}
	if err := s.accrue(ctx); err != nil {
		return domain.Zero, err
	}

	bal, err := s.book.BalanceOf(ctx, s.underlying, s.account)
	if err != nil {
		return domain.Zero, err
	}
	take := domain.Min(amount, bal)
	if !s.liquidityCap.IsZero() {
		take = domain.Min(take, s.liquidityCap)
	}
	if take.Cmp(amount) < 0 {
		s.log.Debug().
			Str("requested", amount.String()).
			Str("available", take.String()).
			Msg("Partial withdrawal")
	}
	if take.IsZero() {
		return domain.Zero, nil
	}

	fee := domain.MulBps(take, s.feeBps)
	out := take.Sub(fee)
	if !fee.IsZero() {
		if err := s.book.Burn(s.underlying, s.account, fee); err != nil {
			return domain.Zero, fmt.Errorf("source %s fee: %w", s.id, err)
		}
	}
	if err := s.book.Transfer(ctx, s.underlying, s.account, s.vault, out); err != nil {
		return domain.Zero, fmt.Errorf("source %s withdraw: %w", s.id, err)
	}
	return out, nil
}

// BalanceOf returns the vault's position in this source, interest included
func (s *Simulated) BalanceOf(ctx context.Context) (domain.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.accrue(ctx); err != nil {
		return domain.Zero, err
	}
	return s.book.BalanceOf(ctx, s.underlying, s.account)
}

// accrue mints interest for the time elapsed since the last accrual.
// The accrual point only advances once interest is non-zero so frequent
// reads do not round yield away.
func (s *Simulated) accrue(ctx context.Context) error {
	now := s.now()
	if s.apyBps == 0 {
		s.lastAccrual = now
		return nil
	}
	elapsed := now.Sub(s.lastAccrual)
	if elapsed <= 0 {
		return nil
	}
	bal, err := s.book.BalanceOf(ctx, s.underlying, s.account)
	if err != nil {
		return err
	}
	if bal.IsZero() {
		s.lastAccrual = now
		return nil
	}
	interest := domain.MulDiv(
		bal.Mul64(s.apyBps),
		domain.NewAmount(uint64(elapsed/time.Second)),
		domain.NewAmount(domain.BasisPoints*secondsPerYear),
	)
	if interest.IsZero() {
		return nil
	}
	s.book.Mint(s.underlying, s.account, interest)
	s.lastAccrual = now
	return nil
}

type simulatedState struct {
	LastAccrual     int64 `msgpack:"last_accrual"`
	FailDeposits    bool  `msgpack:"fail_deposits"`
	FailWithdrawals bool  `msgpack:"fail_withdrawals"`
}

// MarshalState encodes accrual and failure-injection state. Balances live in the custody book.
func (s *Simulated) MarshalState() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return msgpack.Marshal(&simulatedState{
		LastAccrual:     s.lastAccrual.UnixNano(),
		FailDeposits:    s.failDeposits,
		FailWithdrawals: s.failWithdrawals,
	})
}

// UnmarshalState restores state written by MarshalState
func (s *Simulated) UnmarshalState(data []byte) error {
	var st simulatedState
	if err := msgpack.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("failed to decode source %s state: %w", s.id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.LastAccrual > 0 {
		s.lastAccrual = time.Unix(0, st.LastAccrual)
	}
	s.failDeposits = st.FailDeposits
	s.failWithdrawals = st.FailWithdrawals
	return nil
}
