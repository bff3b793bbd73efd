package sources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/vault/internal/domain"
	"github.com/vmihailenco/msgpack/v5"
)

const secondsPerDay = 24 * 60 * 60

type rewardRate struct {
	token  domain.Token
	perDay domain.Amount
}

// Rewarding is a Simulated source that also emits reward tokens while it
// holds funds. Claimed rewards are minted into the vault account.
type Rewarding struct {
	*Simulated

	rmu        sync.Mutex
	rates      []rewardRate
	accrued    map[domain.Token]domain.Amount
	lastReward time.Time
}

// NewRewarding wraps a simulated source with the reward emissions in cfg.Rewards
func NewRewarding(base *Simulated, cfg Config) (*Rewarding, error) {
	r := &Rewarding{
		Simulated:  base,
		accrued:    make(map[domain.Token]domain.Amount),
		lastReward: base.now(),
	}
	for _, rc := range cfg.Rewards {
		v, err := domain.ParseAmount(rc.PerDay)
		if err != nil {
			return nil, fmt.Errorf("source %s reward %s: %w", cfg.ID, rc.Token, err)
		}
		r.rates = append(r.rates, rewardRate{token: domain.Token(rc.Token), perDay: v})
	}
	return r, nil
}

// SetClock replaces the time source for both interest and rewards
func (r *Rewarding) SetClock(now func() time.Time) {
	r.Simulated.SetClock(now)
	r.rmu.Lock()
	r.lastReward = now()
	r.rmu.Unlock()
}

// ClaimableRewards returns what ClaimRewards would pay out now
func (r *Rewarding) ClaimableRewards(ctx context.Context) ([]domain.RewardAmount, error) {
	r.rmu.Lock()
	defer r.rmu.Unlock()

	if err := r.accrueRewards(ctx); err != nil {
		return nil, err
	}
	out := make([]domain.RewardAmount, 0, len(r.rates))
	for _, rate := range r.rates {
		out = append(out, domain.RewardAmount{Token: rate.token, Amount: r.accrued[rate.token]})
	}
	return out, nil
}

// ClaimRewards mints accrued rewards into the vault account and resets them
func (r *Rewarding) ClaimRewards(ctx context.Context) ([]domain.RewardAmount, error) {
	r.rmu.Lock()
	defer r.rmu.Unlock()

	if err := r.accrueRewards(ctx); err != nil {
		return nil, err
	}
	out := make([]domain.RewardAmount, 0, len(r.rates))
	for _, rate := range r.rates {
		amount := r.accrued[rate.token]
		if !amount.IsZero() {
			r.book.Mint(rate.token, r.vault, amount)
		}
		out = append(out, domain.RewardAmount{Token: rate.token, Amount: amount})
		delete(r.accrued, rate.token)
	}
	r.log.Info().Int("tokens", len(out)).Msg("Rewards claimed")
	return out, nil
}

func (r *Rewarding) accrueRewards(ctx context.Context) error {
	now := r.Simulated.now()
	elapsed := now.Sub(r.lastReward)
	if elapsed <= 0 {
		return nil
	}
	bal, err := r.book.BalanceOf(ctx, r.underlying, r.account)
	if err != nil {
		return err
	}
	if bal.IsZero() {
		r.lastReward = now
		return nil
	}
	secs := domain.NewAmount(uint64(elapsed / time.Second))
	progressed := false
	for _, rate := range r.rates {
		add := domain.MulDiv(rate.perDay, secs, domain.NewAmount(secondsPerDay))
		if add.IsZero() {
			continue
		}
		r.accrued[rate.token] = r.accrued[rate.token].Add(add)
		progressed = true
	}
	if progressed {
		r.lastReward = now
	}
	return nil
}

// Grant credits rewards directly, for seeding simulations and tests
func (r *Rewarding) Grant(token domain.Token, amount domain.Amount) {
	r.rmu.Lock()
	defer r.rmu.Unlock()
	r.accrued[token] = r.accrued[token].Add(amount)
}

type rewardingState struct {
	Base       []byte            `msgpack:"base"`
	Accrued    map[string]string `msgpack:"accrued"`
	LastReward int64             `msgpack:"last_reward"`
}

// MarshalState encodes the base source state plus accrued rewards
func (r *Rewarding) MarshalState() ([]byte, error) {
	base, err := r.Simulated.MarshalState()
	if err != nil {
		return nil, err
	}
	r.rmu.Lock()
	defer r.rmu.Unlock()

	st := rewardingState{Base: base, Accrued: make(map[string]string, len(r.accrued)), LastReward: r.lastReward.UnixNano()}
	for t, v := range r.accrued {
		st.Accrued[string(t)] = v.String()
	}
	return msgpack.Marshal(&st)
}

// UnmarshalState restores state written by MarshalState
func (r *Rewarding) UnmarshalState(data []byte) error {
	var st rewardingState
	if err := msgpack.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("failed to decode source %s state: %w", r.id, err)
	}
	if err := r.Simulated.UnmarshalState(st.Base); err != nil {
		return err
	}
	accrued := make(map[domain.Token]domain.Amount, len(st.Accrued))
	for t, raw := range st.Accrued {
		v, err := domain.ParseAmount(raw)
		if err != nil {
			return fmt.Errorf("corrupt accrued %s: %w", t, err)
		}
		accrued[domain.Token(t)] = v
	}
	r.rmu.Lock()
	defer r.rmu.Unlock()
	r.accrued = accrued
	if st.LastReward > 0 {
		r.lastReward = time.Unix(0, st.LastReward)
	}
	return nil
}
