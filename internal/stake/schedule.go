package stake

import "fmt"

// Terms are the contract parameters fixed at deposit time.
type Terms struct {
	Token       string
	InterestBps int64
	PenaltyBps  int64
}

// Deposit is an accepted stake request.
type Deposit struct {
	Nonce  int64
	Block  int64
	Client string
	Amount int64
	Months int
}

func (d Deposit) Validate() error {
	if d.Nonce <= 0 {
		return fmt.Errorf("%w: nonce must be > 0", ErrInvalidStake)
	}
	if d.Client == "" {
		return fmt.Errorf("%w: missing client", ErrInvalidStake)
	}
	if d.Amount <= 0 {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidStake)
	}
	if d.Months <= 0 {
		return fmt.Errorf("%w: months must be > 0", ErrInvalidStake)
	}
	return nil
}

// InterestInstallment is floor(amount × interest rate).
func (t Terms) InterestInstallment(amount int64) int64 {
	return amount * t.InterestBps / 10_000
}

// Penalty is -floor(amount × penalty rate).
func (t Terms) Penalty(amount int64) int64 {
	return -(amount * t.PenaltyBps / 10_000)
}

// BuildSchedule returns the 3+months rows for a deposit: the contract marker
// (already paid), principal, penalty, then one interest row per month.
func BuildSchedule(d Deposit, t Terms) ([]Row, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if t.Token == "" || t.InterestBps < 0 || t.PenaltyBps < 0 {
		return nil, fmt.Errorf("%w: bad terms", ErrInvalidConfig)
	}

	end := d.Nonce + int64(d.Months)*Month
	base := Row{
		Client:         d.Client,
		Token:          t.Token,
		Start:          d.Nonce,
		Status:         StatusPending,
		BlockStart:     d.Block,
		BlockProcessed: Unset,
	}

	rows := make([]Row, 0, 3+d.Months)

	marker := base
	marker.Kind = ContractKind(d.Months)
	marker.Amount = 1
	marker.Due = d.Nonce
	marker.Processed = d.Nonce
	marker.Status = StatusPaid
	rows = append(rows, marker)

	principal := base
	principal.Kind = KindPrincipal
	principal.Amount = d.Amount
	principal.Due = end
	rows = append(rows, principal)

	penalty := base
	penalty.Kind = KindPenalty
	penalty.Amount = t.Penalty(d.Amount)
	penalty.Due = end
	rows = append(rows, penalty)

	installment := t.InterestInstallment(d.Amount)
	for k := 1; k <= d.Months; k++ {
		r := base
		r.Kind = KindInterest
		r.Amount = installment
		r.Due = d.Nonce + int64(k)*Month
		r.InstallmentNumber = k
		rows = append(rows, r)
	}
	return rows, nil
}
