package funds

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Deduct draws amount from the facility's pools inside the caller's transaction.
// Pools are locked before planning; on any failure nothing has been written that the
// caller's rollback would not undo.
func Deduct(ctx context.Context, tx TxRepository, facilityID int64, fundType FundType, amount decimal.Decimal, disbursementID int64, at time.Time) ([]Draw, error) {
	types := []FundType{fundType}
	if fundType != FundGeneral {
		types = append(types, FundGeneral)
	}
	pools, err := tx.LockPools(ctx, facilityID, types)
	if err != nil {
		return nil, fmt.Errorf("funds: lock pools: %w", err)
	}
	plan, err := PlanDeduction(pools, facilityID, fundType, amount)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]Allocation, len(pools))
	for _, p := range pools {
		byID[p.ID] = p
	}
	for _, d := range plan {
		a := byID[d.AllocationID]
		a.Utilized = a.Utilized.Add(d.Amount)
		a.Recompute()
		a.UpdatedAt = at
		if err := tx.SaveUsage(ctx, a); err != nil {
			return nil, fmt.Errorf("funds: save allocation %d: %w", a.ID, err)
		}
		if err := tx.InsertMovement(ctx, Movement{Draw: d, DisbursementID: disbursementID, At: at}); err != nil {
			return nil, fmt.Errorf("funds: record movement: %w", err)
		}
	}
	return plan, nil
}
