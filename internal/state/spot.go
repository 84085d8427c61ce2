package state

// QuoteSpotMarketIndex is the spot market of the quote asset (USDC).
const QuoteSpotMarketIndex uint16 = 0

// SpotMarket is a deposit/borrow bank for one token.
type SpotMarket struct {
	Index       uint16
	Name        string
	Decimals    int // token mint decimals
	OracleIndex uint16

	// SpotCumulativeInterestPrecision
	CumulativeDepositInterest int64
	CumulativeBorrowInterest  int64

	// Aggregate scaled balances (SpotBalancePrecision)
	DepositBalance int64
	BorrowBalance  int64

	// SpotUtilizationPrecision / SpotRatePrecision
	OptimalUtilization int64
	OptimalBorrowRate  int64
	MaxBorrowRate      int64

	LastUpdated int64 // unix seconds
}

// Clone returns a copy.
func (s *SpotMarket) Clone() *SpotMarket {
	c := *s
	return &c
}
