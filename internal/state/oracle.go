package state

import "fmt"

// OracleSource identifies the price feed type.
type OracleSource int32

const (
	OracleSourcePyth OracleSource = iota
	OracleSourceSwitchboard
	OracleSourceQuoteAsset
)

func (s OracleSource) String() string {
	switch s {
	case OracleSourcePyth:
		return "pyth"
	case OracleSourceSwitchboard:
		return "switchboard"
	case OracleSourceQuoteAsset:
		return "quote_asset"
	default:
		return "unknown"
	}
}

func ParseOracleSource(s string) (OracleSource, error) {
	switch s {
	case "pyth":
		return OracleSourcePyth, nil
	case "switchboard":
		return OracleSourceSwitchboard, nil
	case "quote_asset":
		return OracleSourceQuoteAsset, nil
	default:
		return 0, fmt.Errorf("unknown oracle source %q", s)
	}
}

// OracleData is an externally supplied price. The engine never fetches it.
type OracleData struct {
	Index      uint16
	Price      int64 // PricePrecision
	Confidence int64 // PricePrecision
	Timestamp  int64 // unix seconds
	Slot       uint64
	Source     OracleSource
}
