package harvester

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"orderflow-pipeline/internal/exchange"
	"orderflow-pipeline/pkg/types"
)

// rowIDSeq is a per-symbol monotonic row_id counter, kept dense so gaps
// in the sequence are detectable downstream.
type rowIDSeq struct{ n int64 }

func (s *rowIDSeq) next() int64 {
	s.n++
	return s.n
}

// normalizeDepth converts a raw depth event into a KindOrderbook canonical
// row. recvTsMs is the local receive timestamp, stamped by the caller at
// the moment the message came off the wire.
func normalizeDepth(ev exchange.DepthEvent, recvTsMs int64, rowID int64, depthLevels int) types.CanonicalRow {
	row := types.CanonicalRow{
		TsMs:          ev.TsMs,
		RecvTsMs:      recvTsMs,
		Symbol:        ev.Symbol,
		Kind:          types.KindOrderbook,
		RowID:         rowID,
		SchemaVersion: "canonical/v1",
		Bids:          clampLevels(ev.Bids, depthLevels),
		Asks:          clampLevels(ev.Asks, depthLevels),
	}
	row.InputFingerprint = fingerprintDepth(row.Bids, row.Asks)
	return row
}

// normalizeTrade converts a raw trade event into a KindTrade canonical row.
func normalizeTrade(ev exchange.TradeEvent, recvTsMs int64, rowID int64) types.CanonicalRow {
	return types.CanonicalRow{
		TsMs:          ev.TsMs,
		RecvTsMs:      recvTsMs,
		Symbol:        ev.Symbol,
		Kind:          types.KindTrade,
		RowID:         rowID,
		SchemaVersion: "canonical/v1",
		Price:         ev.Price,
		Qty:           ev.Qty,
		Side:          normalizeSide(ev.Side),
	}
}

func normalizeSide(raw string) types.Side {
	switch strings.ToLower(raw) {
	case "buy", "bid":
		return types.Buy
	case "sell", "ask":
		return types.Sell
	default:
		return types.None
	}
}

// clampLevels truncates a depth side to at most n levels. A non-positive n
// means no truncation.
func clampLevels(levels []exchange.PriceLevel, n int) []types.PriceLevel {
	if n > 0 && len(levels) > n {
		levels = levels[:n]
	}
	out := make([]types.PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = types.PriceLevel{Price: l.Price, Qty: l.Qty}
	}
	return out
}

// fingerprintDepth hashes the exact book state a feature row was derived
// from, so a feature row can be tied back to its precise input.
func fingerprintDepth(bids, asks []types.PriceLevel) string {
	h := sha256.New()
	writeLevels(h, bids)
	h.Write([]byte{'|'})
	writeLevels(h, asks)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func writeLevels(h interface{ Write([]byte) (int, error) }, levels []types.PriceLevel) {
	for _, l := range levels {
		h.Write([]byte(strconv.FormatFloat(l.Price, 'f', -1, 64)))
		h.Write([]byte(":"))
		h.Write([]byte(strconv.FormatFloat(l.Qty, 'f', -1, 64)))
		h.Write([]byte(","))
	}
}

// bestBidAsk returns the top-of-book price/qty on each side, or zeros if
// the side is empty.
func bestBidAsk(bids, asks []types.PriceLevel) (bestBid, bestBidQty, bestAsk, bestAskQty float64) {
	if len(bids) > 0 {
		bestBid, bestBidQty = bids[0].Price, bids[0].Qty
	}
	if len(asks) > 0 {
		bestAsk, bestAskQty = asks[0].Price, asks[0].Qty
	}
	return
}
