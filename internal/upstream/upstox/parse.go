package upstox

import (
	"fmt"
	"strings"
	"time"

	"optcollect/internal/logger"
	"optcollect/internal/upstream"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// parseExpiries decodes {"status":"success","data":["2024-01-25",...]}.
func parseExpiries(body []byte) ([]time.Time, error) {
	root, err := parseEnvelope(body)
	if err != nil {
		return nil, err
	}
	var out []time.Time
	var rowErr error
	root.Get("data").ForEach(func(_, v gjson.Result) bool {
		d, err := time.Parse(dateLayout, v.String())
		if err != nil {
			rowErr = fmt.Errorf("upstox: invalid expiry date %q", v.String())
			return false
		}
		out = append(out, d)
		return true
	})
	if rowErr != nil {
		return nil, rowErr
	}
	return out, nil
}

// parseContracts decodes one option or future contract list.
func parseContracts(body []byte, instrumentKey string) ([]upstream.Contract, error) {
	root, err := parseEnvelope(body)
	if err != nil {
		return nil, err
	}
	var out []upstream.Contract
	root.Get("data").ForEach(func(_, v gjson.Result) bool {
		key := v.Get("expired_instrument_key").String()
		if key == "" {
			key = v.Get("instrument_key").String()
		}
		expiry, perr := time.Parse(dateLayout, v.Get("expiry").String())
		if key == "" || perr != nil {
			logger.Warnf("upstox: skipping malformed contract row: %s", truncate([]byte(v.Raw), 120))
			return true
		}
		kind := normalizeKind(v.Get("instrument_type").String())
		var strike float64
		if kind == upstream.KindCall || kind == upstream.KindPut {
			// Parse the wire literal, not a float round trip: a strike the
			// broker sends as "21000.05" must not pick up binary noise.
			raw := v.Get("strike_price").String()
			d, derr := decimal.NewFromString(raw)
			if derr != nil {
				logger.Warnf("upstox: skipping contract %s with malformed strike %q", key, raw)
				return true
			}
			strike = d.InexactFloat64()
		}
		out = append(out, upstream.Contract{
			ExpiredKey:    key,
			InstrumentKey: instrumentKey,
			Symbol:        v.Get("trading_symbol").String(),
			Expiry:        expiry,
			Kind:          kind,
			Strike:        strike,
		})
		return true
	})
	return out, nil
}

// parseCandles decodes data.candles: [[ts,o,h,l,c,volume,oi],...].
// Malformed rows are skipped and logged; the rest of the response is kept.
func parseCandles(body []byte, contractKey string) ([]upstream.Candle, error) {
	root, err := parseEnvelope(body)
	if err != nil {
		return nil, err
	}
	var out []upstream.Candle
	root.Get("data.candles").ForEach(func(_, row gjson.Result) bool {
		cols := row.Array()
		if len(cols) < 6 {
			logger.Warnf("upstox: skipping short candle row for %s: %s", contractKey, truncate([]byte(row.Raw), 120))
			return true
		}
		ts, err := parseCandleTime(cols[0].String())
		if err != nil {
			logger.Warnf("upstox: skipping candle with bad timestamp for %s: %v", contractKey, err)
			return true
		}
		c := upstream.Candle{
			Timestamp: ts,
			Open:      cols[1].Float(),
			High:      cols[2].Float(),
			Low:       cols[3].Float(),
			Close:     cols[4].Float(),
			Volume:    cols[5].Int(),
		}
		if len(cols) > 6 {
			c.OpenInterest = cols[6].Int()
		}
		out = append(out, c)
		return true
	})
	return out, nil
}

func parseEnvelope(body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("upstox: response is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	if status := root.Get("status").String(); status != "" && status != "success" {
		return gjson.Result{}, fmt.Errorf("upstox: response status %q: %s",
			status, root.Get("errors.0.message").String())
	}
	return root, nil
}

func parseCandleTime(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05-07:00", dateLayout} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}

func normalizeKind(raw string) upstream.ContractKind {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CE", "CALL":
		return upstream.KindCall
	case "PE", "PUT":
		return upstream.KindPut
	default:
		return upstream.KindFuture
	}
}
