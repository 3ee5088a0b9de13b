package venues

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/sogdian/perparb/internal/market"
)

// Venue payloads mix numbers and numeric strings freely; these helpers
// absorb both without per-venue ceremony.

// numOf parses a JSON scalar (number, numeric string) into a float64.
func numOf(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// intOf parses a JSON scalar into an int64, accepting numeric strings and
// floats.
func intOf(raw json.RawMessage) (int64, bool) {
	f, ok := numOf(raw)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// objMap decodes raw into a key->RawMessage map; returns nil when raw is
// not an object.
func objMap(raw json.RawMessage) map[string]json.RawMessage {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// firstOf returns the first present key's value from an object map.
func firstOf(m map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && len(v) > 0 && string(v) != "null" {
			return v, true
		}
	}
	return nil, false
}

// firstNum parses the first present key as a number.
func firstNum(m map[string]json.RawMessage, keys ...string) (float64, bool) {
	v, ok := firstOf(m, keys...)
	if !ok {
		return 0, false
	}
	return numOf(v)
}

// itemOf unwraps the common envelope shapes: `data`/`result` holding an
// object, a single-element array, or the payload being the item itself.
func itemOf(raw json.RawMessage) map[string]json.RawMessage {
	m := objMap(raw)
	if m == nil {
		// maybe a bare array
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err == nil && len(arr) > 0 {
			return objMap(arr[0])
		}
		return nil
	}
	inner, ok := firstOf(m, "data", "result")
	if !ok {
		return m
	}
	if im := objMap(inner); im != nil {
		return im
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(inner, &arr); err == nil && len(arr) > 0 {
		return objMap(arr[0])
	}
	return m
}

// decodeLevels normalizes a raw orderbook side into levels. Accepted input
// shapes: [[price, size, ...], ...] with numbers or strings, and
// [{"price"|"p": .., "size"|"s"|"volume"|"quantity"|"q"|"vol": ..}, ...].
// Levels with unparseable fields are skipped.
func decodeLevels(raw json.RawMessage) []market.Level {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]market.Level, 0, len(items))
	for _, it := range items {
		var pair []json.RawMessage
		if err := json.Unmarshal(it, &pair); err == nil {
			if len(pair) < 2 {
				continue
			}
			p, ok1 := numOf(pair[0])
			s, ok2 := numOf(pair[1])
			if ok1 && ok2 {
				out = append(out, market.Level{Price: p, Size: s})
			}
			continue
		}
		m := objMap(it)
		if m == nil {
			continue
		}
		p, ok1 := firstNum(m, "price", "p")
		s, ok2 := firstNum(m, "quantity", "q", "size", "s", "volume", "vol")
		if ok1 && ok2 {
			out = append(out, market.Level{Price: p, Size: s})
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// upper is coin canonicalization: venues index coins in upper case.
func upper(coin string) string { return strings.ToUpper(strings.TrimSpace(coin)) }

// canonSymbol strips -/_ separators for symbol comparison:
// GPS_USDT, GPS-USDT, GPSUSDT -> GPSUSDT.
func canonSymbol(sym string) string {
	return strings.ToUpper(strings.NewReplacer("-", "", "_", "").Replace(sym))
}
