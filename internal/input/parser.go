// Package input parses the operator's trade request line and the follow-up
// open-or-monitor confirmation.
package input

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Request is the parsed operator line:
// "COIN Long (VENUE), Short (VENUE) [AMOUNT]".
type Request struct {
	Coin       string
	LongVenue  string
	ShortVenue string
	CoinAmount *float64
}

var requestRe = regexp.MustCompile(`(?i)^(\w+)\s+Long\s*\((\w+)\)\s*,\s*Short\s*\((\w+)\)(?:\s+(\d+(?:\.\d+)?))?$`)

// ParseRequest parses the operator line, validating venues against the
// registry predicate and rejecting same-venue pairs.
func ParseRequest(line string, venueKnown func(string) bool) (*Request, error) {
	normalized := strings.TrimSpace(line)
	if normalized == "" {
		return nil, fmt.Errorf("empty input")
	}
	m := requestRe.FindStringSubmatch(normalized)
	if m == nil {
		return nil, fmt.Errorf("bad format %q: expected 'COIN Long (venue), Short (venue) [amount]'", line)
	}
	req := &Request{
		Coin:       strings.ToUpper(m[1]),
		LongVenue:  strings.ToLower(m[2]),
		ShortVenue: strings.ToLower(m[3]),
	}
	if venueKnown != nil {
		if !venueKnown(req.LongVenue) {
			return nil, fmt.Errorf("unsupported Long venue: %s", req.LongVenue)
		}
		if !venueKnown(req.ShortVenue) {
			return nil, fmt.Errorf("unsupported Short venue: %s", req.ShortVenue)
		}
	}
	if req.LongVenue == req.ShortVenue {
		return nil, fmt.Errorf("Long and Short cannot be the same venue: %s", req.LongVenue)
	}
	if m[4] != "" {
		amount, err := strconv.ParseFloat(m[4], 64)
		if err != nil || amount <= 0 {
			return nil, fmt.Errorf("bad coin amount %q", m[4])
		}
		req.CoinAmount = &amount
	}
	return req, nil
}

// Confirmation is the parsed answer to "open positions?".
type Confirmation struct {
	Yes          bool
	ThresholdPct *float64 // close threshold, decimal percent
}

var yesWords = map[string]struct{}{"да": {}, "д": {}, "yes": {}, "y": {}}

// ParseConfirmation parses "Да[, X]" / "Нет"; the optional X is the close
// threshold in percent (a trailing % sign is tolerated).
func ParseConfirmation(line string) (Confirmation, error) {
	normalized := strings.ToLower(strings.TrimSpace(line))
	if normalized == "" {
		return Confirmation{}, nil
	}
	head, tail, hasTail := strings.Cut(normalized, ",")
	head = strings.TrimSpace(head)
	if _, yes := yesWords[head]; !yes {
		return Confirmation{}, nil
	}
	out := Confirmation{Yes: true}
	if hasTail {
		raw := strings.TrimSuffix(strings.TrimSpace(tail), "%")
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return out, fmt.Errorf("missing close threshold after comma (expected e.g. 'Да, 0.5')")
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return out, fmt.Errorf("bad close threshold %q", tail)
		}
		out.ThresholdPct = &v
	}
	return out, nil
}
