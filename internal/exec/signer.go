// Package exec opens and closes paired Long/Short positions: preflight
// against instrument filters, isolated margin + 1x leverage setup, signed
// order placement (Bybit v5, Gate v4), strict full-fill verification and
// the monitor-until-close loop.
package exec

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sogdian/perparb/internal/transport"
)

// Credentials is one venue's API key pair.
type Credentials struct {
	Key    string
	Secret string
}

// Configured reports whether both halves are present.
func (c Credentials) Configured() bool { return c.Key != "" && c.Secret != "" }

// bybitSign computes HMAC_SHA256(secret, ts + key + recvWindow + payload);
// payload is the exact sorted query string for GET or the body JSON
// otherwise.
func bybitSign(secret, ts, key, recvWindow, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + key + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// bybitPrivateRequest performs a signed v5 request through the venue's
// pooled transport. For GET the signing payload equals url.Values.Encode()
// (sorted by key), which is byte-identical to the query the transport
// sends.
func bybitPrivateRequest(
	ctx context.Context,
	client *transport.Client,
	creds Credentials,
	recvWindow time.Duration,
	method, path string,
	params url.Values,
	body map[string]any,
) (json.RawMessage, error) {
	rw := strconv.FormatInt(recvWindow.Milliseconds(), 10)
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	payload := ""
	var bodyJSON []byte
	if method == http.MethodGet {
		if params == nil {
			params = url.Values{}
		}
		payload = params.Encode()
	} else {
		var err error
		bodyJSON, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = string(bodyJSON)
	}

	headers := http.Header{}
	headers.Set("X-BAPI-API-KEY", creds.Key)
	headers.Set("X-BAPI-TIMESTAMP", ts)
	headers.Set("X-BAPI-RECV-WINDOW", rw)
	headers.Set("X-BAPI-SIGN", bybitSign(creds.Secret, ts, creds.Key, rw, payload))
	headers.Set("X-BAPI-SIGN-TYPE", "2")
	if bodyJSON != nil {
		headers.Set("Content-Type", "application/json")
	}
	return client.Do(ctx, method, path, params, headers, bodyJSON)
}

// gateSign computes the v4 five-line signature:
// HMAC_SHA512(secret, method \n path \n query \n sha512(body) \n ts).
func gateSign(secret, method, path, query, bodyJSON, ts string) string {
	bodyHash := sha512.Sum512([]byte(bodyJSON))
	signStr := method + "\n" + path + "\n" + query + "\n" + hex.EncodeToString(bodyHash[:]) + "\n" + ts
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(signStr))
	return hex.EncodeToString(mac.Sum(nil))
}

// gatePrivateRequest performs a signed Gate v4 request. GET signs the empty
// body hash.
func gatePrivateRequest(
	ctx context.Context,
	client *transport.Client,
	creds Credentials,
	method, path string,
	params url.Values,
	body map[string]any,
) (json.RawMessage, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	query := ""
	if params != nil {
		query = params.Encode()
	}
	bodyJSON := ""
	var bodyBytes []byte
	if method != http.MethodGet && body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyBytes = b
		bodyJSON = string(b)
	}

	headers := http.Header{}
	headers.Set("KEY", creds.Key)
	headers.Set("Timestamp", ts)
	headers.Set("SIGN", gateSign(creds.Secret, method, path, query, bodyJSON, ts))
	headers.Set("Accept", "application/json")
	if bodyBytes != nil {
		headers.Set("Content-Type", "application/json")
	}
	return client.Do(ctx, method, path, params, headers, bodyBytes)
}

// authError wraps a private-API failure as the fatal AuthError kind.
func authError(venue string, err error) error {
	if err == nil {
		return nil
	}
	return &transport.Error{Kind: transport.AuthError, Venue: venue, Err: err}
}

// fmtNum formats a float trimming trailing zeros (3 decimals default).
func fmtNum(v float64) string {
	s := strconv.FormatFloat(v, 'f', 3, 64)
	return trimZeros(s)
}

func trimZeros(s string) string {
	for len(s) > 0 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if len(s) > 0 && s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	return s
}
