package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// idempotencyClaim scopes a client key to the store and user that sent it.
// The fingerprint covers everything in the request except the key itself.
type idempotencyClaim struct {
	scope       string
	key         string
	fingerprint string
}

// storedResult is what the idempotency table holds for a completed key.
type storedResult struct {
	Fingerprint string         `json:"fingerprint"`
	Result      MovementResult `json:"result"`
}

func newIdempotencyClaim(req MovementRequest) (idempotencyClaim, error) {
	unkeyed := req
	unkeyed.IdempotencyKey = ""
	body, err := json.Marshal(unkeyed)
	if err != nil {
		return idempotencyClaim{}, fmt.Errorf("ledger: fingerprint request: %w", err)
	}
	sum := sha256.Sum256(body)
	return idempotencyClaim{
		scope:       "ledger:store:" + strconv.FormatInt(req.StoreID, 10),
		key:         strconv.FormatInt(req.UserID, 10) + ":" + req.IdempotencyKey,
		fingerprint: hex.EncodeToString(sum[:]),
	}, nil
}

// replay decodes the stored result of an earlier request with the same key.
func (c idempotencyClaim) replay(prior []byte) (MovementResult, error) {
	var stored storedResult
	if err := json.Unmarshal(prior, &stored); err != nil {
		return MovementResult{}, fmt.Errorf("ledger: decode replayed result: %w", err)
	}
	if stored.Fingerprint != c.fingerprint {
		return MovementResult{}, ErrIdempotencyReuse
	}
	result := stored.Result
	result.Replayed = true
	return result, nil
}
