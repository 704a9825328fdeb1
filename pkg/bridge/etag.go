package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
)

// etagOf hashes a canonical serialization of v: the value is marshalled,
// decoded into plain maps and re-marshalled, which sorts object keys, so two
// deeply equal values hash identically regardless of key insertion order.
func etagOf(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal for etag")
	}
	return etagOfJSON(raw)
}

func etagOfJSON(raw []byte) (string, error) {
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", errors.Wrap(err, "failed to canonicalize for etag")
	}
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal canonical form")
	}
	sum := sha256.Sum256(canonical)
	return `"` + hex.EncodeToString(sum[:16]) + `"`, nil
}
