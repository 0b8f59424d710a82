package query

import (
	"encoding/json"
	"fmt"

	pawcache "github.com/Hamidon94/ultra.dogwalking-sub001"
)

// MaxKeyLength is the longest key Key returns verbatim. Longer identities are
// replaced by a digest of their parameters.
const MaxKeyLength = 200

// Key derives the cache key for a query. Equal names and parameters always
// produce equal keys: params are serialized as JSON with object keys sorted,
// so maps and structs with the same content agree.
func Key(name string, params any) string {
	if params == nil {
		return name
	}

	canon, err := canonicalJSON(params)
	if err != nil {
		canon = []byte(fmt.Sprintf("%v", params))
	}

	key := name + ":" + string(canon)
	if len(key) <= MaxKeyLength {
		return key
	}
	return name + ":" + pawcache.HashBytes(canon).Digest()
}

// canonicalJSON re-encodes v through a generic value so that object keys come
// out sorted regardless of struct field order.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
