// Package content stores and retrieves content-addressed objects: images,
// watermarked previews and the JSON metadata documents the ledger points at.
package content

import (
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
)

// ParseID validates a content identifier and returns it in canonical form.
func ParseID(id string) (cid.Cid, error) {
	c, err := cid.Decode(strings.TrimSpace(id))
	if err != nil {
		return cid.Undef, svcerrors.Validation("invalid content identifier")
	}
	return c, nil
}

// ComputeID returns the CIDv1 (raw codec, sha2-256) for data.
func ComputeID(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// Verify reports whether data hashes to id. Only sha2-256 identifiers can
// be checked; other hash functions report false.
func Verify(id cid.Cid, data []byte) bool {
	decoded, err := multihash.Decode(id.Hash())
	if err != nil || decoded.Code != multihash.SHA2_256 {
		return false
	}
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return false
	}
	return sum.String() == id.Hash().String()
}
