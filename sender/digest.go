package sender

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
)

// CollectionSyncHeader builds the Collection-Synchronization header value
// (FEP-8fcf) for one delivery: the followers collection id, the partial
// collection URL scoped to the receiving server's origin, and a digest of
// the recipient ids delivered there. The digest is the bytewise XOR of the
// SHA-256 hashes of each id, so the receiving side can compare follower
// sets without ordering them.
func CollectionSyncHeader(followersURL, inboxOrigin string, recipientIDs []string) string {
	var acc [sha256.Size]byte
	for _, id := range recipientIDs {
		sum := sha256.Sum256([]byte(id))
		for i := range acc {
			acc[i] ^= sum[i]
		}
	}

	partial := followersURL + "?base-url=" + url.QueryEscape(inboxOrigin)
	return fmt.Sprintf("collectionId=%q, url=%q, digest=%q", followersURL, partial, hex.EncodeToString(acc[:]))
}
