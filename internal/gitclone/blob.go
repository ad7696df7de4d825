package gitclone

import (
	"crypto/sha1" // #nosec G505 -- git object ids are defined as SHA-1.
	"encoding/hex"
	"strconv"
)

// BlobSHA returns the git object id of content, matching the sha the host
// reports for the same file in code search.
func BlobSHA(content []byte) string {
	h := sha1.New() // #nosec G401
	h.Write([]byte("blob " + strconv.Itoa(len(content)) + "\x00"))
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}
