package vectorstore

import (
	"strconv"

	"github.com/google/uuid"
)

var pointNamespace = uuid.MustParse("6f1c3a52-8d0e-5b7a-9c41-2e5d7f0a8b13")

// PointID is stable for a (document, chunk) pair so re-indexing overwrites instead of duplicating.
func PointID(documentID int64, ordinal int) string {
	name := strconv.FormatInt(documentID, 10) + ":" + strconv.Itoa(ordinal)
	return uuid.NewSHA1(pointNamespace, []byte(name)).String()
}
