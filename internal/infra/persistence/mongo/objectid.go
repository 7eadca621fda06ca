package mongo

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"register/pkg/domain"
)

// ObjectIDCodec maps external ids to 24-hex-digit ObjectIDs.
type ObjectIDCodec struct{}

var _ domain.IDCodec[bson.ObjectID] = ObjectIDCodec{}

// Decode parses raw as an ObjectID hex string.
func (ObjectIDCodec) Decode(raw string) (bson.ObjectID, error) {
	if len(raw) != 24 {
		return bson.NilObjectID, fmt.Errorf("%q: %w", raw, domain.ErrInvalidIdentifier)
	}
	key, err := bson.ObjectIDFromHex(raw)
	if err != nil {
		return bson.NilObjectID, fmt.Errorf("%q: %w", raw, domain.ErrInvalidIdentifier)
	}
	return key, nil
}

// Encode renders key as lowercase hex.
func (ObjectIDCodec) Encode(key bson.ObjectID) string { return key.Hex() }

// New returns a fresh ObjectID. Its leading timestamp and counter make ids
// from one process sort in creation order.
func (ObjectIDCodec) New() bson.ObjectID { return bson.NewObjectID() }
