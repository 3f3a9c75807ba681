package core

import (
	"github.com/google/uuid"

	"pkt.systems/devgate/schema"
)

// NewConnID returns a fresh connection id.
func NewConnID() schema.ConnID {
	return schema.ConnID(uuid.NewString())
}
