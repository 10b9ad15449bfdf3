package tracker

import "github.com/BongHwi/delivery-tracker/internal/entity"

// Entity is the base type embedded by tracker domain objects.
type Entity = entity.Entity

// NewEntity returns an Entity with both timestamps set to the current UTC time.
func NewEntity() Entity {
	return entity.New()
}
