package changedetect

import "github.com/votoclaro/electsync/internal/models"

func keyFor(entityType, entityID, source string) models.EntityHashKey {
	return models.EntityHashKey{EntityType: entityType, EntityID: entityID, Source: source}
}
