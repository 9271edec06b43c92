package kurrentdb

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/carelink-ng/referral/internal/shared/types"
)

// streamName returns the stream name for an aggregate: {type}-{id}.
func streamName(aggregateType string, aggregateID types.ID) string {
	return fmt.Sprintf("%s-%s", aggregateType, aggregateID)
}

// categoryStream is the $by_category projection stream for an aggregate type.
func categoryStream(aggregateType string) string {
	return "$ce-" + aggregateType
}

// parseStreamName extracts the aggregate id from a {type}-{uuid} stream name.
func parseStreamName(aggregateType, stream string) (types.ID, bool) {
	prefix := aggregateType + "-"
	if !strings.HasPrefix(stream, prefix) {
		return "", false
	}
	id, err := types.ParseID(strings.TrimPrefix(stream, prefix))
	if err != nil {
		return "", false
	}
	return id, true
}

// toUUID converts a types.ID to uuid.UUID.
func toUUID(id types.ID) (uuid.UUID, error) {
	parsed, err := id.UUID()
	if err != nil {
		return uuid.Nil, fmt.Errorf("event id %q is not a uuid: %w", id, err)
	}
	return parsed, nil
}
