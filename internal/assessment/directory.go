package assessment

import (
	"context"
	"fmt"
)

// Directory resolves group membership for bulk assignment. The platform's
// user service implements this; offline deployments can use a static map.
type Directory interface {
	GroupMembers(ctx context.Context, groupID string) ([]string, error)
}

// StaticDirectory serves fixed group rosters.
type StaticDirectory map[string][]string

func (d StaticDirectory) GroupMembers(_ context.Context, groupID string) ([]string, error) {
	members, ok := d[groupID]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	return members, nil
}
