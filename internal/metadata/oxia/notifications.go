package oxia

import (
	"context"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/dray-io/lsmttl/internal/metadata"
)

// notificationStream reads an Oxia subscription until either the
// subscribing context or the one passed to Next ends.
type notificationStream struct {
	sub oxiaclient.Notifications
	ctx context.Context
}

func (s *notificationStream) Next(ctx context.Context) (metadata.Notification, error) {
	select {
	case <-ctx.Done():
		return metadata.Notification{}, ctx.Err()
	case <-s.ctx.Done():
		return metadata.Notification{}, s.ctx.Err()
	case n, ok := <-s.sub.Ch():
		if !ok {
			return metadata.Notification{}, metadata.ErrStoreClosed
		}
		return convertNotification(n), nil
	}
}

func (s *notificationStream) Close() error { return s.sub.Close() }

func convertNotification(n *oxiaclient.Notification) metadata.Notification {
	switch n.Type {
	case oxiaclient.KeyDeleted:
		return metadata.Notification{Key: n.Key, Deleted: true}
	case oxiaclient.KeyRangeRangeDeleted:
		return metadata.Notification{Key: n.Key, Deleted: true, RangeEnd: n.KeyRangeEnd}
	default:
		return metadata.Notification{Key: n.Key, Version: fromOxia(n.VersionId)}
	}
}
