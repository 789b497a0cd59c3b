package realtime

import (
	"context"
	"fmt"

	"github.com/ramory-l/sockethub/internal/auth"
	"github.com/ramory-l/sockethub/internal/store"
)

// RoomKind is a family of rooms sharing a key prefix and an access rule.
type RoomKind struct {
	name        string
	join        roomEvent
	leave       roomEvent
	requireUser bool
	authorize   func(ctx context.Context, id auth.Identity, key string) (bool, error)
}

// Name returns the kind name, which is also the room prefix.
func (k RoomKind) Name() string {
	return k.name
}

// Room returns the room name for key.
func (k RoomKind) Room(key string) string {
	return k.name + ":" + key
}

func newRoomKind(name string, requireUser bool, authorize func(context.Context, auth.Identity, string) (bool, error)) RoomKind {
	return RoomKind{
		name:        name,
		join:        roomEvent{"join:" + name},
		leave:       roomEvent{"leave:" + name},
		requireUser: requireUser,
		authorize:   authorize,
	}
}

// ChatRooms admits participants, the creator, and anyone when the chat is
// open by invite link.
func ChatRooms(chats store.ChatAccess) RoomKind {
	return newRoomKind("chat", true, func(ctx context.Context, id auth.Identity, chatID string) (bool, error) {
		ok, err := chats.IsParticipant(ctx, chatID, id.UserID)
		if err != nil || ok {
			return ok, wrapAccess("participant", err)
		}
		ok, err = chats.IsCreator(ctx, chatID, id.UserID)
		if err != nil || ok {
			return ok, wrapAccess("creator", err)
		}
		ok, err = chats.IsInviteOpen(ctx, chatID)
		return ok, wrapAccess("invite", err)
	})
}

// UserRooms admits a user to their own room only.
func UserRooms() RoomKind {
	return newRoomKind("user", true, func(_ context.Context, id auth.Identity, userID string) (bool, error) {
		return id.UserID != "" && id.UserID == userID, nil
	})
}

func wrapAccess(check string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("check %s access: %w", check, err)
}
