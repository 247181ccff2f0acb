package collab

import (
	"context"
	"sync"

	"github.com/coderoomhq/coderoom/pkg/protocol"
)

// OpenAuthorizer admits every authenticated identity to every room.
type OpenAuthorizer struct{}

var _ Authorizer = OpenAuthorizer{}

func (OpenAuthorizer) CanJoin(ctx context.Context, identity protocol.Identity, roomToken string) (bool, error) {
	return true, nil
}

// ClaimAuthorizer answers join checks from room grants extracted out of each
// user's token at authentication time. Grants are replaced wholesale on
// every successful authentication, so a reissued token with fewer rooms
// takes effect on the next connection.
type ClaimAuthorizer struct {
	mu     sync.RWMutex
	grants map[string]map[string]struct{} // userID -> set of room tokens
}

func NewClaimAuthorizer() *ClaimAuthorizer {
	return &ClaimAuthorizer{grants: make(map[string]map[string]struct{})}
}

var _ Authorizer = (*ClaimAuthorizer)(nil)

// Grant records the rooms a user's token names.
func (a *ClaimAuthorizer) Grant(userID string, roomTokens []string) {
	set := make(map[string]struct{}, len(roomTokens))
	for _, t := range roomTokens {
		set[t] = struct{}{}
	}
	a.mu.Lock()
	a.grants[userID] = set
	a.mu.Unlock()
}

func (a *ClaimAuthorizer) CanJoin(ctx context.Context, identity protocol.Identity, roomToken string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	set, ok := a.grants[identity.UserID]
	if !ok {
		return false, nil
	}
	_, ok = set[roomToken]
	return ok, nil
}
