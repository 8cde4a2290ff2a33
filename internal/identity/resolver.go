package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/support-bridge/internal/persistence"
	"github.com/spec-kit/support-bridge/internal/repository"
	"github.com/spec-kit/support-bridge/pkg/util"
)

const usernameCacheTTL = 10 * time.Minute

// AuthContext is the authorized-operator set at a point in time. It is
// recomputed after every handler mutation and passed into event handling
// rather than read from ambient state.
type AuthContext struct {
	admins    map[int64]struct{}
	operators map[int64]struct{}
}

// IsOperator reports whether the user may act in the staff group.
func (a *AuthContext) IsOperator(userID int64) bool {
	if a == nil {
		return false
	}
	if _, ok := a.admins[userID]; ok {
		return true
	}
	_, ok := a.operators[userID]
	return ok
}

// IsAdmin reports whether the user may mutate the handler registry.
func (a *AuthContext) IsAdmin(userID int64) bool {
	if a == nil {
		return false
	}
	_, ok := a.admins[userID]
	return ok
}

// Resolver classifies acting identities and resolves ticket-routing targets.
type Resolver struct {
	adminIDs []int64
	handlers repository.HandlerRepository
	users    repository.UserRepository
	tickets  repository.TicketRepository
	cache    *persistence.Redis
	logger   *zap.Logger
	now      func() time.Time
}

// NewResolver constructs the resolver. cache may be nil.
func NewResolver(adminIDs []int64, handlers repository.HandlerRepository, users repository.UserRepository, tickets repository.TicketRepository, cache *persistence.Redis, logger *zap.Logger) *Resolver {
	return &Resolver{
		adminIDs: adminIDs,
		handlers: handlers,
		users:    users,
		tickets:  tickets,
		cache:    cache,
		logger:   logger,
		now:      time.Now,
	}
}

// Snapshot loads the current operator set: static admins united with the
// active handler registry.
func (r *Resolver) Snapshot(ctx context.Context) (*AuthContext, error) {
	handlers, err := r.handlers.List(ctx)
	if err != nil {
		return nil, util.NewInfrastructure(err)
	}

	auth := &AuthContext{
		admins:    make(map[int64]struct{}, len(r.adminIDs)),
		operators: make(map[int64]struct{}, len(handlers)),
	}
	for _, id := range r.adminIDs {
		auth.admins[id] = struct{}{}
	}
	for _, handler := range handlers {
		auth.operators[handler.UserID] = struct{}{}
	}
	return auth, nil
}

// ResolveTicketID returns the id of the user's active ticket, or derives a
// fresh id when none exists. The derived id is only a candidate until a
// ticket row is actually created with it.
func (r *Resolver) ResolveTicketID(ctx context.Context, userID int64) (id string, existing bool, err error) {
	ticket, err := r.tickets.GetActiveByUser(ctx, userID)
	if err == nil {
		return ticket.ID, true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return r.NewTicketID(userID), false, nil
	}
	return "", false, util.NewInfrastructure(err)
}

// NewTicketID derives a collision-resistant 16-hex-char ticket id from the
// user id and the current wall clock.
func (r *Resolver) NewTicketID(userID int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d-%d", userID, r.now().UnixNano())))
	return hex.EncodeToString(sum[:])[:16]
}

// ResolveUserIDByUsername maps a username back to its user id, consulting the
// cache first. A missing username is a reportable, non-fatal condition.
func (r *Resolver) ResolveUserIDByUsername(ctx context.Context, username string) (int64, error) {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return 0, util.NewNotFound("user", nil)
	}

	cacheKey := "username_id:" + username
	if r.cache != nil && r.cache.Client != nil {
		if raw, err := r.cache.Client.Get(ctx, cacheKey).Result(); err == nil {
			if id, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
				return id, nil
			}
		}
	}

	id, err := r.users.GetIDByUsername(ctx, username)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, util.NewNotFound("user", map[string]any{"username": username})
	}
	if err != nil {
		return 0, util.NewInfrastructure(err)
	}

	if r.cache != nil && r.cache.Client != nil {
		if err := r.cache.Client.Set(ctx, cacheKey, strconv.FormatInt(id, 10), usernameCacheTTL).Err(); err != nil {
			r.logger.Debug("username cache write failed", zap.Error(err))
		}
	}
	return id, nil
}
