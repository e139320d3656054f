// Package tenant implements ownership filtering of inbound events.
//
// The backend multiplexes several restaurants over shared channels, so every
// inbound event is checked against the session's TenantContext before it can
// reach any handler. Ownership is inferred with an ordered list of extraction
// strategies; when an event of a strict-tenancy type yields no identifier at
// all, it is rejected rather than accepted. That trades recall for isolation:
// a dropped alert is recoverable via missed-notification replay, a
// cross-tenant leak is not.
package tenant

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/forkline/notifier/internal/model"
)

// Filter decides whether an inbound notification belongs to the active tenant.
type Filter struct {
	tc     model.TenantContext
	logger *slog.Logger
}

// NewFilter creates a filter for the given tenant context.
func NewFilter(tc model.TenantContext, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{tc: tc, logger: logger}
}

// Accept reports whether the notification should be dispatched. Rejections
// are routine filtering, logged at debug level only.
func (f *Filter) Accept(n model.Notification) bool {
	owner, ok := ExtractOwner(n)
	if !ok {
		if n.Type.StrictTenancy() {
			f.logger.Debug("rejecting event with undeterminable ownership",
				"id", n.ID,
				"type", n.Type,
			)
			return false
		}
		return true
	}

	if owner != f.tc.RestaurantID {
		f.logger.Debug("rejecting event for other tenant",
			"id", n.ID,
			"type", n.Type,
			"owner", owner,
			"active", f.tc.RestaurantID,
		)
		return false
	}

	return true
}

// ExtractOwner infers the owning restaurant id from a notification, trying
// each strategy in order:
//
//  1. explicit restaurant_id on the envelope or payload body
//  2. restaurant_id nested inside meta
//  3. composite resource id of the form "<restaurantID>-<resourceID>"
//
// Returns false when no strategy yields an identifier.
func ExtractOwner(n model.Notification) (int64, bool) {
	if n.RestaurantID != 0 {
		return n.RestaurantID, true
	}
	if id, ok := n.PayloadRestaurantID(); ok {
		return id, true
	}
	if id, ok := metaRestaurantID(n.Meta); ok {
		return id, true
	}
	if id, ok := compositeResourceOwner(n.Resource.ID); ok {
		return id, true
	}
	return 0, false
}

// metaRestaurantID reads meta.restaurant_id, which arrives as a JSON number
// or, from older backends, a string.
func metaRestaurantID(meta map[string]any) (int64, bool) {
	v, ok := meta["restaurant_id"]
	if !ok {
		return 0, false
	}

	switch id := v.(type) {
	case float64:
		return int64(id), true
	case string:
		parsed, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// compositeResourceOwner parses resource ids of the form
// "<restaurantID>-<resourceID>", e.g. "7-4821".
func compositeResourceOwner(resourceID string) (int64, bool) {
	prefix, rest, found := strings.Cut(resourceID, "-")
	if !found || prefix == "" || rest == "" {
		return 0, false
	}

	id, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}
