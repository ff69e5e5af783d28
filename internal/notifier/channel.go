package notifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/wardpager/wardpager/internal/types"
)

// ErrRecipientUnreachable marks a failure scoped to one recipient, such as a
// device that is not connected. Channels wrap it so the dispatcher does not
// count it against the channel's circuit breaker.
var ErrRecipientUnreachable = errors.New("recipient unreachable")

// Channel delivers a rendered payload to one recipient.
type Channel interface {
	Name() string
	Send(ctx context.Context, recipientID string, payload types.Payload) error
}

// Render formats an alert for delivery at the given tier.
func Render(alert types.Alert, tier int, broadcast bool) types.Payload {
	var prefix string
	switch alert.Urgency {
	case types.Critical:
		prefix = "🔴 CRITICAL"
	case types.Urgent:
		prefix = "🟠 URGENT"
	default:
		prefix = "🔵 NORMAL"
	}

	var title string
	switch {
	case broadcast:
		title = fmt.Sprintf("%s: unacknowledged alert, all staff", prefix)
	case tier == 0:
		title = fmt.Sprintf("%s alert", prefix)
	default:
		title = fmt.Sprintf("%s alert escalated (tier %d)", prefix, tier)
	}

	keys := make([]string, 0, len(alert.Context))
	for k := range alert.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, alert.Context[k])
	}
	fmt.Fprintf(&b, "Raised: %s\nAlert: %s", alert.CreatedAt.Format("15:04:05"), alert.ID)

	ctx := make(map[string]string, len(alert.Context))
	for k, v := range alert.Context {
		ctx[k] = v
	}

	return types.Payload{
		AlertID:   alert.ID,
		Urgency:   alert.Urgency,
		Tier:      tier,
		Broadcast: broadcast,
		Title:     title,
		Body:      b.String(),
		Context:   ctx,
	}
}
