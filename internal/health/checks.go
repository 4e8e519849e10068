package health

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/treelineapp/treeline/internal/channel"
)

// redisPingTimeout bounds the redis readiness probe.
const redisPingTimeout = 2 * time.Second

// HubCheck reports whether the channel hub still admits members.
func HubCheck(hub *channel.Hub) CheckFunc {
	return func() Check {
		if hub.Closed() {
			return Check{Status: StatusUnhealthy, Message: "channel hub closed"}
		}
		return Check{Status: StatusHealthy}
	}
}

// SchedulerCheck reports on the job scheduler through its registered
// job count.
func SchedulerCheck(names func() []string) CheckFunc {
	return func() Check {
		return Check{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("%d jobs registered", len(names())),
		}
	}
}

// RedisCheck pings the broadcast bridge's redis backend. The bridge is
// an enhancement, not a dependency, so failures degrade rather than
// fail readiness.
func RedisCheck(client redis.UniversalClient) CheckFunc {
	return func() Check {
		ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
		defer cancel()

		if err := client.Ping(ctx).Err(); err != nil {
			return Check{Status: StatusDegraded, Message: err.Error()}
		}
		return Check{Status: StatusHealthy}
	}
}
