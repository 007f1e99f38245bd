// Package teamresolver resolves an envelope's team either directly from its
// team_id field or indirectly from an opaque token through a
// backgroundrefresher-cached lookup table.
package teamresolver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-redis/redis/v8"

	"github.com/posthog/replay-ingester/pkg/backgroundrefresher"
	"github.com/posthog/replay-ingester/pkg/snapshotevent"
)

// ErrUnknownToken is returned when a token cannot be resolved to a team.
var ErrUnknownToken = errors.New("unknown token")

const tokenTableKey = "team_tokens"

// TokenTable maps opaque token -> team_id.
type TokenTable map[string]int64

// Resolver resolves envelopes to a team ID, backed by a Refresher over the
// shared store's token table.
type Resolver struct {
	refresher *backgroundrefresher.Refresher[TokenTable]
}

// New builds a Resolver. The token table is stored as a single Redis hash
// (field=token, value=team_id string) under "<prefix>:team_tokens",
// refreshed every refreshInterval.
func New(client redis.Cmdable, prefix string, refreshInterval time.Duration, logger log.Logger) *Resolver {
	key := prefix + ":" + tokenTableKey

	loader := func(ctx context.Context) (TokenTable, error) {
		raw, err := client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("loading token table: %w", err)
		}

		table := make(TokenTable, len(raw))
		for token, teamIDStr := range raw {
			teamID, err := strconv.ParseInt(teamIDStr, 10, 64)
			if err != nil {
				continue
			}
			table[token] = teamID
		}
		return table, nil
	}

	return &Resolver{
		refresher: backgroundrefresher.New("team-token-table", refreshInterval, loader, logger),
	}
}

// Resolve implements the resolveTeam callback expected by
// snapshotevent.Parse: direct team_id wins; otherwise the token is looked up
// in the refreshed table.
func (r *Resolver) Resolve(ctx context.Context, env *snapshotevent.Envelope) (int64, error) {
	if env.TeamID != nil {
		return *env.TeamID, nil
	}
	if env.Token == nil {
		return 0, ErrUnknownToken
	}

	table, err := r.refresher.Get(ctx)
	if err != nil {
		return 0, err
	}

	teamID, ok := table[*env.Token]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownToken, *env.Token)
	}
	return teamID, nil
}
