// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/absmach/eventhubs/checkpoint"
)

// Strategy selects how fast a processor claims partitions.
type Strategy uint8

const (
	// StrategyBalanced claims at most one partition per cycle, so a
	// consumer group converges gradually.
	StrategyBalanced Strategy = iota
	// StrategyGreedy claims every partition it is entitled to in one cycle.
	StrategyGreedy
)

func (s Strategy) String() string {
	switch s {
	case StrategyGreedy:
		return "greedy"
	default:
		return "balanced"
	}
}

// ParseStrategy maps "balanced" and "greedy" to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", "balanced":
		return StrategyBalanced, nil
	case "greedy":
		return StrategyGreedy, nil
	default:
		return 0, fmt.Errorf("unknown load balancing strategy %q", s)
	}
}

// ConsumerDetails identifies a processor within a consumer group.
type ConsumerDetails struct {
	FullyQualifiedNamespace string
	EventHub                string
	ConsumerGroup           string
	ClientID                string
}

// LoadBalancer decides which partitions a processor should own.
type LoadBalancer struct {
	store      checkpoint.Store
	details    ConsumerDetails
	strategy   Strategy
	expiration time.Duration
	logger     *slog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewLoadBalancer creates a load balancer. Ownerships not renewed within
// expiration are considered abandoned. A nil rnd selects a randomly seeded
// source.
func NewLoadBalancer(store checkpoint.Store, details ConsumerDetails, strategy Strategy, expiration time.Duration, rnd *rand.Rand, logger *slog.Logger) *LoadBalancer {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LoadBalancer{
		store:      store,
		details:    details,
		strategy:   strategy,
		expiration: expiration,
		rnd:        rnd,
		logger:     logger.With(slog.String("client_id", details.ClientID)),
	}
}

type balanceInfo struct {
	current          []checkpoint.Ownership
	unownedOrExpired []checkpoint.Ownership
	aboveMax         []checkpoint.Ownership
	maxAllowed       int
	claimMore        bool
}

// LoadBalance renews the partitions this processor owns, claims more when it
// holds fewer than its share, and returns the ownerships the store accepted.
func (lb *LoadBalancer) LoadBalance(ctx context.Context, partitionIDs []string) ([]checkpoint.Ownership, error) {
	info, err := lb.availablePartitions(ctx, partitionIDs)
	if err != nil {
		return nil, err
	}

	ownerships := info.current
	if info.claimMore {
		switch lb.strategy {
		case StrategyGreedy:
			ownerships = lb.greedy(info)
		default:
			if o, ok := lb.balanced(info); ok {
				lb.logger.Debug("claiming partition", slog.String("partition_id", o.PartitionID))
				ownerships = append(ownerships, o)
			}
		}
	}

	if len(ownerships) == 0 {
		return nil, nil
	}
	return lb.store.ClaimOwnership(ctx, ownerships)
}

func (lb *LoadBalancer) availablePartitions(ctx context.Context, partitionIDs []string) (balanceInfo, error) {
	ownerships, err := lb.store.ListOwnerships(ctx, lb.details.FullyQualifiedNamespace, lb.details.EventHub, lb.details.ConsumerGroup)
	if err != nil {
		return balanceInfo{}, fmt.Errorf("failed to list ownerships: %w", err)
	}

	var unownedOrExpired []checkpoint.Ownership
	seen := make(map[string]struct{}, len(ownerships))
	byOwner := map[string][]checkpoint.Ownership{lb.details.ClientID: nil}
	now := time.Now()

	for _, o := range ownerships {
		seen[o.PartitionID] = struct{}{}

		if !o.LastModifiedTime.IsZero() && o.LastModifiedTime.Add(lb.expiration).Before(now) {
			unownedOrExpired = append(unownedOrExpired, o)
			continue
		}
		if o.OwnerID == "" {
			unownedOrExpired = append(unownedOrExpired, o)
			continue
		}
		byOwner[o.OwnerID] = append(byOwner[o.OwnerID], o)
	}
	expired := len(unownedOrExpired)

	for _, id := range partitionIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		unownedOrExpired = append(unownedOrExpired, checkpoint.Ownership{
			FullyQualifiedNamespace: lb.details.FullyQualifiedNamespace,
			EventHub:                lb.details.EventHub,
			ConsumerGroup:           lb.details.ConsumerGroup,
			PartitionID:             id,
			OwnerID:                 lb.details.ClientID,
		})
	}

	owners := len(byOwner)
	minRequired := len(partitionIDs) / owners
	maxAllowed := minRequired
	allowExtra := len(partitionIDs)%owners > 0
	current := byOwner[lb.details.ClientID]
	if allowExtra && len(current) >= minRequired {
		maxAllowed++
	}

	var aboveMax []checkpoint.Ownership
	for id, owned := range byOwner {
		if id == lb.details.ClientID {
			continue
		}
		if len(owned) > maxAllowed {
			aboveMax = append(aboveMax, owned...)
		}
	}
	sort.Slice(aboveMax, func(i, j int) bool { return aboveMax[i].PartitionID < aboveMax[j].PartitionID })

	claimMore := true
	switch {
	case len(current) >= maxAllowed:
		claimMore = false
	case allowExtra && len(current) == maxAllowed-1:
		claimMore = len(unownedOrExpired) > 0 || len(aboveMax) > 0
	}

	lb.logger.Debug("load balancer state",
		slog.Bool("claim_more", claimMore),
		slog.Int("owners", owners),
		slog.Int("current", len(current)),
		slog.Int("unowned", len(unownedOrExpired)-expired),
		slog.Int("expired", expired),
		slog.Int("above_max", len(aboveMax)))

	return balanceInfo{
		current:          current,
		unownedOrExpired: unownedOrExpired,
		aboveMax:         aboveMax,
		maxAllowed:       maxAllowed,
		claimMore:        claimMore,
	}, nil
}

// balanced picks one unowned or expired partition, or failing that steals
// one from an owner above the maximum.
func (lb *LoadBalancer) balanced(info balanceInfo) (checkpoint.Ownership, bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	for _, candidates := range [][]checkpoint.Ownership{info.unownedOrExpired, info.aboveMax} {
		if len(candidates) == 0 {
			continue
		}
		o := candidates[lb.rnd.IntN(len(candidates))]
		o.OwnerID = lb.details.ClientID
		return o, true
	}
	return checkpoint.Ownership{}, false
}

// greedy fills up to the maximum from unowned or expired partitions first
// and steals the remainder.
func (lb *LoadBalancer) greedy(info balanceInfo) []checkpoint.Ownership {
	ours := append([]checkpoint.Ownership(nil), info.current...)
	ours = append(ours, lb.random(info.unownedOrExpired, info.maxAllowed-len(ours))...)
	if len(ours) < info.maxAllowed {
		ours = append(ours, lb.random(info.aboveMax, info.maxAllowed-len(ours))...)
	}

	for i := range ours {
		ours[i].OwnerID = lb.details.ClientID
	}
	return ours
}

func (lb *LoadBalancer) random(ownerships []checkpoint.Ownership, count int) []checkpoint.Ownership {
	limit := min(count, len(ownerships))
	if limit <= 0 {
		return nil
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	out := append([]checkpoint.Ownership(nil), ownerships...)
	lb.rnd.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out[:limit]
}
