// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package signalling

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rapidaai/voxrelay/pkg/commons"
)

const (
	// Hash-tagged so every RTP port key lands in the same Redis Cluster slot.
	rtpAvailableKey    = "{rtp:ports}:available"
	rtpAllocatedPrefix = "{rtp:ports}:allocated:"
	rtpAllocatedTTL    = 10 * time.Minute
)

// RTPPortAllocator distributes RTP port assignment across gateway instances
// via Redis, so two instances sharing a port range never collide. Ports are
// even-numbered per RFC 3550 (RTCP takes the next odd port, unused here
// since spec.md's media plane carries no RTCP, but the even-alignment
// convention is kept for interop with endpoints that assume it).
type RTPPortAllocator struct {
	client     *redis.Client
	logger     commons.Logger
	portStart  int
	portEnd    int
	instanceID string
}

// NewRTPPortAllocator builds a distributed allocator over [portStart, portEnd).
func NewRTPPortAllocator(client *redis.Client, logger commons.Logger, portStart, portEnd int) *RTPPortAllocator {
	hostname, _ := os.Hostname()
	return &RTPPortAllocator{
		client:     client,
		logger:     logger,
		portStart:  portStart,
		portEnd:    portEnd,
		instanceID: fmt.Sprintf("%s:%d", hostname, os.Getpid()),
	}
}

var initPortsScript = redis.NewScript(`
	local key = KEYS[1]
	if redis.call('EXISTS', key) == 0 then
		for i = 1, #ARGV do
			redis.call('SADD', key, ARGV[i])
		end
		return #ARGV
	end
	return 0
`)

// Init seeds the Redis available-ports set with every even port in range.
// Safe to call on every startup — it only populates an empty set, so a
// restart never wipes ports already claimed by a still-running instance.
func (a *RTPPortAllocator) Init(ctx context.Context) error {
	if a.client == nil {
		return fmt.Errorf("signalling: redis client not configured for RTP port allocator")
	}

	start := a.portStart
	if start%2 != 0 {
		start++
	}
	ports := make([]interface{}, 0, (a.portEnd-start)/2)
	for port := start; port < a.portEnd; port += 2 {
		ports = append(ports, port)
	}
	if len(ports) == 0 {
		return fmt.Errorf("signalling: no valid RTP ports in range %d-%d", a.portStart, a.portEnd)
	}

	added, err := initPortsScript.Run(ctx, a.client, []string{rtpAvailableKey}, ports...).Int()
	if err != nil {
		return fmt.Errorf("signalling: failed to seed RTP port pool: %w", err)
	}
	if added > 0 {
		a.logger.Infow("seeded RTP port pool", "ports_added", added, "range_start", a.portStart, "range_end", a.portEnd)
	} else {
		a.logger.Debugw("RTP port pool already seeded")
	}

	a.reclaimCrashedPorts(ctx)
	return nil
}

var allocatePortScript = redis.NewScript(`
	local port = redis.call('SPOP', KEYS[1])
	if port == false then
		return -1
	end
	redis.call('SADD', KEYS[2], port)
	return port
`)

// Allocate pops an even port from the shared pool.
func (a *RTPPortAllocator) Allocate(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if a.client == nil {
		return 0, fmt.Errorf("signalling: redis client not configured for RTP port allocator")
	}

	instanceKey := rtpAllocatedPrefix + a.instanceID
	result, err := allocatePortScript.Run(ctx, a.client, []string{rtpAvailableKey, instanceKey}).Int()
	if err != nil {
		return 0, fmt.Errorf("signalling: failed to allocate RTP port: %w", err)
	}
	if result == -1 {
		inUse, _ := a.InUse(ctx)
		return 0, fmt.Errorf("signalling: no RTP ports available in %d-%d (%d in use)", a.portStart, a.portEnd, inUse)
	}

	a.client.Expire(ctx, instanceKey, rtpAllocatedTTL)
	a.logger.Debugw("allocated RTP port", "port", result)
	return result, nil
}

var releasePortScript = redis.NewScript(`
	redis.call('SREM', KEYS[2], ARGV[1])
	redis.call('SADD', KEYS[1], ARGV[1])
	return 1
`)

// Release returns a port to the shared pool.
func (a *RTPPortAllocator) Release(ctx context.Context, port int) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if a.client == nil {
		return
	}
	instanceKey := rtpAllocatedPrefix + a.instanceID
	if _, err := releasePortScript.Run(ctx, a.client, []string{rtpAvailableKey, instanceKey}, port).Result(); err != nil {
		a.logger.Errorw("failed to release RTP port", "port", port, "error", err)
		return
	}
	a.logger.Debugw("released RTP port", "port", port)
}

// InUse returns the number of ports currently allocated across all instances.
func (a *RTPPortAllocator) InUse(ctx context.Context) (int, error) {
	start := a.portStart
	if start%2 != 0 {
		start++
	}
	total := (a.portEnd - start) / 2

	available, err := a.client.SCard(ctx, rtpAvailableKey).Result()
	if err != nil {
		return 0, fmt.Errorf("signalling: failed to read available port count: %w", err)
	}
	return total - int(available), nil
}

// reclaimCrashedPorts moves ports tracked under this same hostname:pid
// instance key back to the available pool, covering the case where a
// previous process with this identity crashed without releasing them.
func (a *RTPPortAllocator) reclaimCrashedPorts(ctx context.Context) {
	instanceKey := rtpAllocatedPrefix + a.instanceID
	ports, err := a.client.SMembers(ctx, instanceKey).Result()
	if err != nil || len(ports) == 0 {
		return
	}

	a.logger.Warnw("reclaiming ports from a crashed instance", "ports_count", len(ports))
	for _, portStr := range ports {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		if _, err := releasePortScript.Run(ctx, a.client, []string{rtpAvailableKey, instanceKey}, port).Result(); err != nil {
			a.logger.Warnw("failed to reclaim port", "port", port, "error", err)
		}
	}
}

// ReleaseAll returns every port held by this instance, for graceful shutdown.
func (a *RTPPortAllocator) ReleaseAll(ctx context.Context) {
	if a.client == nil {
		return
	}
	instanceKey := rtpAllocatedPrefix + a.instanceID
	ports, err := a.client.SMembers(ctx, instanceKey).Result()
	if err != nil {
		a.logger.Errorw("failed to list allocated ports for shutdown release", "error", err)
		return
	}
	for _, portStr := range ports {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		a.Release(ctx, port)
	}
	a.client.Del(ctx, instanceKey)
	a.logger.Infow("released all RTP ports on shutdown", "ports_released", len(ports))
}
