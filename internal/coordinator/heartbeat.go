package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Heartbeat atualiza periodicamente a presença desta instância no Redis
// e detecta/limpa instâncias mortas cujas sessões não foram liberadas.
type Heartbeat struct {
	coordinator *RedisCoordinator
	interval    time.Duration
	ttl         time.Duration
	stopCh      chan struct{}
}

// NewHeartbeat cria um worker de heartbeat para o coordinator fornecido.
func NewHeartbeat(rc *RedisCoordinator) *Heartbeat {
	interval := rc.cfg.HeartbeatInterval
	if interval == 0 {
		interval = 10 * time.Second
	}
	ttl := rc.cfg.HeartbeatTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}

	return &Heartbeat{
		coordinator: rc,
		interval:    interval,
		ttl:         ttl,
		stopCh:      make(chan struct{}),
	}
}

// Start inicia o loop de heartbeat em uma goroutine em background.
func (hb *Heartbeat) Start(ctx context.Context) {
	hb.coordinator.wg.Add(1)
	go hb.loop(ctx)
	hb.coordinator.observer.Infof("heartbeat started: interval=%s, ttl=%s, instance=%s",
		hb.interval, hb.ttl, hb.coordinator.instanceID)
}

// Stop sinaliza para o loop de heartbeat parar.
func (hb *Heartbeat) Stop() {
	close(hb.stopCh)
}

func (hb *Heartbeat) loop(ctx context.Context) {
	defer hb.coordinator.wg.Done()

	hb.sendHeartbeat(ctx)

	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	cleanupCounter := 0

	for {
		select {
		case <-hb.stopCh:
			return
		case <-hb.coordinator.stopCh:
			return
		case <-ticker.C:
			if hb.coordinator.IsFallback() {
				if err := hb.coordinator.ExitFallback(ctx); err != nil {
					continue
				}
			}

			hb.sendHeartbeat(ctx)

			cleanupCounter++
			if cleanupCounter%3 == 0 {
				hb.cleanupDeadInstances(ctx)
			}
		}
	}
}

// sendHeartbeat atualiza a chave de heartbeat desta instância com um TTL.
func (hb *Heartbeat) sendHeartbeat(ctx context.Context) {
	if hb.coordinator.IsFallback() {
		return
	}

	hbKey := fmt.Sprintf(keyInstanceHB, hb.coordinator.instanceID)
	err := hb.coordinator.client.Set(ctx, hbKey, time.Now().Unix(), hb.ttl).Err()
	if err != nil {
		hb.coordinator.observer.Warnf("failed to send heartbeat: %v", err)
		hb.coordinator.sink.CoordinatorOperation("heartbeat", "error")
		return
	}

	hb.coordinator.sink.CoordinatorOperation("heartbeat", "ok")
}

// cleanupDeadInstances verifica instâncias cujo heartbeat expirou
// e reconcilia suas contagens de sessões órfãs.
func (hb *Heartbeat) cleanupDeadInstances(ctx context.Context) {
	if hb.coordinator.IsFallback() {
		return
	}

	instances, err := hb.coordinator.client.SMembers(ctx, keyInstanceList).Result()
	if err != nil {
		hb.coordinator.observer.Warnf("failed to list instances: %v", err)
		return
	}

	for _, instID := range instances {
		if instID == hb.coordinator.instanceID {
			continue
		}

		hbKey := fmt.Sprintf(keyInstanceHB, instID)
		exists, err := hb.coordinator.client.Exists(ctx, hbKey).Result()
		if err != nil {
			continue
		}
		if exists > 0 {
			continue
		}

		hb.coordinator.observer.Warnf("instance %s appears dead (no heartbeat), cleaning up", instID)
		hb.cleanupInstance(ctx, instID)
	}
}

// cleanupInstance remove as contagens de sessões de uma instância dos totais globais.
func (hb *Heartbeat) cleanupInstance(ctx context.Context, deadInstanceID string) {
	instKey := fmt.Sprintf(keyInstanceConn, deadInstanceID)

	counts, err := hb.coordinator.client.HGetAll(ctx, instKey).Result()
	if err != nil {
		hb.coordinator.observer.Warnf("failed to read counts for dead instance %s: %v", deadInstanceID, err)
		return
	}

	pipe := hb.coordinator.client.Pipeline()
	totalRecovered := 0

	for endpointID, countStr := range counts {
		count, err := strconv.Atoi(countStr)
		if err != nil || count <= 0 {
			continue
		}

		countKey := fmt.Sprintf(keyEndpointCount, endpointID)
		pipe.DecrBy(ctx, countKey, int64(count))
		totalRecovered += count
	}

	pipe.Del(ctx, instKey)
	pipe.SRem(ctx, keyInstanceList, deadInstanceID)

	_, err = pipe.Exec(ctx)
	if err != nil {
		hb.coordinator.observer.Warnf("failed to cleanup dead instance %s: %v", deadInstanceID, err)
		return
	}

	if totalRecovered > 0 {
		hb.coordinator.observer.Infof("cleaned up dead instance %s: recovered %d session slots",
			deadInstanceID, totalRecovered)
		hb.coordinator.sink.CoordinatorOperation("dead_instance_cleanup", "ok")
	}

	for endpointID := range counts {
		countKey := fmt.Sprintf(keyEndpointCount, endpointID)
		val, err := hb.coordinator.client.Get(ctx, countKey).Int64()
		if err == nil && val < 0 {
			hb.coordinator.client.Set(ctx, countKey, 0, 0)
			hb.coordinator.observer.Warnf("corrected negative count for endpoint %s", endpointID)
		}
	}
}
