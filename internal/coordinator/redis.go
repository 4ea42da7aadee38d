// Package coordinator implementa coordenação distribuída via Redis para o
// limite (ceiling) de sessões por endpoint entre múltiplas instâncias do
// pool.
//
// Fornece:
//   - Acquire/release atômico de slots de sessão usando scripts Lua
//   - Rastreamento de sessões por instância para auditabilidade
//   - Modo fallback quando o Redis está indisponível (limites locais)
//   - Notificações Pub/Sub para wakeup de filas entre instâncias
package coordinator

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cjgratacos/dynamopool/internal/metrics"
	"github.com/cjgratacos/dynamopool/internal/observer"
	"github.com/cjgratacos/dynamopool/internal/pool"
)

//go:embed lua/acquire.lua
var acquireLuaScript string

//go:embed lua/release.lua
var releaseLuaScript string

// ── Padrões de Chaves Redis ──────────────────────────────────────────────
const (
	keyEndpointCount = "proxy:endpoint:%s:count"   // contagem global de sessões por endpoint
	keyEndpointMax   = "proxy:endpoint:%s:max"      // máximo de sessões por endpoint
	keyInstanceConn  = "proxy:instance:%s:conns"    // hash: endpoint_id → contagem local
	keyInstanceHB    = "proxy:instance:%s:heartbeat" // chave de heartbeat com TTL
	keyInstanceList  = "proxy:instances"             // conjunto de IDs de instâncias ativas
	channelRelease   = "proxy:release:%s"            // canal Pub/Sub por endpoint
)

// EndpointLimit is the (endpoint ID, max sessions) pair the coordinator
// registers at startup — the distributed analogue of each endpoint's local
// maxSize.
type EndpointLimit struct {
	EndpointID string
	MaxTotal   int
}

// Config holds the Redis connection parameters and fallback policy.
type Config struct {
	Addr              string
	Password          string
	DB                int
	PoolSize          int
	DialTimeout       time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration

	FallbackEnabled   bool
	LocalLimitDivisor int

	InstanceID string
}

// RedisCoordinator implements pool.Ceiling backed by Redis, enforcing a
// cross-instance session ceiling per endpoint.
type RedisCoordinator struct {
	client     redis.UniversalClient
	cfg        Config
	instanceID string
	observer   *observer.Logger
	sink       metrics.Sink

	acquireSHA string
	releaseSHA string

	fallbackMode atomic.Bool

	fallbackMu     sync.Mutex
	fallbackCounts map[string]int
	limits         map[string]int

	subMu       sync.Mutex
	subscribers map[string]*redis.PubSub

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates and initializes the distributed coordinator for the given
// endpoint limits. If Redis is unreachable and cfg.FallbackEnabled is set,
// New returns a coordinator already running in local fallback mode instead
// of failing outright.
func New(ctx context.Context, cfg Config, limits []EndpointLimit) (*RedisCoordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	limitMap := make(map[string]int, len(limits))
	for _, l := range limits {
		limitMap[l.EndpointID] = l.MaxTotal
	}

	rc := &RedisCoordinator{
		client:         client,
		cfg:            cfg,
		instanceID:     cfg.InstanceID,
		observer:       observer.New("coordinator"),
		sink:           metrics.NewSink(),
		fallbackCounts: make(map[string]int),
		limits:         limitMap,
		subscribers:    make(map[string]*redis.PubSub),
		stopCh:         make(chan struct{}),
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		if cfg.FallbackEnabled {
			rc.observer.Warnf("Redis unavailable (%v), starting in fallback mode", err)
			rc.fallbackMode.Store(true)
			rc.sink.CoordinatorOperation("ping", "error")
			return rc, nil
		}
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	rc.sink.CoordinatorOperation("ping", "ok")
	rc.observer.Infof("Redis connected: %s", cfg.Addr)

	if err := rc.loadScripts(ctx); err != nil {
		return nil, fmt.Errorf("loading lua scripts: %w", err)
	}
	if err := rc.initEndpointLimits(ctx); err != nil {
		return nil, fmt.Errorf("initializing endpoint limits: %w", err)
	}
	if err := rc.registerInstance(ctx); err != nil {
		return nil, fmt.Errorf("registering instance: %w", err)
	}

	rc.observer.Infof("Initialized: instance=%s, %d endpoints registered", rc.instanceID, len(limits))
	return rc, nil
}

func (rc *RedisCoordinator) loadScripts(ctx context.Context) error {
	sha, err := rc.client.ScriptLoad(ctx, acquireLuaScript).Result()
	if err != nil {
		return fmt.Errorf("loading acquire.lua: %w", err)
	}
	rc.acquireSHA = sha

	sha, err = rc.client.ScriptLoad(ctx, releaseLuaScript).Result()
	if err != nil {
		return fmt.Errorf("loading release.lua: %w", err)
	}
	rc.releaseSHA = sha
	return nil
}

func (rc *RedisCoordinator) initEndpointLimits(ctx context.Context) error {
	pipe := rc.client.Pipeline()
	for id, max := range rc.limits {
		pipe.Set(ctx, fmt.Sprintf(keyEndpointMax, id), max, 0)
		pipe.SetNX(ctx, fmt.Sprintf(keyEndpointCount, id), 0, 0)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (rc *RedisCoordinator) registerInstance(ctx context.Context) error {
	pipe := rc.client.Pipeline()
	pipe.SAdd(ctx, keyInstanceList, rc.instanceID)
	instKey := fmt.Sprintf(keyInstanceConn, rc.instanceID)
	for id := range rc.limits {
		pipe.HSetNX(ctx, instKey, id, 0)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// ── pool.Ceiling ─────────────────────────────────────────────────────────

// Acquire increments the distributed session count for endpointID, or
// falls back to a local per-instance limit when Redis is unreachable.
func (rc *RedisCoordinator) Acquire(ctx context.Context, endpointID string) error {
	if rc.fallbackMode.Load() {
		return rc.acquireFallback(endpointID)
	}

	countKey := fmt.Sprintf(keyEndpointCount, endpointID)
	maxKey := fmt.Sprintf(keyEndpointMax, endpointID)
	instKey := fmt.Sprintf(keyInstanceConn, rc.instanceID)

	result, err := rc.client.EvalSha(ctx, rc.acquireSHA,
		[]string{countKey, maxKey, instKey},
		endpointID, rc.instanceID,
	).Int64()

	if err != nil {
		rc.sink.CoordinatorOperation("acquire", "error")
		if rc.cfg.FallbackEnabled {
			rc.observer.Warnf("Redis acquire failed (%v), falling back to local", err)
			rc.enterFallback()
			return rc.acquireFallback(endpointID)
		}
		return fmt.Errorf("redis acquire: %w", err)
	}

	rc.sink.CoordinatorOperation("acquire", "ok")
	switch result {
	case -1:
		return fmt.Errorf("endpoint %s at distributed ceiling", endpointID)
	case -2:
		return fmt.Errorf("endpoint %s max not configured in Redis", endpointID)
	}
	return nil
}

// Release decrements the distributed session count for endpointID and
// publishes a release notification for any instance waiting on it.
func (rc *RedisCoordinator) Release(ctx context.Context, endpointID string) error {
	if rc.fallbackMode.Load() {
		rc.releaseFallback(endpointID)
		return nil
	}

	countKey := fmt.Sprintf(keyEndpointCount, endpointID)
	instKey := fmt.Sprintf(keyInstanceConn, rc.instanceID)
	channel := fmt.Sprintf(channelRelease, endpointID)

	_, err := rc.client.EvalSha(ctx, rc.releaseSHA,
		[]string{countKey, instKey},
		endpointID, channel,
	).Int64()

	if err != nil {
		rc.sink.CoordinatorOperation("release", "error")
		if rc.cfg.FallbackEnabled {
			rc.enterFallback()
			rc.releaseFallback(endpointID)
			return nil
		}
		return fmt.Errorf("redis release: %w", err)
	}

	rc.sink.CoordinatorOperation("release", "ok")
	return nil
}

var _ pool.Ceiling = (*RedisCoordinator)(nil)

// ── Pub/Sub para Notificações Entre Instâncias ─────────────────────────

// Subscribe creates a Pub/Sub subscription for release notifications on
// one endpoint, delivering the endpoint ID on the returned channel every
// time any instance releases a session for it.
func (rc *RedisCoordinator) Subscribe(ctx context.Context, endpointID string) (<-chan string, error) {
	if rc.fallbackMode.Load() {
		ch := make(chan string)
		close(ch)
		return ch, nil
	}

	channel := fmt.Sprintf(channelRelease, endpointID)
	sub := rc.client.Subscribe(ctx, channel)

	rc.subMu.Lock()
	rc.subscribers[endpointID] = sub
	rc.subMu.Unlock()

	notifyCh := make(chan string, 16)

	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		defer close(notifyCh)

		ch := sub.Channel()
		for {
			select {
			case <-rc.stopCh:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case notifyCh <- msg.Payload:
				default:
				}
			}
		}
	}()

	return notifyCh, nil
}

// ── Modo Fallback ───────────────────────────────────────────────────────

func (rc *RedisCoordinator) enterFallback() {
	if rc.fallbackMode.CompareAndSwap(false, true) {
		rc.observer.Warnf("Entering fallback mode (local limits)")
		rc.sink.CoordinatorOperation("fallback_entered", "ok")
	}
}

// ExitFallback tries reconnecting to Redis and leaving fallback mode,
// reconciling locally tracked counts back into Redis on success.
func (rc *RedisCoordinator) ExitFallback(ctx context.Context) error {
	if err := rc.client.Ping(ctx).Err(); err != nil {
		return err
	}
	if err := rc.loadScripts(ctx); err != nil {
		return err
	}
	if err := rc.reconcileCounts(ctx); err != nil {
		rc.observer.Warnf("Reconciliation failed: %v", err)
		return err
	}
	rc.fallbackMode.Store(false)
	rc.observer.Infof("Exited fallback mode, Redis reconnected")
	rc.sink.CoordinatorOperation("fallback_exited", "ok")
	return nil
}

// IsFallback reports whether the coordinator is currently in local
// fallback mode.
func (rc *RedisCoordinator) IsFallback() bool {
	return rc.fallbackMode.Load()
}

func (rc *RedisCoordinator) acquireFallback(endpointID string) error {
	rc.fallbackMu.Lock()
	defer rc.fallbackMu.Unlock()

	localMax := rc.localLimit(endpointID)
	current := rc.fallbackCounts[endpointID]
	if current >= localMax {
		return fmt.Errorf("endpoint %s at local fallback limit (%d/%d)", endpointID, current, localMax)
	}
	rc.fallbackCounts[endpointID] = current + 1
	return nil
}

func (rc *RedisCoordinator) releaseFallback(endpointID string) {
	rc.fallbackMu.Lock()
	defer rc.fallbackMu.Unlock()
	if rc.fallbackCounts[endpointID] > 0 {
		rc.fallbackCounts[endpointID]--
	}
}

func (rc *RedisCoordinator) localLimit(endpointID string) int {
	divisor := rc.cfg.LocalLimitDivisor
	if divisor <= 0 {
		divisor = 3
	}
	max, ok := rc.limits[endpointID]
	if !ok {
		return 1
	}
	limit := max / divisor
	if limit < 1 {
		limit = 1
	}
	return limit
}

func (rc *RedisCoordinator) reconcileCounts(ctx context.Context) error {
	rc.fallbackMu.Lock()
	counts := make(map[string]int, len(rc.fallbackCounts))
	for k, v := range rc.fallbackCounts {
		counts[k] = v
	}
	rc.fallbackMu.Unlock()

	pipe := rc.client.Pipeline()
	instKey := fmt.Sprintf(keyInstanceConn, rc.instanceID)
	for endpointID, count := range counts {
		pipe.HSet(ctx, instKey, endpointID, count)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("reconcile pipeline: %w", err)
	}
	rc.observer.Infof("Reconciled %d endpoint counts to Redis", len(counts))
	return nil
}

// ── Métodos de Consulta ─────────────────────────────────────────────────

// GlobalCount returns the current distributed session count for an
// endpoint.
func (rc *RedisCoordinator) GlobalCount(ctx context.Context, endpointID string) (int, error) {
	if rc.fallbackMode.Load() {
		rc.fallbackMu.Lock()
		defer rc.fallbackMu.Unlock()
		return rc.fallbackCounts[endpointID], nil
	}
	val, err := rc.client.Get(ctx, fmt.Sprintf(keyEndpointCount, endpointID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

// ActiveInstances returns the set of currently registered instance IDs.
func (rc *RedisCoordinator) ActiveInstances(ctx context.Context) ([]string, error) {
	return rc.client.SMembers(ctx, keyInstanceList).Result()
}

// ── Ciclo de Vida ───────────────────────────────────────────────────────

// Close shuts the coordinator down, unregisters the instance, and closes
// the Redis connection.
func (rc *RedisCoordinator) Close(ctx context.Context) error {
	close(rc.stopCh)

	rc.subMu.Lock()
	for _, sub := range rc.subscribers {
		sub.Close()
	}
	rc.subscribers = nil
	rc.subMu.Unlock()

	rc.wg.Wait()

	if !rc.fallbackMode.Load() {
		rc.client.SRem(ctx, keyInstanceList, rc.instanceID)
		rc.client.Del(ctx, fmt.Sprintf(keyInstanceConn, rc.instanceID))
		rc.client.Del(ctx, fmt.Sprintf(keyInstanceHB, rc.instanceID))
	}

	rc.observer.Infof("Instance %s unregistered", rc.instanceID)
	return rc.client.Close()
}

// Client returns the underlying Redis client, e.g. for the health checker's
// Redis probe.
func (rc *RedisCoordinator) Client() redis.UniversalClient {
	return rc.client
}

// InstanceID returns this coordinator's instance ID.
func (rc *RedisCoordinator) InstanceID() string {
	return rc.instanceID
}
