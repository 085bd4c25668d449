package tokencache

import (
	"context"
	"sync"
	"time"

	"github.com/BearBump/ShipRadar/internal/models"
	"github.com/pkg/errors"
)

// Token — запись кэша OAuth-токенов. Никогда не мутируется на месте:
// при обновлении заменяется целиком.
type Token struct {
	Carrier     models.Carrier
	AccessToken string
	ExpiresAt   time.Time
}

// RefreshFunc выполняет реальную авторизацию у перевозчика и возвращает
// токен вместе с его временем жизни.
type RefreshFunc func(ctx context.Context) (accessToken string, expiresIn time.Duration, err error)

// Cache — общий TTL-кэш токенов, ключ — перевозчик (credentials у нас
// одни на систему). Создаётся один раз в app.go и передаётся адаптерам.
type Cache struct {
	// safetyMargin вычитается из expires_in, чтобы не поймать 401
	// на токене, истекающем прямо во время запроса.
	safetyMargin time.Duration

	mu     sync.Mutex
	tokens map[models.Carrier]*Token
	// per-carrier мьютекс: одновременный протухший токен у N воркеров
	// не должен превращаться в N параллельных авторизаций.
	locks map[models.Carrier]*sync.Mutex
}

func New() *Cache {
	return &Cache{
		safetyMargin: 60 * time.Second,
		tokens:       make(map[models.Carrier]*Token),
		locks:        make(map[models.Carrier]*sync.Mutex),
	}
}

func (c *Cache) carrierLock(carrier models.Carrier) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[carrier]
	if !ok {
		l = &sync.Mutex{}
		c.locks[carrier] = l
	}
	return l
}

func (c *Cache) fresh(carrier models.Carrier, now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tokens[carrier]
	if !ok || !now.Before(t.ExpiresAt) {
		return "", false
	}
	return t.AccessToken, true
}

// Get возвращает живой токен из кэша либо синхронно обновляет его через
// refresh. Семантика "read-if-fresh, else refresh-and-write" атомарна
// по ключу перевозчика.
func (c *Cache) Get(ctx context.Context, carrier models.Carrier, refresh RefreshFunc) (string, error) {
	now := time.Now().UTC()
	if tok, ok := c.fresh(carrier, now); ok {
		return tok, nil
	}

	l := c.carrierLock(carrier)
	l.Lock()
	defer l.Unlock()

	// Пока ждали лок, токен мог обновить другой вызов.
	if tok, ok := c.fresh(carrier, time.Now().UTC()); ok {
		return tok, nil
	}

	access, expiresIn, err := refresh(ctx)
	if err != nil {
		return "", errors.Wrap(err, "refresh carrier token")
	}
	ttl := expiresIn - c.safetyMargin
	if ttl <= 0 {
		ttl = expiresIn
	}

	c.mu.Lock()
	c.tokens[carrier] = &Token{
		Carrier:     carrier,
		AccessToken: access,
		ExpiresAt:   time.Now().UTC().Add(ttl),
	}
	c.mu.Unlock()

	return access, nil
}

// Flush сбрасывает все токены (teardown либо смена credentials).
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = make(map[models.Carrier]*Token)
}
