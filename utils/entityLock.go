package utils

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/purchases_backend/config"
	"github.com/sirupsen/logrus"
)

var ErrEntityBusy = errors.New("entity is locked by another request")

const entityLockTTL = 30 * time.Second

// Lock keys. Every reconciliation locks the entities it will write.
func ProductLockKey(itemId string) string { return "product:" + itemId }
func SellerLockKey(sellerId string) string { return "seller:" + sellerId }
func PurchaseLockKey(purchaseId string) string { return "purchase:" + purchaseId }
func AccountLockKey(accountId string) string { return "account:" + accountId }
func SequenceLockKey(prefix string) string { return "sequence:" + prefix }
func TransportLockKey(name string, transportType string) string {
	return fmt.Sprintf("transport:%s|%s", name, transportType)
}
func TransportIdLockKey(id int) string { return fmt.Sprintf("transport-id:%d", id) }

// LockEntities obtains redis locks on the given keys in sorted order and returns a release func.
// Redis is best-effort: when the client is not ready the call logs a warning and proceeds,
// leaving serialization to the database row locks.
// Waits for a held lock until ctx is done or the retry budget runs out, then returns ErrEntityBusy.
func LockEntities(ctx context.Context, moduleName string, keys ...string) (func(), error) {
	logger := config.GetLogger()
	keys = UniqueSlice(keys)
	sort.Strings(keys)

	locker := config.GetRedisLock()
	if locker == nil {
		logger.WithFields(logrus.Fields{
			"field": moduleName,
			"keys":  keys,
		}).Warn("redis lock not ready; proceeding without redis lock")
		return func() {}, nil
	}

	locks := make([]*redislock.Lock, 0, len(keys))
	release := func() {
		// new context: the request context may already be cancelled
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for i := len(locks) - 1; i >= 0; i-- {
			if err := locks[i].Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				logger.WithFields(logrus.Fields{
					"field": moduleName,
					"key":   locks[i].Key(),
				}).Warn("failed to release redis lock: " + err.Error())
			}
		}
	}

	opts := &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.ExponentialBackoff(16*time.Millisecond, 512*time.Millisecond), 40),
	}
	for _, key := range keys {
		lock, err := locker.Obtain(ctx, "lock:"+key, entityLockTTL, opts)
		if errors.Is(err, redislock.ErrNotObtained) {
			release()
			return func() {}, fmt.Errorf("%w: %s", ErrEntityBusy, key)
		} else if err != nil {
			// Redis is reachable but failing: same policy as not ready.
			logger.WithFields(logrus.Fields{
				"field": moduleName,
				"key":   key,
			}).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
			continue
		}
		locks = append(locks, lock)
	}
	return release, nil
}
