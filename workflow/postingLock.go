package workflow

import (
	"fmt"

	"github.com/mmdatafocus/wms_backend/models"
	"gorm.io/gorm"
)

// ShipLock is the keyed-mutex contract that serializes commit attempts per
// business reference. The default implementation is a MySQL advisory lock;
// an external lock service can satisfy the same contract.
type ShipLock interface {
	Acquire(tx *gorm.DB, key string) error
	Release(tx *gorm.DB, key string)
}

// ShipLockKey builds the advisory-lock key. Scope is part of the key so drill
// commits never contend with production commits for the same reference.
func ShipLockKey(scope models.Scope, platform, shopId, reference string) string {
	return fmt.Sprintf("ship:%s:%s:%s:%s", scope, platform, shopId, reference)
}

// MySQLShipLock serializes commits per reference across instances using MySQL
// advisory locks.
// NOTE: GET_LOCK is connection-scoped, so Acquire and Release must run on the
// pinned connection that carries the posting transaction, and Release must
// happen after that transaction commits.
type MySQLShipLock struct{}

func (MySQLShipLock) Acquire(tx *gorm.DB, key string) error {
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", key).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire ship lock for key=%s", key)
	}
	return nil
}

func (MySQLShipLock) Release(tx *gorm.DB, key string) {
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", key).Scan(&_ok).Error
}
