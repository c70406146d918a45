package identity

import (
	"database/sql"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// SequenceName — последовательность Postgres, из которой выдаются номера талонов.
// Она существует отдельно от строк пациентов, поэтому номера никогда не переиспользуются.
const SequenceName = "patient_number_seq"

// bootstrapLockKey — фиксированный ключ pg_advisory_xact_lock для первичной
// инициализации последовательности. Блокировка транзакционная: держится до
// коммита, поэтому из конкурирующих первых вызовов ровно один создаёт
// последовательность, остальные после его коммита видят её готовой.
const bootstrapLockKey = 420317

// ErrSequenceUnavailable — последовательность не удалось ни найти, ни создать.
// Это дефект конфигурации базы, повторять запрос бессмысленно.
var ErrSequenceUnavailable = errors.New("identity: последовательность номеров недоступна")

// NextPatientID выдаёт следующий номер талона внутри переданной транзакции.
// Номера строго возрастают и уникальны при любом числе конкурентных вызовов.
func NextPatientID(tx *gorm.DB) (uint, error) {
	exists, err := sequenceExists(tx)
	if err != nil {
		return 0, err
	}

	if !exists {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", bootstrapLockKey).Error; err != nil {
			return 0, err
		}
		// Перепроверяем под блокировкой: конкурент мог успеть создать.
		exists, err = sequenceExists(tx)
		if err != nil {
			return 0, err
		}
		if !exists {
			if err := bootstrapSequence(tx); err != nil {
				return 0, err
			}
		}
	}

	var id sql.NullInt64
	if err := tx.Raw(fmt.Sprintf("SELECT nextval('%s')", SequenceName)).Scan(&id).Error; err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSequenceUnavailable, err)
	}
	if !id.Valid || id.Int64 <= 0 {
		return 0, ErrSequenceUnavailable
	}
	return uint(id.Int64), nil
}

func sequenceExists(tx *gorm.DB) (bool, error) {
	var exists bool
	err := tx.Raw(
		"SELECT EXISTS (SELECT 1 FROM pg_class WHERE relname = ? AND relkind = 'S')",
		SequenceName,
	).Scan(&exists).Error
	return exists, err
}

// bootstrapSequence создаёт последовательность, начиная с max(id)+1,
// чтобы корректно стартовать и на пустой, и на восстановленной из бэкапа базе.
func bootstrapSequence(tx *gorm.DB) error {
	var maxID sql.NullInt64
	if err := tx.Raw("SELECT MAX(id) FROM patients").Scan(&maxID).Error; err != nil {
		return err
	}
	start := int64(1)
	if maxID.Valid {
		start = maxID.Int64 + 1
	}
	if err := tx.Exec(fmt.Sprintf("CREATE SEQUENCE %s START WITH %d", SequenceName, start)).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrSequenceUnavailable, err)
	}
	return nil
}
