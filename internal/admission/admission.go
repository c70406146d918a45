package admission

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"waitroom/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound — талон неизвестен либо пациент уже завершил обслуживание.
var ErrNotFound = errors.New("admission: пациент не найден")

// ErrInvalidArgument — некорректный размер партии для AdmitNext.
var ErrInvalidArgument = errors.New("admission: размер партии должен быть положительным")

// defaultMaxAllowed — вместимость по умолчанию, если MAX_ALLOWED не задан.
const defaultMaxAllowed = 3

// MaxAllowed возвращает число мест приёма (вместимость кабинетов)
// из переменной окружения MAX_ALLOWED.
func MaxAllowed() int {
	raw := os.Getenv("MAX_ALLOWED")
	if raw == "" {
		return defaultMaxAllowed
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return defaultMaxAllowed
	}
	return n
}

// NormalizeToken приводит талон к каноническому виду: пробелы по краям
// обрезаются, буквы поднимаются в верхний регистр.
func NormalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

// evictionOrder — порядок вытеснения: дольше всех принятый уходит первым.
// NULLS FIRST на случай рассинхронизации admitted_at, id — детерминированный добивающий ключ.
const evictionOrder = "admitted_at ASC NULLS FIRST, id ASC"

// Promote приглашает пациента по талону. Выполняется внутри переданной
// транзакции: строка пациента блокируется FOR UPDATE, затем под той же
// транзакцией перечитывается счётчик занятых мест и при нехватке вытесняются
// самые давние принятые. Возвращает обновлённую запись и талоны вытесненных
// в порядке вытеснения.
func Promote(tx *gorm.DB, token string) (*models.Patient, []string, error) {
	// Единый порядок для всех пишущих путей: сначала блокировка вместимости,
	// потом строчные. Автоприём держит её с начала транзакции, и встречный
	// порядок (строка, затем вместимость) давал бы взаимную блокировку с ним.
	if err := LockCapacity(tx); err != nil {
		return nil, nil, err
	}

	var patient models.Patient
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("token = ?", NormalizeToken(token)).
		First(&patient).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	return promoteLocked(tx, &patient)
}

// capacityLockKey — ключ pg_advisory_xact_lock, сериализующий проверку
// вместимости. Блокировки строк недостаточно: два параллельных приглашения
// на свободное место никого не вытесняют, а значит не конфликтуют по строкам
// и без общей блокировки оба увидели бы одно и то же свободное место.
const capacityLockKey = 420318

// LockCapacity берёт блокировку вместимости до конца транзакции.
// Повторный вызов в той же транзакции проходит сразу.
func LockCapacity(tx *gorm.DB) error {
	return tx.Exec("SELECT pg_advisory_xact_lock(?)", capacityLockKey).Error
}

// promoteLocked выполняет приглашение для уже заблокированной строки.
// Вызывающий обязан уже держать блокировку вместимости.
func promoteLocked(tx *gorm.DB, patient *models.Patient) (*models.Patient, []string, error) {
	switch patient.Status {
	case models.StatusDone:
		return nil, nil, ErrNotFound
	case models.StatusAllowed:
		// Повторное приглашение — не ошибка: запись и admitted_at не трогаем.
		return patient, nil, nil
	}

	evicted, err := makeRoom(tx)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	patient.Status = models.StatusAllowed
	patient.AdmittedAt = &now
	if err := tx.Save(patient).Error; err != nil {
		return nil, nil, err
	}
	return patient, evicted, nil
}

// makeRoom освобождает места, пока занято не меньше MaxAllowed: по одному
// выбирает под блокировкой самого давнего принятого и завершает его.
// Выход из цикла при пустом наборе — защита от дрейфа счётчика, в норме
// инвариант вместимости не даёт ему сработать.
func makeRoom(tx *gorm.DB) ([]string, error) {
	var evicted []string
	for {
		var allowedCount int64
		if err := tx.Model(&models.Patient{}).
			Where("status = ?", models.StatusAllowed).
			Count(&allowedCount).Error; err != nil {
			return nil, err
		}
		if allowedCount < int64(MaxAllowed()) {
			return evicted, nil
		}

		var victim models.Patient
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("status = ?", models.StatusAllowed).
			Order(evictionOrder).
			First(&victim).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Кандидата успел завершить конкурент: после снятия блокировки
			// строка не проходит перепроверку предиката, и SELECT ... LIMIT 1
			// FOR UPDATE возвращает пусто. Перечитываем счётчик и выбираем заново.
			continue
		}
		if err != nil {
			return nil, err
		}

		now := time.Now()
		victim.Status = models.StatusDone
		victim.FinishedAt = &now
		if err := tx.Save(&victim).Error; err != nil {
			return nil, err
		}
		evicted = append(evicted, victim.Token)
	}
}

// Remove завершает обслуживание пациента из состояния waiting или allowed.
// Возвращает, занимал ли он место приёма (тогда табло нужно обновить).
func Remove(tx *gorm.DB, token string) (bool, error) {
	var patient models.Patient
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("token = ?", NormalizeToken(token)).
		First(&patient).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if patient.Status == models.StatusDone {
		return false, ErrNotFound
	}

	wasAllowed := patient.Status == models.StatusAllowed
	now := time.Now()
	patient.Status = models.StatusDone
	patient.FinishedAt = &now
	if err := tx.Save(&patient).Error; err != nil {
		return false, err
	}
	return wasAllowed, nil
}

// PromoteNext приглашает до n ожидающих пациентов в порядке выдачи талонов,
// в рамках одной транзакции. Исчезнувший по пути талон (ErrNotFound)
// пропускается и партию не срывает; любая другая ошибка откатывает всё.
func PromoteNext(tx *gorm.DB, n int) (int, []string, error) {
	if n <= 0 {
		return 0, nil, ErrInvalidArgument
	}

	// Блокировка вместимости до строчных, в том же порядке, что и Promote.
	if err := LockCapacity(tx); err != nil {
		return 0, nil, err
	}

	var waiting []models.Patient
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("status = ?", models.StatusWaiting).
		Order("id ASC").
		Limit(n).
		Find(&waiting).Error; err != nil {
		return 0, nil, err
	}

	promoted := 0
	var evicted []string
	for i := range waiting {
		_, tokens, err := promoteLocked(tx, &waiting[i])
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, nil, err
		}
		promoted++
		evicted = append(evicted, tokens...)
	}
	return promoted, evicted, nil
}

// AllowedSnapshot возвращает текущее табло: принятых пациентов в порядке
// вытеснения, то есть первый элемент — следующий кандидат на вытеснение.
func AllowedSnapshot(db *gorm.DB) ([]models.Patient, error) {
	var patients []models.Patient
	err := db.Where("status = ?", models.StatusAllowed).
		Order(evictionOrder).
		Limit(MaxAllowed()).
		Find(&patients).Error
	return patients, err
}

// ActiveSnapshot возвращает всех незавершённых пациентов по возрастанию номера.
func ActiveSnapshot(db *gorm.DB) ([]models.Patient, error) {
	var patients []models.Patient
	err := db.Where("status <> ?", models.StatusDone).
		Order("id ASC").
		Find(&patients).Error
	return patients, err
}
