package admission

import (
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"waitroom/internal/identity"
	"waitroom/internal/models"
	"waitroom/internal/storage"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func setupAdmissionTest(t *testing.T) {
	key := os.Getenv("ENV_CHEK")
	if key == "" {
		fmt.Println("Подключение к .env")
		err := godotenv.Load("../../.env")
		if err != nil {
			log.Fatal("Ошибка получения .env")
		}
	}

	storage.ConnectTestingDatabase()

	if err := storage.DB.AutoMigrate(&models.Patient{}); err != nil {
		log.Fatal("Ошибка при миграции... ", err.Error())
	}

	storage.DB.Exec("TRUNCATE TABLE patients RESTART IDENTITY CASCADE;")
	storage.DB.Exec(fmt.Sprintf("DROP SEQUENCE IF EXISTS %s;", identity.SequenceName))
}

// checkIn регистрирует пациента штатным путём: номер из аллокатора, статус waiting.
func checkIn(t *testing.T, name string) models.Patient {
	var patient models.Patient
	err := storage.DB.Transaction(func(tx *gorm.DB) error {
		id, err := identity.NextPatientID(tx)
		if err != nil {
			return err
		}
		patient = models.Patient{
			ID:     id,
			Token:  fmt.Sprintf("%s%d", models.TokenPrefix, id),
			Status: models.StatusWaiting,
			Name:   name,
		}
		return tx.Create(&patient).Error
	})
	assert.NoError(t, err, "Ошибка регистрации пациента %s", name)
	return patient
}

func promote(t *testing.T, token string) (*models.Patient, []string, error) {
	var (
		patient *models.Patient
		evicted []string
	)
	err := storage.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		patient, evicted, err = Promote(tx, token)
		return err
	})
	return patient, evicted, err
}

func allowedCount(t *testing.T) int64 {
	var n int64
	err := storage.DB.Model(&models.Patient{}).
		Where("status = ?", models.StatusAllowed).
		Count(&n).Error
	assert.NoError(t, err, "Ошибка подсчёта принятых")
	return n
}

func TestPromoteEvictsOldest(t *testing.T) {
	t.Setenv("MAX_ALLOWED", "2")
	setupAdmissionTest(t)

	a := checkIn(t, "Анна")
	b := checkIn(t, "Борис")
	c := checkIn(t, "Вера")

	// A и B занимают оба места без вытеснений.
	_, evicted, err := promote(t, a.Token)
	assert.NoError(t, err, "Ошибка приглашения A")
	assert.Empty(t, evicted, "Приглашение A не должно никого вытеснять")

	_, evicted, err = promote(t, b.Token)
	assert.NoError(t, err, "Ошибка приглашения B")
	assert.Empty(t, evicted, "Приглашение B не должно никого вытеснять")

	// C вытесняет самого давнего принятого — A.
	_, evicted, err = promote(t, c.Token)
	assert.NoError(t, err, "Ошибка приглашения C")
	assert.Equal(t, []string{a.Token}, evicted, "Вытеснен должен быть A")

	assert.LessOrEqual(t, allowedCount(t), int64(2), "Превышена вместимость")

	var evictedA models.Patient
	assert.NoError(t, storage.DB.Where("token = ?", a.Token).First(&evictedA).Error)
	assert.Equal(t, models.StatusDone, evictedA.Status, "Вытесненный должен быть завершён")
	assert.NotNil(t, evictedA.FinishedAt, "У вытесненного должен стоять finished_at")
	assert.NotNil(t, evictedA.AdmittedAt, "admitted_at не очищается при вытеснении")
}

func TestPromoteIdempotent(t *testing.T) {
	t.Setenv("MAX_ALLOWED", "2")
	setupAdmissionTest(t)

	a := checkIn(t, "Анна")

	first, evicted, err := promote(t, a.Token)
	assert.NoError(t, err, "Ошибка первого приглашения")
	assert.Empty(t, evicted)
	assert.NotNil(t, first.AdmittedAt, "admitted_at должен быть установлен")
	assert.False(t, first.AdmittedAt.Before(first.CreatedAt), "admitted_at не раньше created_at")

	time.Sleep(10 * time.Millisecond)

	second, evicted, err := promote(t, a.Token)
	assert.NoError(t, err, "Повторное приглашение должно быть успешным")
	assert.Empty(t, evicted, "Повторное приглашение никого не вытесняет")
	assert.True(t, second.AdmittedAt.Equal(*first.AdmittedAt), "admitted_at ставится ровно один раз")
}

func TestPromoteNotFound(t *testing.T) {
	t.Setenv("MAX_ALLOWED", "2")
	setupAdmissionTest(t)

	_, _, err := promote(t, "T999")
	assert.ErrorIs(t, err, ErrNotFound, "Неизвестный талон должен давать ErrNotFound")

	a := checkIn(t, "Анна")
	_, err = removeTx(t, a.Token)
	assert.NoError(t, err)

	_, _, err = promote(t, a.Token)
	assert.ErrorIs(t, err, ErrNotFound, "Завершённый талон должен давать ErrNotFound")
}

func TestPromoteNormalizesToken(t *testing.T) {
	t.Setenv("MAX_ALLOWED", "2")
	setupAdmissionTest(t)

	a := checkIn(t, "Анна")

	patient, _, err := promote(t, "  t"+fmt.Sprint(a.ID)+" ")
	assert.NoError(t, err, "Талон с пробелами и в нижнем регистре должен находиться")
	assert.Equal(t, a.Token, patient.Token)
}

func removeTx(t *testing.T, token string) (bool, error) {
	var wasAllowed bool
	err := storage.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		wasAllowed, err = Remove(tx, token)
		return err
	})
	return wasAllowed, err
}

func TestRemove(t *testing.T) {
	t.Setenv("MAX_ALLOWED", "2")
	setupAdmissionTest(t)

	a := checkIn(t, "Анна")
	b := checkIn(t, "Борис")

	// Снятие ожидающего: место приёма он не занимал.
	wasAllowed, err := removeTx(t, a.Token)
	assert.NoError(t, err, "Ошибка снятия ожидающего")
	assert.False(t, wasAllowed, "Ожидающий не занимал место приёма")

	// Снятие принятого: табло меняется.
	_, _, err = promote(t, b.Token)
	assert.NoError(t, err)
	wasAllowed, err = removeTx(t, b.Token)
	assert.NoError(t, err, "Ошибка снятия принятого")
	assert.True(t, wasAllowed, "Принятый занимал место приёма")

	// Повторное снятие — талон уже закрыт.
	_, err = removeTx(t, b.Token)
	assert.ErrorIs(t, err, ErrNotFound, "Повторное снятие должно давать ErrNotFound")
}

func TestPromoteNextBatch(t *testing.T) {
	t.Setenv("MAX_ALLOWED", "2")
	setupAdmissionTest(t)

	// Оба места заняты, трое ждут.
	a := checkIn(t, "Анна")
	b := checkIn(t, "Борис")
	checkIn(t, "Вера")
	checkIn(t, "Глеб")
	checkIn(t, "Дарья")
	_, _, err := promote(t, a.Token)
	assert.NoError(t, err)
	_, _, err = promote(t, b.Token)
	assert.NoError(t, err)

	var (
		promoted int
		evicted  []string
	)
	err = storage.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		promoted, evicted, err = PromoteNext(tx, 2)
		return err
	})
	assert.NoError(t, err, "Ошибка партийного приглашения")
	assert.Equal(t, 2, promoted, "Должно быть приглашено двое")
	assert.LessOrEqual(t, len(evicted), 2, "Вытеснений не больше, чем приглашений")
	assert.Equal(t, []string{a.Token, b.Token}, evicted, "Вытесняются самые давние принятые по порядку")
	assert.LessOrEqual(t, allowedCount(t), int64(2), "Превышена вместимость")
}

func TestPromoteNextOrdersByID(t *testing.T) {
	t.Setenv("MAX_ALLOWED", "3")
	setupAdmissionTest(t)

	a := checkIn(t, "Анна")
	b := checkIn(t, "Борис")
	checkIn(t, "Вера")

	var promoted int
	err := storage.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		promoted, _, err = PromoteNext(tx, 2)
		return err
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, promoted)

	board, err := AllowedSnapshot(storage.DB)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(board))
	assert.Equal(t, a.Token, board[0].Token, "Первым приглашается меньший номер")
	assert.Equal(t, b.Token, board[1].Token)
}

func TestPromoteNextInvalidArgument(t *testing.T) {
	t.Setenv("MAX_ALLOWED", "2")
	setupAdmissionTest(t)

	checkIn(t, "Анна")

	for _, n := range []int{0, -1} {
		err := storage.DB.Transaction(func(tx *gorm.DB) error {
			_, _, err := PromoteNext(tx, n)
			return err
		})
		assert.ErrorIs(t, err, ErrInvalidArgument, "Размер партии %d должен отклоняться", n)
	}

	assert.Equal(t, int64(0), allowedCount(t), "Состояние не должно меняться при отклонённой партии")
}

func TestSnapshotHeadIsNextVictim(t *testing.T) {
	t.Setenv("MAX_ALLOWED", "2")
	setupAdmissionTest(t)

	a := checkIn(t, "Анна")
	b := checkIn(t, "Борис")
	c := checkIn(t, "Вера")

	_, _, err := promote(t, a.Token)
	assert.NoError(t, err)
	_, _, err = promote(t, b.Token)
	assert.NoError(t, err)

	board, err := AllowedSnapshot(storage.DB)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(board))
	head := board[0].Token

	_, evicted, err := promote(t, c.Token)
	assert.NoError(t, err)
	assert.Equal(t, []string{head}, evicted, "Первый в табло должен вытесняться следующим")
}

func TestConcurrentPromotionsKeepCapacity(t *testing.T) {
	t.Setenv("MAX_ALLOWED", "2")
	setupAdmissionTest(t)

	// Все приглашения идут параллельно в отдельных транзакциях: в любой
	// момент принятых не больше вместимости, каждый успевает побывать
	// принятым, вытесненные и оставшиеся на табло делят множество без
	// пересечений.
	const n = 6
	tokens := make([]string, 0, n)
	for i := 0; i < n; i++ {
		p := checkIn(t, fmt.Sprintf("Пациент %d", i+1))
		tokens = append(tokens, p.Token)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		evicted []string
	)
	for _, token := range tokens {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			err := storage.DB.Transaction(func(tx *gorm.DB) error {
				_, ev, err := Promote(tx, token)
				if err != nil {
					return err
				}
				mu.Lock()
				evicted = append(evicted, ev...)
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err, "Ошибка конкурентного приглашения %s", token)
		}(token)
	}
	wg.Wait()

	assert.LessOrEqual(t, allowedCount(t), int64(2), "Превышена вместимость")

	var patients []models.Patient
	assert.NoError(t, storage.DB.Order("id ASC").Find(&patients).Error)
	assert.Equal(t, n, len(patients))

	onBoard := 0
	for _, p := range patients {
		assert.NotNil(t, p.AdmittedAt, "Пациент %s должен был побывать принятым", p.Token)
		switch p.Status {
		case models.StatusAllowed:
			onBoard++
		case models.StatusDone:
			assert.NotNil(t, p.FinishedAt, "У вытесненного %s должен стоять finished_at", p.Token)
		default:
			t.Errorf("Неожиданный статус %s у %s", p.Status, p.Token)
		}
	}
	assert.Equal(t, n, onBoard+len(evicted), "Вытесненные и принятые должны делить всех без остатка")

	seen := make(map[string]bool)
	for _, token := range evicted {
		assert.False(t, seen[token], "Талон %s вытеснен дважды", token)
		seen[token] = true
	}
}

func TestActiveSnapshot(t *testing.T) {
	t.Setenv("MAX_ALLOWED", "2")
	setupAdmissionTest(t)

	a := checkIn(t, "Анна")
	b := checkIn(t, "Борис")
	c := checkIn(t, "Вера")

	_, _, err := promote(t, b.Token)
	assert.NoError(t, err)
	_, err = removeTx(t, c.Token)
	assert.NoError(t, err)

	active, err := ActiveSnapshot(storage.DB)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(active), "Завершённые не попадают в список очереди")
	assert.Equal(t, a.Token, active[0].Token, "Список упорядочен по номеру")
	assert.Equal(t, b.Token, active[1].Token)
}
