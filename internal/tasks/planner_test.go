package tasks

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"waitroom/internal/admission"
	"waitroom/internal/identity"
	"waitroom/internal/models"
	"waitroom/internal/storage"
	"waitroom/internal/ws"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

var hubOnce sync.Once

func setupTasksTest(t *testing.T) {
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

	// Автоприём рассылает события табло, хаб должен разбирать канал.
	hubOnce.Do(func() {
		go ws.HubInstance.Run()
	})
}

func seedWaiting(t *testing.T, name string) models.Patient {
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

func TestAutoAdmitFillsOnlyFreeSlots(t *testing.T) {
	t.Setenv("MAX_ALLOWED", "2")
	setupTasksTest(t)

	a := seedWaiting(t, "Анна")
	seedWaiting(t, "Борис")
	seedWaiting(t, "Вера")

	// Одно место занято вручную, автоприём добирает ровно одно свободное.
	err := storage.DB.Transaction(func(tx *gorm.DB) error {
		_, _, err := admission.Promote(tx, a.Token)
		return err
	})
	assert.NoError(t, err)

	AutoAdmitFreeSlots()

	var allowed int64
	storage.DB.Model(&models.Patient{}).Where("status = ?", models.StatusAllowed).Count(&allowed)
	assert.Equal(t, int64(2), allowed, "Автоприём должен добрать до вместимости")

	var done int64
	storage.DB.Model(&models.Patient{}).Where("status = ?", models.StatusDone).Count(&done)
	assert.Equal(t, int64(0), done, "Автоприём не должен никого вытеснять")
}

func TestAutoAdmitRunsAlongsideManualPromotions(t *testing.T) {
	t.Setenv("MAX_ALLOWED", "2")
	setupTasksTest(t)

	manual := make([]models.Patient, 0, 4)
	for i := 0; i < 4; i++ {
		manual = append(manual, seedWaiting(t, fmt.Sprintf("Ручной %d", i+1)))
	}
	for i := 0; i < 4; i++ {
		seedWaiting(t, fmt.Sprintf("Авто %d", i+1))
	}

	// Автоприём и ручные приглашения молотят одновременно: ни одна
	// транзакция не должна обрываться, вместимость не превышается.
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 3; j++ {
				AutoAdmitFreeSlots()
			}
		}()
	}
	for _, p := range manual {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			err := storage.DB.Transaction(func(tx *gorm.DB) error {
				_, _, err := admission.Promote(tx, token)
				return err
			})
			// Автоприём мог успеть принять и даже вытеснить этого пациента —
			// тогда талон уже закрыт. Любая другая ошибка недопустима.
			if errors.Is(err, admission.ErrNotFound) {
				return
			}
			assert.NoError(t, err, "Ручное приглашение %s не должно обрываться при работающем автоприёме", token)
		}(p.Token)
	}
	wg.Wait()

	var allowed int64
	storage.DB.Model(&models.Patient{}).Where("status = ?", models.StatusAllowed).Count(&allowed)
	assert.LessOrEqual(t, allowed, int64(2), "Превышена вместимость")

	for _, p := range manual {
		var got models.Patient
		assert.NoError(t, storage.DB.Where("token = ?", p.Token).First(&got).Error)
		assert.NotNil(t, got.AdmittedAt, "Ручно приглашённый %s должен был побывать принятым", p.Token)
	}
}

func TestFlushStaleWaitingUsesLocalDayBoundary(t *testing.T) {
	setupTasksTest(t)

	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	// Вчера 23:30 и сегодня 00:30 по локальному времени: граница между ними —
	// локальная полночь, а не полночь UTC.
	stale := seedWaiting(t, "Вчерашний")
	fresh := seedWaiting(t, "Сегодняшний")
	assert.NoError(t, storage.DB.Model(&models.Patient{}).Where("id = ?", stale.ID).
		Update("created_at", dayStart.Add(-30*time.Minute)).Error)
	assert.NoError(t, storage.DB.Model(&models.Patient{}).Where("id = ?", fresh.ID).
		Update("created_at", dayStart.Add(30*time.Minute)).Error)

	FlushStaleWaiting()

	var gotStale, gotFresh models.Patient
	assert.NoError(t, storage.DB.Where("token = ?", stale.Token).First(&gotStale).Error)
	assert.NoError(t, storage.DB.Where("token = ?", fresh.Token).First(&gotFresh).Error)

	assert.Equal(t, models.StatusDone, gotStale.Status, "Вчерашний талон должен быть закрыт")
	assert.NotNil(t, gotStale.FinishedAt, "У закрытого талона должен стоять finished_at")
	assert.Equal(t, models.StatusWaiting, gotFresh.Status, "Сегодняшний талон закрываться не должен")
}
