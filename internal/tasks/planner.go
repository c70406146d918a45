package tasks

import (
	"log"
	"os"
	"time"

	"waitroom/internal/admission"
	"waitroom/internal/models"
	"waitroom/internal/storage"
	"waitroom/internal/ws"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// AutoAdmitFreeSlots приглашает ожидающих на свободные места приёма.
// Заполняются только свободные места: вытеснения при автоприёме недопустимы,
// поэтому размер партии считается от текущего числа принятых.
func AutoAdmitFreeSlots() {
	var (
		promoted int
		board    []models.Patient
	)
	err := storage.DB.Transaction(func(tx *gorm.DB) error {
		// Блокировка вместимости берётся до подсчёта свободных мест, иначе
		// параллельное приглашение успело бы занять место и автоприём
		// вытеснил бы принятого.
		if err := admission.LockCapacity(tx); err != nil {
			return err
		}

		var allowedCount int64
		if err := tx.Model(&models.Patient{}).
			Where("status = ?", models.StatusAllowed).
			Count(&allowedCount).Error; err != nil {
			return err
		}

		free := admission.MaxAllowed() - int(allowedCount)
		if free <= 0 {
			return nil
		}

		var err error
		promoted, _, err = admission.PromoteNext(tx, free)
		if err != nil {
			return err
		}
		board, err = admission.AllowedSnapshot(tx)
		return err
	})
	if err != nil {
		log.Println("Ошибка автоприёма:", err)
		return
	}

	if promoted > 0 {
		log.Printf("Автоприём: приглашено пациентов — %d\n", promoted)
		tokens := make([]string, 0, len(board))
		for _, p := range board {
			tokens = append(tokens, p.Token)
		}
		ws.HubInstance.BroadcastWSMessage(ws.WSMessage{
			EventType: "patients_admitted",
			Data: map[string]interface{}{
				"promoted_count": promoted,
				"evicted_tokens": []string{},
				"allowed":        tokens,
			},
		})
	}
}

// FlushStaleWaiting снимает с очереди ожидающих, зарегистрированных до начала
// текущих суток: приёмный день закончился, талоны вчерашнего дня недействительны.
func FlushStaleWaiting() {
	// Граница — локальная полночь: Truncate(24h) резал бы по суткам UTC
	// и в любом другом поясе закрывал не те талоны.
	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var stale []models.Patient
	if err := storage.DB.
		Where("status = ? AND created_at < ?", models.StatusWaiting, dayStart).
		Find(&stale).Error; err != nil {
		log.Println("Ошибка поиска устаревших талонов:", err)
		return
	}

	for _, p := range stale {
		err := storage.DB.Transaction(func(tx *gorm.DB) error {
			_, err := admission.Remove(tx, p.Token)
			return err
		})
		if err != nil {
			log.Println("Ошибка закрытия устаревшего талона", p.Token, ":", err)
		}
	}

	if len(stale) > 0 {
		log.Printf("Закрыто устаревших талонов: %d\n", len(stale))
	}
}

// InitScheduler инициализирует планировщик cron-задач.
func InitScheduler() *cron.Cron {
	c := cron.New(cron.WithSeconds())

	// Автоприём включается переменной окружения AUTO_ADMIT.
	if os.Getenv("AUTO_ADMIT") == "true" {
		_, err := c.AddFunc("*/15 * * * * *", AutoAdmitFreeSlots)
		if err != nil {
			log.Println("Ошибка запуска cron-задачи AutoAdmitFreeSlots:", err)
		}
	}

	// Закрытие вчерашних талонов каждый день в 03:00.
	_, err := c.AddFunc("0 0 3 * * *", FlushStaleWaiting)
	if err != nil {
		log.Println("Ошибка запуска cron-задачи FlushStaleWaiting:", err)
	}

	c.Start()
	log.Println("Cron-планировщик запущен.")
	return c
}
