package models

import (
	"time"
)

// Статусы пациента в очереди. Переходы только вперёд:
// waiting -> allowed -> done, либо waiting -> done при ручном удалении.
const (
	StatusWaiting = "waiting"
	StatusAllowed = "allowed"
	StatusDone    = "done"
)

// TokenPrefix — префикс талона, талон строится как TokenPrefix + ID.
const TokenPrefix = "T"

type Patient struct {
	ID         uint       `gorm:"primaryKey" json:"id"` // Номер выдаётся аллокатором, автоинкремент не используется
	Token      string     `gorm:"uniqueIndex;not null" json:"token"`
	Status     string     `gorm:"index;not null;default:waiting" json:"status"`
	Name       string     `gorm:"not null" json:"name"`
	Age        int        `json:"age"`
	Complaint  string     `json:"complaint"`                // Свободный текст, ядро очереди его не интерпретирует
	AdmittedAt *time.Time `gorm:"index" json:"admitted_at"` // Момент приглашения в кабинет, ставится ровно один раз
	FinishedAt *time.Time `json:"finished_at"`              // Момент завершения (выписан или удалён)
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type Staff struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Name         string    `gorm:"not null" json:"name"`
	Email        string    `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string    `gorm:"not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
