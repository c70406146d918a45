package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"waitroom/internal/admission"
	"waitroom/internal/identity"
	"waitroom/internal/models"
	"waitroom/internal/response"
	"waitroom/internal/storage"
	"waitroom/internal/ws"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type CheckInRequest struct {
	Name      string `json:"name" binding:"required"`
	Age       int    `json:"age" binding:"omitempty,gte=0"`
	Complaint string `json:"complaint"`
}

type CheckInResponse struct {
	Token   string         `json:"token"`
	Patient models.Patient `json:"patient"`
}

// CheckInHandler обрабатывает регистрацию пациента в очереди
// @Summary		Регистрация пациента
// @Description	Выдаёт талон и ставит пациента в очередь ожидания
// @Tags			patients
// @Accept			json
// @Produce		json
// @Param			patient	body		CheckInRequest	true	"Данные пациента"
// @Success		201		{object}	CheckInResponse	"Пациент зарегистрирован, талон выдан"
// @Failure		400		{object}	response.ErrorResponse	"Ошибка валидации (VALIDATION_ERROR)"
// @Failure		500		{object}	response.ErrorResponse	"Ошибка сервера (DB_ERROR, SEQUENCE_ERROR)"
// @Router			/api/checkin [post]
func CheckInHandler(c *gin.Context) {
	var req CheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Ошибка валидации данных",
			Details: err.Error(),
		})
		return
	}

	var patient models.Patient
	err := storage.DB.Transaction(func(tx *gorm.DB) error {
		id, err := identity.NextPatientID(tx)
		if err != nil {
			return err
		}
		patient = models.Patient{
			ID:        id,
			Token:     fmt.Sprintf("%s%d", models.TokenPrefix, id),
			Status:    models.StatusWaiting,
			Name:      req.Name,
			Age:       req.Age,
			Complaint: req.Complaint,
		}
		return tx.Create(&patient).Error
	})
	if errors.Is(err, identity.ErrSequenceUnavailable) {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{
			Code:    "SEQUENCE_ERROR",
			Message: "Нумератор талонов недоступен, обратитесь к администратору",
			Details: err.Error(),
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{
			Code:    "DB_ERROR",
			Message: "Ошибка регистрации пациента",
			Details: err.Error(),
		})
		return
	}

	ws.HubInstance.BroadcastWSMessage(ws.WSMessage{
		EventType: "patient_checked_in",
		Data: map[string]interface{}{
			"token": patient.Token,
			"name":  patient.Name,
		},
	})

	c.JSON(http.StatusCreated, CheckInResponse{
		Token:   patient.Token,
		Patient: patient,
	})
}

type AdmitResponse struct {
	Patient       models.Patient   `json:"patient"`
	EvictedTokens []string         `json:"evicted_tokens"`
	Allowed       []models.Patient `json:"allowed"`
}

// AdmitHandler обрабатывает приглашение пациента по талону
// @Summary		Приглашение пациента
// @Description	Переводит пациента в принятые; при нехватке мест вытесняет самых давних принятых
// @Tags			patients
// @Accept			json
// @Produce		json
// @Param			token	path		string	true	"Талон пациента"
// @Security		BearerAuth
// @Success		200	{object}	AdmitResponse	"Пациент приглашён, список вытесненных и обновлённое табло"
// @Failure		404	{object}	response.ErrorResponse	"Талон не найден или уже закрыт (PATIENT_NOT_FOUND)"
// @Failure		500	{object}	response.ErrorResponse	"Ошибка сервера (DB_ERROR)"
// @Router			/api/patients/{token}/admit [post]
func AdmitHandler(c *gin.Context) {
	token := c.Param("token")

	var (
		patient *models.Patient
		evicted []string
		board   []models.Patient
	)
	err := storage.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		patient, evicted, err = admission.Promote(tx, token)
		if err != nil {
			return err
		}
		board, err = admission.AllowedSnapshot(tx)
		return err
	})
	if errors.Is(err, admission.ErrNotFound) {
		c.JSON(http.StatusNotFound, response.ErrorResponse{
			Code:    "PATIENT_NOT_FOUND",
			Message: "Пациент с таким талоном не найден или уже обслужен",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{
			Code:    "DB_ERROR",
			Message: "Ошибка приглашения пациента",
			Details: err.Error(),
		})
		return
	}

	ws.HubInstance.BroadcastWSMessage(ws.WSMessage{
		EventType: "patient_admitted",
		Data: map[string]interface{}{
			"token":          patient.Token,
			"evicted_tokens": evicted,
			"allowed":        boardTokens(board),
		},
	})

	c.JSON(http.StatusOK, AdmitResponse{
		Patient:       *patient,
		EvictedTokens: evicted,
		Allowed:       board,
	})
}

type RemoveResponse struct {
	WasAllowed bool `json:"was_allowed"`
}

// RemoveHandler обрабатывает снятие пациента с очереди
// @Summary		Снятие пациента
// @Description	Завершает обслуживание пациента из ожидания или из принятых
// @Tags			patients
// @Accept			json
// @Produce		json
// @Param			token	path		string	true	"Талон пациента"
// @Security		BearerAuth
// @Success		200	{object}	RemoveResponse	"Пациент снят с очереди"
// @Failure		404	{object}	response.ErrorResponse	"Талон не найден или уже закрыт (PATIENT_NOT_FOUND)"
// @Failure		500	{object}	response.ErrorResponse	"Ошибка сервера (DB_ERROR)"
// @Router			/api/patients/{token}/remove [post]
func RemoveHandler(c *gin.Context) {
	token := c.Param("token")

	var (
		wasAllowed bool
		board      []models.Patient
	)
	err := storage.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		wasAllowed, err = admission.Remove(tx, token)
		if err != nil {
			return err
		}
		board, err = admission.AllowedSnapshot(tx)
		return err
	})
	if errors.Is(err, admission.ErrNotFound) {
		c.JSON(http.StatusNotFound, response.ErrorResponse{
			Code:    "PATIENT_NOT_FOUND",
			Message: "Пациент с таким талоном не найден или уже обслужен",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{
			Code:    "DB_ERROR",
			Message: "Ошибка снятия пациента с очереди",
			Details: err.Error(),
		})
		return
	}

	// Снятие ожидающего табло не меняет, событие об освобождении места
	// уходит только если пациент занимал место приёма.
	if wasAllowed {
		ws.HubInstance.BroadcastWSMessage(ws.WSMessage{
			EventType: "patient_removed",
			Data: map[string]interface{}{
				"token":   admission.NormalizeToken(token),
				"allowed": boardTokens(board),
			},
		})
	}

	c.JSON(http.StatusOK, RemoveResponse{WasAllowed: wasAllowed})
}

type AdmitNextRequest struct {
	Count int `json:"count"`
}

type AdmitNextResponse struct {
	PromotedCount int              `json:"promoted_count"`
	EvictedTokens []string         `json:"evicted_tokens"`
	Allowed       []models.Patient `json:"allowed"`
}

// AdmitNextHandler обрабатывает приглашение следующих N пациентов
// @Summary		Приглашение следующих
// @Description	Приглашает до N ожидающих в порядке выдачи талонов одной транзакцией
// @Tags			patients
// @Accept			json
// @Produce		json
// @Param			batch	body		AdmitNextRequest	true	"Размер партии"
// @Security		BearerAuth
// @Success		200	{object}	AdmitNextResponse	"Число приглашённых, вытесненные талоны и обновлённое табло"
// @Failure		400	{object}	response.ErrorResponse	"Некорректный размер партии (INVALID_BATCH_SIZE) или тело запроса (VALIDATION_ERROR)"
// @Failure		500	{object}	response.ErrorResponse	"Ошибка сервера (DB_ERROR)"
// @Router			/api/admit-next [post]
func AdmitNextHandler(c *gin.Context) {
	var req AdmitNextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Ошибка валидации данных",
			Details: err.Error(),
		})
		return
	}
	if req.Count <= 0 {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    "INVALID_BATCH_SIZE",
			Message: "Размер партии должен быть положительным",
		})
		return
	}

	var (
		promoted int
		evicted  []string
		board    []models.Patient
	)
	err := storage.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		promoted, evicted, err = admission.PromoteNext(tx, req.Count)
		if err != nil {
			return err
		}
		board, err = admission.AllowedSnapshot(tx)
		return err
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{
			Code:    "DB_ERROR",
			Message: "Ошибка приглашения следующих пациентов",
			Details: err.Error(),
		})
		return
	}

	if promoted > 0 {
		ws.HubInstance.BroadcastWSMessage(ws.WSMessage{
			EventType: "patients_admitted",
			Data: map[string]interface{}{
				"promoted_count": promoted,
				"evicted_tokens": evicted,
				"allowed":        boardTokens(board),
			},
		})
	}

	c.JSON(http.StatusOK, AdmitNextResponse{
		PromotedCount: promoted,
		EvictedTokens: evicted,
		Allowed:       board,
	})
}

// ListActiveHandler обрабатывает запрос списка незавершённых пациентов
// @Summary		Список очереди
// @Description	Возвращает всех ожидающих и принятых пациентов по возрастанию номера
// @Tags			patients
// @Produce		json
// @Success		200	{array}		models.Patient	"Незавершённые пациенты"
// @Failure		500	{object}	response.ErrorResponse	"Ошибка сервера (DB_ERROR)"
// @Router			/api/patients [get]
func ListActiveHandler(c *gin.Context) {
	patients, err := admission.ActiveSnapshot(storage.DB)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{
			Code:    "DB_ERROR",
			Message: "Ошибка загрузки списка очереди",
			Details: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, patients)
}

// ListBoardHandler обрабатывает запрос табло принятых
// @Summary		Табло принятых
// @Description	Возвращает принятых пациентов в порядке вытеснения: первый в списке уходит следующим
// @Tags			patients
// @Produce		json
// @Success		200	{array}		models.Patient	"Принятые пациенты"
// @Failure		500	{object}	response.ErrorResponse	"Ошибка сервера (DB_ERROR)"
// @Router			/api/board [get]
func ListBoardHandler(c *gin.Context) {
	patients, err := admission.AllowedSnapshot(storage.DB)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{
			Code:    "DB_ERROR",
			Message: "Ошибка загрузки табло",
			Details: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, patients)
}

func boardTokens(board []models.Patient) []string {
	tokens := make([]string, 0, len(board))
	for _, p := range board {
		tokens = append(tokens, p.Token)
	}
	return tokens
}
