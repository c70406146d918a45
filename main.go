package main

import (
	"fmt"
	"log"
	"os"

	_ "waitroom/docs"
	"waitroom/internal/auth"
	"waitroom/internal/handlers"
	"waitroom/internal/models"
	"waitroom/internal/storage"
	"waitroom/internal/tasks"
	"waitroom/internal/ws"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// @Title						Электронная очередь регистратуры
// @securityDefinitions.apikey	BearerAuth
// @in							header
// @name						Authorization
func main() {
	key := os.Getenv("ENV_CHEK")
	if key == "" {
		fmt.Println("Подключение к .env")
		err := godotenv.Load()
		if err != nil {
			log.Fatal("Ошибка получения .env")
		}
	}

	storage.ConnectDatabase()

	if err := storage.DB.AutoMigrate(&models.Patient{}, &models.Staff{}); err != nil {
		log.Fatal("Ошибка при миграции... ", err.Error())
	}

	storage.InitRedis()

	tasks.InitScheduler()

	go ws.HubInstance.Run()

	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	authGroup := r.Group("/auth")
	{
		authGroup.POST("/login", handlers.Login)
		authGroup.POST("/register", handlers.Register)
		authGroup.POST("/refresh", handlers.RefreshToken)
	}

	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/checkin", handlers.CheckInHandler)
		apiGroup.GET("/patients", handlers.ListActiveHandler)
		apiGroup.GET("/board", handlers.ListBoardHandler)
		apiGroup.GET("/board/ws", ws.BoardWebSocketHandler)
	}

	staffGroup := r.Group("/api", auth.AuthMiddleware())
	{
		staffGroup.POST("/patients/:token/admit", handlers.AdmitHandler)
		staffGroup.POST("/patients/:token/remove", handlers.RemoveHandler)
		staffGroup.POST("/admit-next", handlers.AdmitNextHandler)
	}

	if err := r.Run(":8080"); err != nil {
		log.Fatal("Ошибка запуска сервера...", err.Error())
	}
}
