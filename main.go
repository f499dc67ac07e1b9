package main

import (
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"slack-ping-scheduler/handlers"
	"slack-ping-scheduler/models"
	"slack-ping-scheduler/services"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "reminders.db"
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		log.Fatal(err)
	}
	if err := db.AutoMigrate(&models.Reminder{}, &models.TeamSettings{}, &models.Template{}); err != nil {
		log.Fatal(err)
	}

	cache := services.NewSettingsCache()
	dispatcher := &services.Dispatcher{
		Notifier:   &services.SlackNotifier{},
		Directory:  services.NewSlackDirectory(os.Getenv("SLACK_BOT_TOKEN"), nil),
		GhostDelay: 3 * time.Second,
	}

	interval := 30 * time.Second
	if v := os.Getenv("SCHEDULER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			interval = d
		} else {
			log.Printf("invalid SCHEDULER_INTERVAL %q, using default", v)
		}
	}

	scheduler := services.NewScheduler(db, dispatcher, interval)
	if err := scheduler.Start(); err != nil {
		log.Fatal(err)
	}
	defer scheduler.Stop()

	r := gin.Default()
	r.POST("/slack/command", handlers.HandleSlackCommand(db, cache))

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	if err := r.Run(":" + port); err != nil {
		log.Fatal(err)
	}
}
