package main

import (
	"log"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"storyweave/internal/api"
	"storyweave/internal/auth"
	"storyweave/internal/config"
	"storyweave/internal/gateway"
	"storyweave/internal/playback"
	"storyweave/internal/realtime"
	"storyweave/internal/redis"
	"storyweave/internal/responder"
	"storyweave/internal/service/ai"
	"storyweave/internal/service/history"
	"storyweave/internal/service/scenario"
	"storyweave/internal/session"
	"storyweave/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("STORYWEAVE_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("STORYWEAVE_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		log.Fatalf("create redis client: %v", err)
	}
	defer rdb.Close()

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	gatewayBase := cfg.BasicConfig.GatewayBaseURL
	if gatewayBase == "" {
		// Loopback: this process serves its own turn endpoints.
		port := addr
		if i := strings.LastIndex(addr, ":"); i >= 0 {
			port = addr[i:]
		}
		gatewayBase = "http://127.0.0.1" + port
	}

	historyService := history.NewService(db)
	scenarioService := scenario.NewService(db)
	authService := auth.NewService(db, 0)

	generator, err := ai.NewGenerator(cfg, cfg.BasicConfig.DefaultProvider)
	if err != nil {
		log.Fatalf("init generator: %v", err)
	}
	publisher := realtime.NewPublisher(rdb)
	responderService := responder.NewService(scenarioService, historyService, generator, publisher)

	sessions := session.NewManager(session.Config{
		Store:     historyService,
		Instances: scenarioService,
		Gateway:   gateway.NewClient(gatewayBase),
		Transport: realtime.NewRedisTransport(rdb),
		Flags:     playback.NewRedisFlags(rdb),
	})
	defer sessions.CloseAll()

	handlers := api.NewHandler(scenarioService, historyService, authService, sessions, responderService,
		cfg.BasicConfig.SendRPS, cfg.BasicConfig.SendBurst)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
