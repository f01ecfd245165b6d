package main

import (
	"github.com/cppla/mingblog/config"
	"github.com/cppla/mingblog/models"
	"github.com/cppla/mingblog/routes"
	"github.com/cppla/mingblog/utils"
)

func main() {
	cfg := config.Load()

	if err := utils.InitLogger(cfg); err != nil {
		panic(err)
	}
	defer utils.Logger.Sync()

	db := config.InitDatabase(&models.Role{}, &models.User{}, &models.Follow{}, &models.Post{}, &models.Comment{})
	if err := models.InsertRoles(db); err != nil {
		utils.Sugar.Fatalf("insert roles: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		utils.Sugar.Fatalf("database handle: %v", err)
	}
	store, err := config.NewSessionStore(config.Driver(), sqlDB)
	if err != nil {
		utils.Sugar.Fatalf("session store: %v", err)
	}
	sm := config.NewSessionManager(store, cfg)

	handler := routes.SetupRouter(db, sm)

	utils.Sugar.Infof("Starting server on port %s (graceful)", cfg.AppPort)
	if err := utils.GraceServer(":"+cfg.AppPort, handler); err != nil {
		utils.Sugar.Fatalf("server stopped with error: %v", err)
	}
}
