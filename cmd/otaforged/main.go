package main

import (
	"flag"
	"log"
	"os"

	"otaforge/config"
	"otaforge/server"
)

func main() {
	configPath := flag.String("config", "", "path to config file (yaml/toml/json)")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = os.Getenv("OTAFORGE_CONFIG")
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("load config %s: %v", path, err)
	}

	app := &server.App{}
	app.Initialize(cfg)
	if err := app.Run(); err != nil {
		log.Fatalf("server: %v", err)
	}
}
