package main

import (
	"log"

	"github.com/pingup/pingup/core/controlplane/gateway"
	"github.com/pingup/pingup/core/infra/buildinfo"
	"github.com/pingup/pingup/core/infra/config"
)

func main() {
	log.Println("pingup api gateway starting...")
	buildinfo.Log("pingup-api-gateway")
	cfg := config.Load()
	if err := gateway.Run(cfg); err != nil {
		log.Fatalf("api gateway error: %v", err)
	}
}
