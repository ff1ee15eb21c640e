package main

import (
	"log"

	"github.com/pingup/pingup/core/controlplane/workflowengine"
	"github.com/pingup/pingup/core/infra/buildinfo"
	"github.com/pingup/pingup/core/infra/config"
)

func main() {
	log.Println("pingup workflow engine starting...")
	buildinfo.Log("pingup-workflow-engine")
	cfg := config.Load()
	if err := workflowengine.Run(cfg); err != nil {
		log.Fatalf("workflow engine error: %v", err)
	}
}
