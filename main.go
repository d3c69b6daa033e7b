package main

import (
	"context"
	"fmt"

	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/app"
)

func run() {
	ctx := context.Background()

	cdcPipeline, err := app.NewPipeline(ctx)
	if err != nil {
		panic(fmt.Sprintf("error creating pipeline: %v", err))
	}
	defer cdcPipeline.Close(ctx)

	if err := cdcPipeline.Start(ctx); err != nil {
		panic(fmt.Sprintf("error running pipeline: %v", err))
	}
}

func main() {

	fmt.Println("Starting cdc pipeline...")
	run()
	fmt.Println("Cdc pipeline stopped")
}
