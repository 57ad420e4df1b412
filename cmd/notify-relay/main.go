package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"notify-relay/internal/bootstrap"
)

func main() {
	fmt.Printf("[%s] [INFO] [Bootstrap] starting notify-relay...\n", time.Now().Format("2006-01-02 15:04:05.000"))
	if err := bootstrap.Run(context.Background()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "notify-relay failed: %v\n", err)
		os.Exit(1)
	}
}
