// The credora-trigger binary appends a paid-call task to the agent's queue
// file.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/credora-finance/credora-go/queue"
)

func main() {
	_ = godotenv.Load()

	queueFile := os.Getenv("QUEUE_FILE")
	if queueFile == "" {
		queueFile = "queue.json"
	}

	store := queue.NewFileStore(queueFile)
	task, err := queue.Append(store, queue.Task{Type: "call_premium"})
	if err != nil {
		log.Fatalf("failed to enqueue task: %v", err)
	}

	fmt.Printf("task %s sent to agent\n", task.ID)
}
