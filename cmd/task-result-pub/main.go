package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dedezza1D/hookflow/internal/bootstrap"
	"github.com/dedezza1D/hookflow/internal/config"
	"github.com/dedezza1D/hookflow/internal/events"
	"github.com/dedezza1D/hookflow/internal/store"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	var (
		taskID      = flag.String("task-id", "", "Task id to report on")
		taskType    = flag.String("type", string(store.TaskImport), "Task type")
		errMsg      = flag.String("error", "", "Report a failure with this message")
		unretriable = flag.Bool("unretriable", false, "Mark the failure as unretriable")
		outputFile  = flag.String("output", "", "Path to a JSON task output to report")
		count       = flag.Int("count", 1, "How many times to publish the same result")
		interval    = flag.Duration("interval", 50*time.Millisecond, "Delay between publishes")
	)
	flag.Parse()

	if *taskID == "" {
		panic("missing --task-id")
	}
	if !store.TaskType(*taskType).Valid() {
		panic("unknown --type " + *taskType)
	}
	if *count <= 0 {
		panic("--count must be > 0")
	}

	_ = godotenv.Load()
	cfg := config.Load()

	q, err := bootstrap.OpenQueue(context.Background(), cfg, zap.NewNop())
	if err != nil {
		panic(err)
	}
	defer q.Close()

	typ := store.TaskType(*taskType)
	res := events.TaskResult{
		Envelope: events.NewEnvelope(events.TypeTaskResult, time.Now()),
		Task:     events.TaskInfo{ID: *taskID, Type: typ},
	}
	if *errMsg != "" {
		res.Error = &events.TaskError{Message: *errMsg, Unretriable: *unretriable}
	}
	if *outputFile != "" {
		raw, err := os.ReadFile(*outputFile)
		if err != nil {
			panic(err)
		}
		var out store.TaskOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			panic(err)
		}
		res.Output = &out
	}

	key := events.TaskResultKey(typ, *taskID)
	b, _ := json.Marshal(res)
	fmt.Printf("publishing %d time(s) to %s: %s\n", *count, key, string(b))

	// the same envelope each time, so duplicates exercise broker and handler dedup
	for i := 0; i < *count; i++ {
		if err := q.Publish(context.Background(), key, res); err != nil {
			panic(err)
		}
		time.Sleep(*interval)
	}

	fmt.Println("done")
}
