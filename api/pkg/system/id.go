package system

import (
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

const (
	ProjectPrefix  = "prj_"
	SpecPrefix     = "spec_"
	ChunkPrefix    = "chk_"
	ToolCallPrefix = "call_"
	WorkerPrefix   = "wrk_"
	QueuePrefix    = "q_"
)

func newID() string {
	return strings.ToLower(ulid.Make().String())
}

func GenerateProjectID() string {
	return fmt.Sprintf("%s%s", ProjectPrefix, newID())
}

func GenerateSpecID() string {
	return fmt.Sprintf("%s%s", SpecPrefix, newID())
}

func GenerateChunkID() string {
	return fmt.Sprintf("%s%s", ChunkPrefix, newID())
}

func GenerateToolCallID() string {
	return fmt.Sprintf("%s%s", ToolCallPrefix, newID())
}

func GenerateWorkerID() string {
	return fmt.Sprintf("%s%s", WorkerPrefix, newID())
}

func GenerateQueueItemID() string {
	return fmt.Sprintf("%s%s", QueuePrefix, newID())
}
