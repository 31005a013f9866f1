package consumer

import (
	"os"
	"testing"

	"github.com/munbon/sensorhub/internal/log"
)

func TestMain(m *testing.M) {
	if err := log.Init(false); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}
