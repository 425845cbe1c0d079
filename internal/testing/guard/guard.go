package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("AIDFLOW_TEST_MODE") == "" {
			_ = os.Setenv("AIDFLOW_TEST_MODE", "1")
		}
	})
}
