package orchestrator

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

func newJobID() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("job-%d-%s", time.Now().UnixNano(), hex.EncodeToString(buf))
}
