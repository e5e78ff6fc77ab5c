package sockjam

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// RandomTopicName returns a unique topic name for one harness run so
// repeated runs against the same broker never collide.
func RandomTopicName(prefix string) string {
	if prefix == "" {
		prefix = "sockjam"
	}
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return fmt.Sprintf("%s_%s", prefix, suffix)
}
