package notify

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConsoleToaster_WritesOneLinePerToast(t *testing.T) {
	var buf bytes.Buffer
	toaster := NewConsoleToaster(&buf, nil)
	toaster.now = func() time.Time { return time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC) }

	toaster.Toast("Build started")
	toaster.Toast("Image for d1 saved to ./d1.img")

	require.Equal(t, "09:30:00  ▸ Build started\n09:30:00  ▸ Image for d1 saved to ./d1.img\n", buf.String())
}
