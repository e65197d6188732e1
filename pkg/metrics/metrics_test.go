package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordersAfterInit(t *testing.T) {
	Init(prometheus.NewRegistry())
	assert.True(t, IsMetricsEnabled())

	SetGatewayRegistered("10.0.0.1", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(GatewayRegistered.WithLabelValues("10.0.0.1")))
	SetGatewayRegistered("10.0.0.1", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(GatewayRegistered.WithLabelValues("10.0.0.1")))

	RecordRegistration("10.0.0.1", errors.New("boom"))
	RecordRegistration("10.0.0.1", nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(RegistrationAttempts.WithLabelValues("10.0.0.1", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(RegistrationAttempts.WithLabelValues("10.0.0.1", "ok")))

	RecordNotification("SolicitXmfProbing")
	assert.Equal(t, 1.0, testutil.ToFloat64(NotificationsTotal.WithLabelValues("SolicitXmfProbing")))

	RecordTranscription("google", "final", time.Now())
	assert.Equal(t, 1.0, testutil.ToFloat64(Transcriptions.WithLabelValues("google", "final")))

	RecordTTS(true)
	RecordTTS(false)
	RecordTTS(false)
	assert.Equal(t, 2.0, testutil.ToFloat64(TTSRequests.WithLabelValues("miss")))

	// second Init must not panic on duplicate registration
	Init(prometheus.NewRegistry())
}
