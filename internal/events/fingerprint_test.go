package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qazna.org/telemetry/internal/jsondoc"
)

func baseFingerprint() Fingerprint {
	return Fingerprint{
		EventName:     "app.launch",
		EventVersion:  "1",
		OccurredAt:    time.Date(2025, 6, 1, 10, 0, 0, 123000000, time.UTC),
		UserID:        "u1",
		SessionID:     "s1",
		CorrelationID: "c1",
		Payload:       jsondoc.Document{"screen": "home", "cold": true},
	}
}

func TestFingerprintStable(t *testing.T) {
	a, err := baseFingerprint().Hash()
	require.NoError(t, err)

	fp := baseFingerprint()
	fp.Payload = jsondoc.Document{"cold": true, "screen": "home"}
	fp.OccurredAt = fp.OccurredAt.In(time.FixedZone("UTC+5", 5*3600))
	b, err := fp.Hash()
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFingerprintSensitiveToEveryField(t *testing.T) {
	base, err := baseFingerprint().Hash()
	require.NoError(t, err)

	mutations := map[string]func(*Fingerprint){
		"event_name":     func(f *Fingerprint) { f.EventName = "app.close" },
		"event_version":  func(f *Fingerprint) { f.EventVersion = "2" },
		"occurred_at":    func(f *Fingerprint) { f.OccurredAt = f.OccurredAt.Add(time.Millisecond) },
		"user_id":        func(f *Fingerprint) { f.UserID = "u2" },
		"session_id":     func(f *Fingerprint) { f.SessionID = "s2" },
		"correlation_id": func(f *Fingerprint) { f.CorrelationID = "c2" },
		"payload":        func(f *Fingerprint) { f.Payload = jsondoc.Document{"screen": "settings", "cold": true} },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			fp := baseFingerprint()
			mutate(&fp)
			h, err := fp.Hash()
			require.NoError(t, err)
			assert.NotEqual(t, base, h)
		})
	}
}

func TestFingerprintAnonymousUser(t *testing.T) {
	anon := baseFingerprint()
	anon.UserID = ""
	named := baseFingerprint()
	named.UserID = AnonymousUser

	a, err := anon.Hash()
	require.NoError(t, err)
	b, err := named.Hash()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
