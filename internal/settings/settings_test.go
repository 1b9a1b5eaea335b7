package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	assert.Equal(t, "UTC", s.Timezone)
	assert.True(t, s.Detection.TrustFrigateSublabel)
	assert.Equal(t, 256, s.Broadcast.SubscriberBufferSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, Save(path, Defaults()))

	t.Setenv("FRIGATE_URL", "http://frigate.example.local:5000")
	t.Setenv("RETENTION_DAYS", "30")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://frigate.example.local:5000", s.Frigate.URL)
	assert.Equal(t, 30, s.Media.RetentionDays)
}

func TestSaveNeverClobbersSecretWithPlaceholder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	withSecret := Defaults()
	withSecret.Frigate.AuthToken = "super-secret-token"
	require.NoError(t, Save(path, withSecret))

	redacted := Redacted(withSecret)
	require.Equal(t, placeholderSecret, redacted.Frigate.AuthToken)
	require.NoError(t, Save(path, redacted))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-token", reloaded.Frigate.AuthToken, "placeholder write must not clobber the real secret")
}

func TestSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, Save(path, Defaults()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "temp file must be renamed away, not left behind")
	}
}

func TestPublisherPublishIsVisibleImmediately(t *testing.T) {
	pub := NewPublisher(Defaults())
	assert.Equal(t, 0.7, pub.Current().Detection.ClassificationThreshold)

	next := Defaults()
	next.Detection.ClassificationThreshold = 0.9
	pub.Publish(next)

	assert.Equal(t, 0.9, pub.Current().Detection.ClassificationThreshold)
}

func TestPublisherUpdatesChannelNeverBlocksPublish(t *testing.T) {
	pub := NewPublisher(Defaults())
	for i := 0; i < 5; i++ {
		pub.Publish(Defaults())
	}
	select {
	case <-pub.Updates():
	default:
		t.Fatal("expected at least one buffered update notice")
	}
}
