package k8sdefaults

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Namespace = "replication"
	cfg.Name = "agreement-engine-defaults"
	return cfg
}

func TestWatcher_DefaultFractionalAttrs_EmptyBeforeRun(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	w := NewWithClient(testConfig(), clientset)
	assert.Empty(t, w.DefaultFractionalAttrs())
}

func TestWatcher_Run_LoadsInitialConfigMap(t *testing.T) {
	cfg := testConfig()
	clientset := fake.NewSimpleClientset(&corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: cfg.Name, Namespace: cfg.Namespace},
		Data:       map[string]string{cfg.key(): "entryusn passwordhistory"},
	})
	w := NewWithClient(cfg, clientset)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Run(ctx))

	assert.Eventually(t, func() bool {
		attrs := w.DefaultFractionalAttrs()
		return len(attrs) == 2
	}, time.Second, 10*time.Millisecond)

	attrs := w.DefaultFractionalAttrs()
	assert.ElementsMatch(t, []string{"entryusn", "passwordhistory"}, attrs)
}

func TestWatcher_Run_MissingConfigMapLeavesListEmpty(t *testing.T) {
	cfg := testConfig()
	clientset := fake.NewSimpleClientset()
	w := NewWithClient(cfg, clientset)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Run(ctx))

	assert.Empty(t, w.DefaultFractionalAttrs())
}

func TestWatcher_Close_IsIdempotent(t *testing.T) {
	w := NewWithClient(testConfig(), fake.NewSimpleClientset())
	assert.NotPanics(t, func() {
		w.Close()
		w.Close()
	})
}

func TestConfig_KeyDefaultsWhenUnset(t *testing.T) {
	cfg := Config{}
	assert.Equal(t, "default-fractional-attrs", cfg.key())

	cfg.Key = "custom-key"
	assert.Equal(t, "custom-key", cfg.key())
}
