// Package k8sdefaults watches a Kubernetes ConfigMap holding the
// process-wide default fractional-attribute list (the "well-known
// configuration entry" of spec §4.2), so a cluster operator can update the
// default list without restarting every engine instance. Adapted from the
// in-cluster client-go wiring used elsewhere in this codebase for
// discovering Secrets; this watcher only ever reads one ConfigMap.
package k8sdefaults

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/cache"
)

// Config selects which ConfigMap and key hold the default fractional list.
type Config struct {
	Namespace string
	Name      string
	// Key is the ConfigMap data key holding a space-separated attribute
	// list; defaults to "default-fractional-attrs".
	Key string
	// Timeout for individual API calls.
	Timeout time.Duration
	Logger  *slog.Logger
}

func (c Config) key() string {
	if c.Key == "" {
		return "default-fractional-attrs"
	}
	return c.Key
}

// DefaultConfig returns sensible defaults; Namespace/Name must still be set
// by the caller.
func DefaultConfig() Config {
	return Config{
		Key:     "default-fractional-attrs",
		Timeout: 10 * time.Second,
		Logger:  slog.Default(),
	}
}

// Watcher keeps the current default fractional attribute list in memory,
// refreshed by a Kubernetes informer watching a single ConfigMap.
type Watcher struct {
	cfg       Config
	clientset kubernetes.Interface

	mu      sync.RWMutex
	current []string

	informer cache.SharedIndexInformer
	stopCh   chan struct{}
}

// New creates a Watcher using in-cluster configuration. It does not start
// watching until Run is called.
func New(cfg Config) (*Watcher, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("k8sdefaults: load in-cluster config: %w", err)
	}
	restConfig.Timeout = cfg.Timeout

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("k8sdefaults: build clientset: %w", err)
	}

	return &Watcher{cfg: cfg, clientset: clientset, stopCh: make(chan struct{})}, nil
}

// NewWithClient builds a Watcher against an already-constructed clientset,
// used by tests with a fake clientset.
func NewWithClient(cfg Config, clientset kubernetes.Interface) *Watcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Watcher{cfg: cfg, clientset: clientset, stopCh: make(chan struct{})}
}

// Run performs an initial synchronous load, then starts a background
// informer keeping the list current until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.loadOnce(ctx); err != nil {
		w.cfg.Logger.Warn("k8sdefaults: initial load failed, starting with empty list", "error", err)
	}

	selector := fields.OneTermEqualSelector("metadata.name", w.cfg.Name).String()
	w.informer = cache.NewSharedIndexInformer(
		&cache.ListWatch{
			ListFunc: func(options metav1.ListOptions) (runtime.Object, error) {
				options.FieldSelector = selector
				return w.clientset.CoreV1().ConfigMaps(w.cfg.Namespace).List(ctx, options)
			},
			WatchFunc: func(options metav1.ListOptions) (watch.Interface, error) {
				options.FieldSelector = selector
				return w.clientset.CoreV1().ConfigMaps(w.cfg.Namespace).Watch(ctx, options)
			},
		},
		&corev1.ConfigMap{},
		0,
		cache.Indexers{},
	)

	w.informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj interface{}) { w.apply(obj) },
		UpdateFunc: func(_, obj interface{}) { w.apply(obj) },
		DeleteFunc: func(obj interface{}) { w.setList(nil) },
	})

	go w.informer.Run(w.stopCh)

	go func() {
		<-ctx.Done()
		close(w.stopCh)
	}()
	return nil
}

func (w *Watcher) apply(obj interface{}) {
	cm, ok := obj.(*corev1.ConfigMap)
	if !ok {
		return
	}
	w.setList(strings.Fields(cm.Data[w.cfg.key()]))
}

func (w *Watcher) loadOnce(ctx context.Context) error {
	cm, err := w.clientset.CoreV1().ConfigMaps(w.cfg.Namespace).Get(ctx, w.cfg.Name, metav1.GetOptions{})
	if err != nil {
		return err
	}
	w.setList(strings.Fields(cm.Data[w.cfg.key()]))
	return nil
}

func (w *Watcher) setList(attrs []string) {
	w.mu.Lock()
	w.current = append([]string(nil), attrs...)
	w.mu.Unlock()
}

// DefaultFractionalAttrs returns the current cached list, safe to call from
// any goroutine. It does not implement collab.Directory's method of the same
// name (that one takes a context and returns an error), and cmd/agreementd
// does not read it.
func (w *Watcher) DefaultFractionalAttrs() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.current...)
}

// Close stops the background informer.
func (w *Watcher) Close() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
}
