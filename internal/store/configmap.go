package store

import (
	"context"
	"fmt"
	"sync"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/util/retry"
)

const managedByLabel = "app.kubernetes.io/managed-by"

// NewInClusterClient creates a Kubernetes clientset using the Pod's service
// account. The account needs get/create/update on ConfigMaps in the store
// namespace.
func NewInClusterClient() (*kubernetes.Clientset, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("build in-cluster config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes clientset: %w", err)
	}

	return clientset, nil
}

// ConfigMapStore keeps blobs in the binaryData of a single ConfigMap, for
// gateways running as a Kubernetes pod on an edge node.
type ConfigMapStore struct {
	client    kubernetes.Interface
	namespace string
	name      string

	mu      sync.Mutex
	pending staged
}

// NewConfigMapStore returns a store backed by namespace/name. The ConfigMap
// is created on first Commit.
func NewConfigMapStore(client kubernetes.Interface, namespace, name string) (*ConfigMapStore, error) {
	if client == nil {
		return nil, fmt.Errorf("kubernetes client is required")
	}
	if namespace == "" {
		return nil, fmt.Errorf("configmap namespace is required")
	}
	if name == "" {
		return nil, fmt.Errorf("configmap name is required")
	}
	return &ConfigMapStore{
		client:    client,
		namespace: namespace,
		name:      name,
		pending:   staged{},
	}, nil
}

// Get returns the staged value for key if any, otherwise the committed one.
func (s *ConfigMapStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	v, ok := s.pending.lookup(key)
	s.mu.Unlock()
	if ok {
		return v, nil
	}

	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, s.name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get configmap %s/%s: %w", s.namespace, s.name, err)
	}

	data, ok := cm.BinaryData[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Set stages value for key until the next Commit.
func (s *ConfigMapStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	s.pending.put(key, value)
	s.mu.Unlock()
	return nil
}

// Commit writes all staged keys with a single create or update call. A
// write that loses a race with another writer is retried against the
// latest version.
func (s *ConfigMapStore) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}

	retriable := func(err error) bool {
		return apierrors.IsConflict(err) || apierrors.IsAlreadyExists(err)
	}
	if err := retry.OnError(retry.DefaultRetry, retriable, func() error {
		return s.write(ctx)
	}); err != nil {
		return err
	}

	s.pending = staged{}
	return nil
}

func (s *ConfigMapStore) write(ctx context.Context) error {
	configMaps := s.client.CoreV1().ConfigMaps(s.namespace)

	cm, err := configMaps.Get(ctx, s.name, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		cm = &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{
				Name:      s.name,
				Namespace: s.namespace,
				Labels:    map[string]string{managedByLabel: "natgate"},
			},
			BinaryData: map[string][]byte{},
		}
		for key, value := range s.pending {
			cm.BinaryData[key] = value
		}
		if _, err := configMaps.Create(ctx, cm, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("create configmap %s/%s: %w", s.namespace, s.name, err)
		}
	case err != nil:
		return fmt.Errorf("get configmap %s/%s: %w", s.namespace, s.name, err)
	default:
		updated := cm.DeepCopy()
		if updated.BinaryData == nil {
			updated.BinaryData = map[string][]byte{}
		}
		for key, value := range s.pending {
			updated.BinaryData[key] = value
		}
		if _, err := configMaps.Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
			return fmt.Errorf("update configmap %s/%s: %w", s.namespace, s.name, err)
		}
	}
	return nil
}

// Close discards uncommitted writes.
func (s *ConfigMapStore) Close() error {
	s.mu.Lock()
	s.pending = staged{}
	s.mu.Unlock()
	return nil
}
