package kube

import (
	"context"
	"fmt"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"

	"volarbiter/internal/events"
	"volarbiter/internal/obs"
)

// Target names the two Deployments that mount one volume.
type Target struct {
	Namespace          string
	ProducerDeployment string
	ConsumerDeployment string
}

func (t Target) deployment(role string) string {
	switch role {
	case "producer":
		return t.ProducerDeployment
	case "consumer":
		return t.ConsumerDeployment
	}
	return ""
}

// Actuator keeps Deployment replicas in line with arbiter decisions so that
// only the holding role has pods mounting the volume.
type Actuator struct {
	client  kubernetes.Interface
	targets map[string]Target
	logger  *obs.Logger
	timeout time.Duration
}

func NewActuator(client kubernetes.Interface, targets map[string]Target, logger *obs.Logger) *Actuator {
	return &Actuator{
		client:  client,
		targets: targets,
		logger:  logger,
		timeout: 10 * time.Second,
	}
}

// Run applies every hub event until ctx ends. Failures are logged; the next
// event for the volume converges the replicas again.
func (a *Actuator) Run(ctx context.Context, hub *events.Hub) {
	ch, cancel := hub.Subscribe("")
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := a.Apply(ctx, e); err != nil {
				a.logger.Error(map[string]interface{}{
					"op":     "kube_scale",
					"volume": e.Resource,
					"event":  string(e.Type),
					"error":  err.Error(),
				})
			}
		}
	}
}

// Apply translates one event into scale operations. Volumes without a target
// are ignored.
func (a *Actuator) Apply(ctx context.Context, e events.Event) error {
	t, ok := a.targets[e.Resource]
	if !ok {
		return nil
	}

	switch e.Type {
	case events.TypeAcquired:
		return a.scale(ctx, t, other(e.Role), 0)
	case events.TypeTransferred:
		// Outgoing side goes down before the incoming side comes up.
		if err := a.scale(ctx, t, e.From, 0); err != nil {
			return err
		}
		return a.scale(ctx, t, e.To, 1)
	case events.TypeExpired:
		return a.scale(ctx, t, e.From, 0)
	}
	return nil
}

func (a *Actuator) scale(ctx context.Context, t Target, role string, replicas int32) error {
	name := t.deployment(role)
	if name == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	deployments := a.client.AppsV1().Deployments(t.Namespace)
	var prev int32
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		d, err := deployments.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		prev = 1
		if d.Spec.Replicas != nil {
			prev = *d.Spec.Replicas
		}
		if prev == replicas {
			return nil
		}
		d.Spec.Replicas = &replicas
		_, err = deployments.Update(ctx, d, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("scale %s/%s to %d: %w", t.Namespace, name, replicas, err)
	}
	if prev != replicas {
		a.logger.Info(map[string]interface{}{
			"op":         "kube_scale",
			"namespace":  t.Namespace,
			"deployment": name,
			"role":       role,
			"from":       prev,
			"to":         replicas,
		})
	}
	return nil
}

func other(role string) string {
	switch role {
	case "producer":
		return "consumer"
	case "consumer":
		return "producer"
	}
	return ""
}
